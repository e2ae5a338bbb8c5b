package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	entryKeyPrefix = "contentgen:fp:"
	leaseKeyPrefix = "contentgen:lease:"
)

// RedisFastTier backs the fast tier with Redis. Entries expire by TTL;
// leases use SET NX.
type RedisFastTier struct {
	client *redis.Client
}

func NewRedisFastTier(client *redis.Client) *RedisFastTier {
	return &RedisFastTier{client: client}
}

func (r *RedisFastTier) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.client.Get(ctx, entryKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("redis entry decode: %w", err)
	}
	return &entry, nil
}

func (r *RedisFastTier) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis entry encode: %w", err)
	}
	if err := r.client.Set(ctx, entryKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisFastTier) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, entryKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisFastTier) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, leaseKeyPrefix+key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisFastTier) ReleaseLease(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, leaseKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis lease del: %w", err)
	}
	return nil
}
