package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	flowKeyPrefix = "contentgen:flow:"
	activeSetKey  = "contentgen:flows:active"
)

// RedisStore shares the progress trail across instances, so any API node
// can answer for a request regardless of which worker processed it.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	grace     time.Duration
}

func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &RedisStore{client: client, retention: retention, grace: 30 * time.Second}
}

func (r *RedisStore) TrackEvent(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("progress encode: %w", err)
	}
	key := flowKeyPrefix + ev.RequestID
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	// retention is enforced by key TTL; every event pushes it out again,
	// so the trail outlives the request by the full window
	pipe.Expire(ctx, key, r.retention)
	pipe.ZAdd(ctx, activeSetKey, redis.Z{Score: float64(ev.Timestamp.UnixMilli()), Member: ev.RequestID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("progress track: %w", err)
	}
	return nil
}

func (r *RedisStore) RequestFlow(ctx context.Context, requestID string) (*Flow, error) {
	raws, err := r.client.LRange(ctx, flowKeyPrefix+requestID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("progress read: %w", err)
	}
	if len(raws) == 0 {
		return nil, ErrNotFound
	}
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		return nil, ErrNotFound
	}
	return deriveFlow(events, time.Now()), nil
}

func (r *RedisStore) ActiveFlows(ctx context.Context, studentID string, limit int) ([]Flow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	// newest first; over-fetch to allow for filtering
	ids, err := r.client.ZRevRange(ctx, activeSetKey, 0, int64(limit*4)).Result()
	if err != nil {
		return nil, fmt.Errorf("progress active set: %w", err)
	}
	flows := make([]Flow, 0, limit)
	for _, id := range ids {
		f, err := r.RequestFlow(ctx, id)
		if err != nil {
			// trail expired; drop the index entry too
			r.client.ZRem(ctx, activeSetKey, id)
			continue
		}
		if studentID != "" && f.StudentID != studentID {
			continue
		}
		if f.Terminal && f.Age > r.grace {
			continue
		}
		flows = append(flows, *f)
		if len(flows) >= limit {
			break
		}
	}
	return flows, nil
}
