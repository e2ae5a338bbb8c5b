package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brightpath/contentgen/internal/logger"
)

// Cache is the two-tier fingerprint cache. The fast tier answers most
// lookups; the durable tier survives restarts and fast-tier eviction.
//
// Note the cache itself guarantees nothing about concurrent population:
// two callers can miss on the same fingerprint and both regenerate. Callers
// that need at-most-one-generation semantics take the lease first.
type Cache struct {
	fast    FastTier
	durable DurableTier
	ttl     time.Duration
	log     *logger.Logger
}

func New(fast FastTier, durable DurableTier, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{fast: fast, durable: durable, ttl: ttl, log: log}
}

// CheckResult is the lookup answer: the fingerprint is always returned so
// a miss can still lease and store under the same key.
type CheckResult struct {
	CacheHit bool   `json:"cache_hit"`
	CacheKey string `json:"cache_key"`
	Entry    *Entry `json:"entry,omitempty"`
}

// Check looks up fingerprint(topicID, interest, style): fast tier first,
// durable tier on miss. A durable hit re-warms the fast tier in the
// background before returning.
func (c *Cache) Check(ctx context.Context, topicID, interest, style string) (*CheckResult, error) {
	key := Fingerprint(topicID, interest, style)
	res := &CheckResult{CacheKey: key}

	entry, err := c.fast.Get(ctx, key)
	if err == nil {
		res.CacheHit = true
		res.Entry = entry
		return res, nil
	}
	if !errors.Is(err, ErrNotFound) {
		// fast tier being down must not hide a durable hit
		c.log.Warn("fast tier lookup failed", "key", key, "err", err)
	}

	entry, err = c.durable.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return res, nil
		}
		return nil, fmt.Errorf("durable tier lookup: %w", err)
	}

	// write-through warm-up so the next check stays off the durable tier
	go func() {
		wctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.fast.Set(wctx, key, entry, c.ttl); err != nil {
			c.log.Warn("fast tier warm-up failed", "key", key, "err", err)
		}
	}()

	res.CacheHit = true
	res.Entry = entry
	return res, nil
}

// StoreResult reports which tiers took the write.
type StoreResult struct {
	Success       bool `json:"success"`
	FastStored    bool `json:"redis_stored"`
	DurableStored bool `json:"gcs_stored"`
}

// Store writes the durable tier first; its failure fails the call. The fast
// tier write is best effort: a miss there only costs a durable-tier read
// later.
func (c *Cache) Store(ctx context.Context, entry *Entry) (*StoreResult, error) {
	if entry.CacheKey == "" {
		entry.CacheKey = Fingerprint(entry.TopicID, entry.Interest, entry.Style)
	}
	if entry.CachedAt.IsZero() {
		entry.CachedAt = time.Now()
	}
	if entry.Status == "" {
		entry.Status = "completed"
	}

	res := &StoreResult{}
	if err := c.durable.Put(ctx, entry.CacheKey, entry); err != nil {
		return res, fmt.Errorf("durable tier store: %w", err)
	}
	res.DurableStored = true
	res.Success = true

	if err := c.fast.Set(ctx, entry.CacheKey, entry, c.ttl); err != nil {
		c.log.Warn("fast tier store failed", "key", entry.CacheKey, "err", err)
	} else {
		res.FastStored = true
	}
	return res, nil
}

// Invalidate always drops the fast-tier entry. The durable tier doubles as
// an audit trail, so it is only touched when explicitly requested.
func (c *Cache) Invalidate(ctx context.Context, key string, alsoDurable bool) error {
	if err := c.fast.Delete(ctx, key); err != nil {
		return fmt.Errorf("fast tier invalidate: %w", err)
	}
	if alsoDurable {
		if err := c.durable.Delete(ctx, key); err != nil {
			return fmt.Errorf("durable tier invalidate: %w", err)
		}
	}
	return nil
}

// AcquireLease claims the short-TTL in-progress marker for a fingerprint.
func (c *Cache) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.fast.AcquireLease(ctx, key, ttl)
}

func (c *Cache) ReleaseLease(ctx context.Context, key string) {
	if err := c.fast.ReleaseLease(ctx, key); err != nil {
		c.log.Warn("lease release failed", "key", key, "err", err)
	}
}

// WaitForEntry polls the cache for a fingerprint some other worker is
// generating. Returns nil when the winner's result has not appeared within
// the poll budget.
func (c *Cache) WaitForEntry(ctx context.Context, topicID, interest, style string, interval time.Duration, maxPolls int) (*Entry, error) {
	for i := 0; i < maxPolls; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		res, err := c.Check(ctx, topicID, interest, style)
		if err != nil {
			return nil, err
		}
		if res.CacheHit {
			return res.Entry, nil
		}
	}
	return nil, nil
}
