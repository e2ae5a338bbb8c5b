package cache

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by both tiers for a missing key.
var ErrNotFound = errors.New("cache: entry not found")

// Entry is the metadata bag stored per fingerprint.
type Entry struct {
	CacheKey string `json:"cache_key"`
	TopicID  string `json:"topic_id"`
	Interest string `json:"interest"`
	Style    string `json:"style"`

	Status          string  `json:"status"`
	VideoURL        string  `json:"video_url,omitempty"`
	AudioURL        string  `json:"audio_url,omitempty"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty"`
	ScriptText      string  `json:"script_text,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
	CachedAt    time.Time `json:"cached_at"`
}

// FastTier is the bounded, TTL-evicted tier (Redis in production). It also
// carries the short-lived generation lease because the lease needs the same
// compare-and-set primitive.
type FastTier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// AcquireLease atomically claims the in-progress marker for a
	// fingerprint. Returns false when someone else holds it.
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key string) error
}

// DurableTier never expires entries on its own; it doubles as an audit trail
// of everything ever generated (GCS in production).
type DurableTier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, key string, entry *Entry) error
	Delete(ctx context.Context, key string) error
}

// MemoryFastTier is the in-process FastTier used by tests and single-node
// dev setups.
type MemoryFastTier struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	leases  map[string]time.Time
	now     func() time.Time
}

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

func NewMemoryFastTier() *MemoryFastTier {
	return &MemoryFastTier{
		entries: make(map[string]memoryEntry),
		leases:  make(map[string]time.Time),
		now:     time.Now,
	}
}

func (m *MemoryFastTier) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, ErrNotFound
	}
	cp := *e.entry
	return &cp, nil
}

func (m *MemoryFastTier) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	cp := *entry
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{entry: &cp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryFastTier) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryFastTier) AcquireLease(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, held := m.leases[key]; held && m.now().Before(until) {
		return false, nil
	}
	m.leases[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryFastTier) ReleaseLease(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, key)
	return nil
}

// SetClock overrides the tier's clock. Test hook.
func (m *MemoryFastTier) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// MemoryDurableTier is the in-process DurableTier used by tests and dev
// setups without a bucket configured.
type MemoryDurableTier struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryDurableTier() *MemoryDurableTier {
	return &MemoryDurableTier{entries: make(map[string]*Entry)}
}

func (m *MemoryDurableTier) Get(ctx context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryDurableTier) Put(ctx context.Context, key string, entry *Entry) error {
	cp := *entry
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &cp
	return nil
}

func (m *MemoryDurableTier) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
