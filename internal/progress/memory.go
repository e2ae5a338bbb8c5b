package progress

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps per-request event logs in a bounded in-process map.
// Suitable for a single instance; each worker only sees its own events.
type MemoryStore struct {
	mu         sync.Mutex
	events     map[string][]Event
	maxEntries int
	retention  time.Duration
	grace      time.Duration
	now        func() time.Time

	stop chan struct{}
	once sync.Once
}

func NewMemoryStore(maxEntries int, retention time.Duration) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if retention <= 0 {
		retention = 30 * time.Minute
	}
	return &MemoryStore{
		events:     make(map[string][]Event),
		maxEntries: maxEntries,
		retention:  retention,
		grace:      30 * time.Second,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
}

// StartSweeper runs the periodic eviction loop until Close is called.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

func (m *MemoryStore) Close() {
	m.once.Do(func() { close(m.stop) })
}

func (m *MemoryStore) TrackEvent(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.RequestID] = append(m.events[ev.RequestID], ev)
	if len(m.events) > m.maxEntries {
		m.sweepLocked()
	}
	return nil
}

func (m *MemoryStore) RequestFlow(ctx context.Context, requestID string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	events, ok := m.events[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := append([]Event(nil), events...)
	return deriveFlow(cp, m.now()), nil
}

func (m *MemoryStore) ActiveFlows(ctx context.Context, studentID string, limit int) ([]Flow, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	now := m.now()

	m.mu.Lock()
	flows := make([]Flow, 0, len(m.events))
	for _, events := range m.events {
		f := deriveFlow(append([]Event(nil), events...), now)
		if f == nil {
			continue
		}
		if studentID != "" && f.StudentID != studentID {
			continue
		}
		// terminal flows drop out after a short grace window
		if f.Terminal && f.Age > m.grace {
			continue
		}
		flows = append(flows, *f)
	}
	m.mu.Unlock()

	sort.Slice(flows, func(i, j int) bool {
		return flows[i].UpdatedAt.After(flows[j].UpdatedAt)
	})
	if len(flows) > limit {
		flows = flows[:limit]
	}
	return flows, nil
}

func (m *MemoryStore) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
}

// sweepLocked removes terminal request trails older than the retention
// window. Non-terminal trails are kept unless the map is badly oversized,
// in which case the oldest go first.
func (m *MemoryStore) sweepLocked() {
	now := m.now()
	for id, events := range m.events {
		f := deriveFlow(events, now)
		if f != nil && f.Terminal && f.Age > m.retention {
			delete(m.events, id)
		}
	}
	if len(m.events) <= m.maxEntries {
		return
	}
	type aged struct {
		id string
		at time.Time
	}
	all := make([]aged, 0, len(m.events))
	for id, events := range m.events {
		all = append(all, aged{id: id, at: events[len(events)-1].Timestamp})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	excess := len(all) - m.maxEntries
	for _, a := range all[:excess] {
		delete(m.events, a.id)
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
