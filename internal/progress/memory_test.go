package progress

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func track(t *testing.T, m *MemoryStore, reqID, studentID, stage, status string, at time.Time) {
	t.Helper()
	err := m.TrackEvent(context.Background(), Event{
		RequestID: reqID,
		StudentID: studentID,
		Stage:     stage,
		Status:    status,
		Timestamp: at,
	})
	if err != nil {
		t.Fatalf("track event: %v", err)
	}
}

func TestRequestFlow_DerivesFromEventTrail(t *testing.T) {
	m := NewMemoryStore(100, time.Hour)
	base := time.Now()

	track(t, m, "req-1", "s1", "topic_extraction", StatusStarted, base)
	track(t, m, "req-1", "s1", "topic_extraction", StatusCompleted, base.Add(2*time.Second))
	track(t, m, "req-1", "s1", "script_generation", StatusStarted, base.Add(3*time.Second))

	flow, err := m.RequestFlow(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("request flow: %v", err)
	}
	if flow.CurrentStage != "script_generation" || flow.Status != StatusStarted {
		t.Fatalf("current stage not from last event: %+v", flow)
	}
	if len(flow.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(flow.Events))
	}
	if flow.Terminal {
		t.Fatalf("in-flight flow flagged terminal")
	}
	if flow.ElapsedSeconds != 3 {
		t.Fatalf("elapsed not derived from first/last event: %v", flow.ElapsedSeconds)
	}
}

func TestRequestFlow_UnknownRequest(t *testing.T) {
	m := NewMemoryStore(100, time.Hour)
	if _, err := m.RequestFlow(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTerminalDetection(t *testing.T) {
	m := NewMemoryStore(100, time.Hour)
	base := time.Now()

	// stage completion is not pipeline completion
	track(t, m, "req-stage", "s1", "topic_extraction", StatusCompleted, base)
	// whole-pipeline completion is terminal
	track(t, m, "req-done", "s1", "pipeline", StatusCompleted, base)
	// a failure is terminal wherever it happens
	track(t, m, "req-bad", "s1", "audio_synthesis", StatusFailed, base)

	ctx := context.Background()
	for _, tc := range []struct {
		id       string
		terminal bool
	}{
		{"req-stage", false},
		{"req-done", true},
		{"req-bad", true},
	} {
		flow, err := m.RequestFlow(ctx, tc.id)
		if err != nil {
			t.Fatalf("%s: %v", tc.id, err)
		}
		if flow.Terminal != tc.terminal {
			t.Fatalf("%s: terminal=%v, want %v", tc.id, flow.Terminal, tc.terminal)
		}
	}
}

func TestActiveFlows_FiltersAndOrders(t *testing.T) {
	m := NewMemoryStore(100, time.Hour)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	track(t, m, "req-old", "s1", "script_generation", StatusStarted, now.Add(-10*time.Minute))
	track(t, m, "req-new", "s1", "topic_extraction", StatusStarted, now.Add(-1*time.Minute))
	track(t, m, "req-other", "s2", "topic_extraction", StatusStarted, now.Add(-1*time.Minute))
	// finished beyond the grace window: hidden from the active list
	track(t, m, "req-done", "s1", "pipeline", StatusCompleted, now.Add(-5*time.Minute))
	// just finished: still shown
	track(t, m, "req-just", "s1", "pipeline", StatusCompleted, now.Add(-5*time.Second))

	flows, err := m.ActiveFlows(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("active flows: %v", err)
	}
	if len(flows) != 3 {
		t.Fatalf("expected 3 flows, got %d: %+v", len(flows), flows)
	}
	// most recently updated first
	if flows[0].RequestID != "req-just" {
		t.Fatalf("expected req-just first, got %s", flows[0].RequestID)
	}
	for _, f := range flows {
		if f.StudentID != "s1" {
			t.Fatalf("foreign student's flow leaked: %+v", f)
		}
		if f.RequestID == "req-done" {
			t.Fatalf("stale terminal flow still listed")
		}
	}
}

func TestSweep_EvictsExpiredTerminalTrails(t *testing.T) {
	m := NewMemoryStore(100, time.Minute)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	track(t, m, "req-expired", "s1", "pipeline", StatusCompleted, now.Add(-2*time.Minute))
	track(t, m, "req-running", "s1", "script_generation", StatusStarted, now.Add(-2*time.Minute))

	m.sweep()

	ctx := context.Background()
	if _, err := m.RequestFlow(ctx, "req-expired"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired terminal trail not evicted")
	}
	if _, err := m.RequestFlow(ctx, "req-running"); err != nil {
		t.Fatalf("in-flight trail evicted by retention sweep: %v", err)
	}
}

func TestSweep_BoundsMapSize(t *testing.T) {
	m := NewMemoryStore(5, time.Hour)
	now := time.Now()
	m.SetClock(func() time.Time { return now })

	for i := 0; i < 12; i++ {
		track(t, m, fmt.Sprintf("req-%02d", i), "s1", "topic_extraction", StatusStarted, now.Add(time.Duration(i)*time.Second))
	}

	m.sweep()

	m.mu.Lock()
	n := len(m.events)
	m.mu.Unlock()
	if n > 5 {
		t.Fatalf("map not bounded: %d entries", n)
	}
	// the newest trail survives eviction
	if _, err := m.RequestFlow(context.Background(), "req-11"); err != nil {
		t.Fatalf("newest trail evicted: %v", err)
	}
}
