package progress

import (
	"context"
	"errors"
	"time"
)

// The progress monitor is advisory only. The request store is the system of
// record; this trail exists for polling/streaming clients and may be
// evicted at any time.

var ErrNotFound = errors.New("progress: no events for request")

// Event statuses.
const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

type Event struct {
	RequestID  string         `json:"request_id"`
	StudentID  string         `json:"student_id"`
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Confidence *float64       `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Flow is the derived per-request view: current stage/status come from the
// last event.
type Flow struct {
	RequestID      string        `json:"request_id"`
	StudentID      string        `json:"student_id"`
	CurrentStage   string        `json:"current_stage"`
	Status         string        `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ElapsedSeconds float64       `json:"elapsed_seconds"`
	Events         []Event       `json:"events"`
	Terminal       bool          `json:"terminal"`
	Age            time.Duration `json:"-"`
}

// Store abstracts the deployment topology: one implementation is an
// in-process bounded map, the other a shared Redis store, and calling code
// never knows which it got.
type Store interface {
	TrackEvent(ctx context.Context, ev Event) error
	RequestFlow(ctx context.Context, requestID string) (*Flow, error)
	ActiveFlows(ctx context.Context, studentID string, limit int) ([]Flow, error)
}

func deriveFlow(events []Event, now time.Time) *Flow {
	if len(events) == 0 {
		return nil
	}
	first := events[0]
	last := events[len(events)-1]
	terminal := last.Status == StatusCompleted && last.Stage == "pipeline" ||
		last.Status == StatusFailed
	return &Flow{
		RequestID:      first.RequestID,
		StudentID:      first.StudentID,
		CurrentStage:   last.Stage,
		Status:         last.Status,
		StartedAt:      first.Timestamp,
		UpdatedAt:      last.Timestamp,
		ElapsedSeconds: last.Timestamp.Sub(first.Timestamp).Seconds(),
		Events:         events,
		Terminal:       terminal,
		Age:            now.Sub(last.Timestamp),
	}
}
