package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/brightpath/contentgen/internal/logger"
)

// Event is the stage-boundary notification sent to the collaborator that
// owns student-facing messaging (templates, delivery channels are its
// problem, not ours).
type Event struct {
	RequestID string    `json:"request_id"`
	StudentID string    `json:"student_id"`
	Stage     string    `json:"stage"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier is strictly best-effort: implementations never return an error
// and must never block pipeline processing for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Nop discards notifications. Used in tests and when no webhook is
// configured.
type Nop struct{}

func (Nop) Notify(ctx context.Context, ev Event) {}

// Webhook posts events to the notification collaborator's endpoint.
type Webhook struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

func NewWebhook(url string, log *logger.Logger) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 3 * time.Second},
		log:    log,
	}
}

// Notify returns immediately; the post runs in the background with its
// own deadline so a slow collaborator cannot stall message processing.
func (w *Webhook) Notify(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		w.log.Warn("notify encode failed", "request_id", ev.RequestID, "err", err)
		return
	}
	go w.post(ev, body)
}

func (w *Webhook) post(ev Event, body []byte) {
	// detached from the caller's context: the delivery may finish even
	// after it acks
	cctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		w.log.Warn("notify request failed", "request_id", ev.RequestID, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.log.Warn("notify post failed", "request_id", ev.RequestID, "stage", ev.Stage, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		w.log.Warn("notify rejected", "request_id", ev.RequestID, "stage", ev.Stage, "status", resp.StatusCode)
	}
}
