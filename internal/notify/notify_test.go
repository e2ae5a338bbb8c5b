package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brightpath/contentgen/internal/logger"
)

func TestWebhookDeliversEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- ev
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, logger.NewNop())
	wh.Notify(context.Background(), Event{
		RequestID: "req-1",
		StudentID: "student-1",
		Stage:     "pipeline",
		Status:    "completed",
	})

	select {
	case ev := <-got:
		if ev.RequestID != "req-1" || ev.Stage != "pipeline" || ev.Status != "completed" {
			t.Fatalf("unexpected event: %+v", ev)
		}
		if ev.Timestamp.IsZero() {
			t.Fatal("timestamp not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWebhookNotifyDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	wh := NewWebhook(srv.URL, logger.NewNop())

	start := time.Now()
	wh.Notify(context.Background(), Event{RequestID: "req-2", Stage: "lesson", Status: "started"})
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Notify blocked for %v", elapsed)
	}
}

func TestWebhookSurvivesDeadEndpoint(t *testing.T) {
	// nothing listening here; Notify must not panic or block
	wh := NewWebhook("http://127.0.0.1:1/notify", logger.NewNop())
	done := make(chan struct{})
	go func() {
		wh.Notify(context.Background(), Event{RequestID: "req-3"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify did not return")
	}
}
