package queue

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestNamesFor(t *testing.T) {
	n := NamesFor("prod")
	if n.Main != "content-requests-prod" {
		t.Fatalf("main: %s", n.Main)
	}
	if n.Retry != "content-requests-prod-retry" {
		t.Fatalf("retry: %s", n.Retry)
	}
	if n.DLQ != "content-requests-prod-dlq" {
		t.Fatalf("dlq: %s", n.DLQ)
	}
}

func TestDeliveryAttempts_FirstDelivery(t *testing.T) {
	n := NamesFor("dev")
	d := amqp.Delivery{Headers: amqp.Table{}}
	if got := DeliveryAttempts(d, n); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}

// Republishing to the retry queue creates a fresh message, so the broker's
// x-death trail restarts on every cycle. The stamped attempt header is the
// count that survives, and it must win over x-death.
func TestDeliveryAttempts_PrefersStampedAttempt(t *testing.T) {
	n := NamesFor("dev")
	d := amqp.Delivery{Headers: amqp.Table{
		"x-attempt": int32(4),
		"x-death": []any{
			amqp.Table{"queue": n.Retry, "count": int64(1), "reason": "expired"},
		},
	}}
	if got := DeliveryAttempts(d, n); got != 5 {
		t.Fatalf("expected attempt 5 after 4 failures, got %d", got)
	}

	// the broker may hand the header back widened to int64
	d = amqp.Delivery{Headers: amqp.Table{"x-attempt": int64(2)}}
	if got := DeliveryAttempts(d, n); got != 3 {
		t.Fatalf("expected attempt 3, got %d", got)
	}
}

func TestDeliveryAttempts_FallsBackToDeathTrail(t *testing.T) {
	// an unstamped message that expired once in the retry queue: one
	// retry cycle means this is the second delivery
	n := NamesFor("dev")
	d := amqp.Delivery{Headers: amqp.Table{
		"x-death": []any{
			amqp.Table{"queue": n.Retry, "count": int64(1), "reason": "expired"},
			amqp.Table{"queue": "some-other-queue", "count": int64(7), "reason": "rejected"},
		},
	}}
	if got := DeliveryAttempts(d, n); got != 2 {
		t.Fatalf("expected 2 attempts (1 + 1 retry), got %d", got)
	}
}

func TestDeliveryAttempts_IgnoresMalformedHeaders(t *testing.T) {
	n := NamesFor("dev")
	d := amqp.Delivery{Headers: amqp.Table{"x-death": "garbage", "x-attempt": "also garbage"}}
	if got := DeliveryAttempts(d, n); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
}
