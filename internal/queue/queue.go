package queue

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is the channel payload for one generation request. The worker is
// stateless with respect to it: everything authoritative lives in the
// request store, keyed by request_id.
type Message struct {
	RequestID           string   `json:"request_id"`
	CorrelationID       string   `json:"correlation_id"`
	StudentID           string   `json:"student_id"`
	StudentQuery        string   `json:"student_query"`
	GradeLevel          int      `json:"grade_level"`
	Interest            string   `json:"interest,omitempty"`
	RequestedModalities []string `json:"requested_modalities"`
	Style               string   `json:"style,omitempty"`
	Environment         string   `json:"environment"`
}

// Names derives the queue trio for one environment.
type Names struct {
	Main  string
	Retry string
	DLQ   string
}

func NamesFor(env string) Names {
	main := fmt.Sprintf("content-requests-%s", env)
	return Names{
		Main:  main,
		Retry: main + "-retry",
		DLQ:   main + "-dlq",
	}
}

// declareTopology sets up the three queues:
//   - main: dead-letters to the DLQ on nack(requeue=false)
//   - retry: per-message TTL, dead-letters back to main
//   - dlq: plain durable queue held for manual inspection
//
// Declarations are idempotent, so publisher and consumer both run this.
func declareTopology(ch *amqp.Channel, names Names) error {
	if _, err := ch.QueueDeclare(
		names.DLQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", names.DLQ, err)
	}

	if _, err := ch.QueueDeclare(
		names.Retry,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": names.Main,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", names.Retry, err)
	}

	if _, err := ch.QueueDeclare(
		names.Main,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": names.DLQ,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", names.Main, err)
	}

	return nil
}

// attemptHeader carries the delivery count across retry republishes. A
// republished message is a fresh message to the broker, so its x-death
// trail restarts; the publisher stamps the attempt that just failed here
// and the next delivery reads it back.
const attemptHeader = "x-attempt"

// DeliveryAttempts reports how many times this message has been handed
// out: 1 on first delivery, plus one per completed retry cycle. The
// x-attempt header stamped on retry publishes is authoritative; the
// broker-maintained x-death trail is the fallback for messages that were
// dead-lettered without a republish. The worker keeps no attempt state of
// its own.
func DeliveryAttempts(d amqp.Delivery, names Names) int {
	if v, ok := d.Headers[attemptHeader]; ok {
		switch n := v.(type) {
		case int64:
			return int(n) + 1
		case int32:
			return int(n) + 1
		case int:
			return n + 1
		}
	}

	attempts := 1
	deaths, ok := d.Headers["x-death"].([]any)
	if !ok {
		return attempts
	}
	for _, raw := range deaths {
		death, ok := raw.(amqp.Table)
		if !ok {
			continue
		}
		q, _ := death["queue"].(string)
		if q != names.Retry {
			continue
		}
		switch count := death["count"].(type) {
		case int64:
			attempts += int(count)
		case int32:
			attempts += int(count)
		case int:
			attempts += count
		}
	}
	return attempts
}
