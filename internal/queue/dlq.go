package queue

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadMessage is one dead-lettered payload plus the broker metadata an
// operator needs to diagnose it.
type DeadMessage struct {
	Message     Message   `json:"message"`
	RawBody     string    `json:"raw_body,omitempty"`
	Attempts    int       `json:"attempts"`
	DeadAt      time.Time `json:"dead_at"`
	deliveryTag uint64
}

// Inspector pulls messages off the dead-letter queue for diagnosis without
// requeuing them. Messages stay on the queue unless explicitly acked.
type Inspector struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	names Names
}

func NewInspector(url, env string) (*Inspector, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Inspector{conn: conn, ch: ch, names: NamesFor(env)}, nil
}

// Peek fetches up to max dead-lettered messages without acking, so closing
// the connection returns them to the queue.
func (i *Inspector) Peek(max int) ([]DeadMessage, error) {
	if max <= 0 {
		max = 10
	}
	out := make([]DeadMessage, 0, max)
	for len(out) < max {
		d, ok, err := i.ch.Get(i.names.DLQ, false)
		if err != nil {
			return out, fmt.Errorf("dlq get: %w", err)
		}
		if !ok {
			break
		}
		out = append(out, decodeDead(d, i.names))
	}
	return out, nil
}

// Ack permanently removes a previously peeked message from the DLQ.
func (i *Inspector) Ack(m DeadMessage) error {
	return i.ch.Ack(m.deliveryTag, false)
}

func (i *Inspector) Close() error {
	if i.ch != nil {
		_ = i.ch.Close()
	}
	if i.conn != nil {
		return i.conn.Close()
	}
	return nil
}

func decodeDead(d amqp.Delivery, names Names) DeadMessage {
	dm := DeadMessage{
		Attempts:    DeliveryAttempts(d, names),
		DeadAt:      d.Timestamp,
		deliveryTag: d.DeliveryTag,
	}
	if err := json.Unmarshal(d.Body, &dm.Message); err != nil {
		dm.RawBody = string(d.Body)
	}
	return dm
}
