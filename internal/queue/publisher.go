package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	names Names
}

func NewPublisher(url, env string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	names := NamesFor(env)
	if err := declareTopology(ch, names); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, names: names}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish enqueues a fresh generation request.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	return p.publishTo(ctx, p.names.Main, msg, 0, nil)
}

// PublishRetry parks the message on the retry queue. The delay rides as the
// per-message TTL; on expiry the broker dead-letters it back to the main
// queue. attempt is the delivery that just failed: republishing wipes the
// broker's x-death trail, so the count must travel in our own header for
// DeliveryAttempts to keep growing across cycles.
func (p *Publisher) PublishRetry(ctx context.Context, msg Message, attempt int, delay time.Duration) error {
	if delay <= 0 {
		delay = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	return p.publishTo(ctx, p.names.Retry, msg, delay, amqp.Table{attemptHeader: int32(attempt)})
}

func (p *Publisher) publishTo(ctx context.Context, queueName string, msg Message, expiration time.Duration, headers amqp.Table) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      headers,
	}
	if expiration > 0 {
		pub.Expiration = strconv.FormatInt(expiration.Milliseconds(), 10)
	}

	return p.ch.PublishWithContext(cctx,
		"",        // default exchange
		queueName, // routing key = queue
		false,
		false,
		pub,
	)
}
