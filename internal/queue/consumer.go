package queue

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	names Names
}

func NewConsumer(url, env string, prefetch int) (*Consumer, error) {
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

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch, names: names}, nil
}

func (c *Consumer) Names() Names { return c.names }

func (c *Consumer) Consume() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.names.Main, "", false, false, false, false, nil)
}

// Attempts reads the broker-maintained delivery count for this message.
func (c *Consumer) Attempts(d amqp.Delivery) int {
	return DeliveryAttempts(d, c.names)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
