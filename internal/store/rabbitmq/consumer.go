package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

func NewConsumer(url, queue string) (*Consumer, error) {
	q := QueuesFor(queue)
	conn, ch, err := open(url, q)
	if err != nil {
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queues: q}, nil
}

// Deliveries starts consuming the main queue with at most prefetch unacked
// messages in flight.
func (c *Consumer) Deliveries(prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return c.ch.Consume(c.queues.Main, "", false, false, false, false, nil)
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
