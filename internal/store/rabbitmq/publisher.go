package rabbitmq

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn   *amqp.Connection
	mu     sync.Mutex // amqp channels are not safe for concurrent publishes
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	q := QueuesFor(queue)
	conn, ch, err := open(url, q)
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queues: q}, nil
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

// PublishJob queues a job for immediate processing.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queues.Main, jobID, 0, 0)
}

// RetryJob parks a job in the retry queue; it comes back after delay carrying
// the attempt number.
func (p *Publisher) RetryJob(ctx context.Context, jobID string, attempt int, delay time.Duration) error {
	return p.publish(ctx, p.queues.Retry, jobID, attempt, delay)
}

func (p *Publisher) publish(ctx context.Context, queue, jobID string, attempt int, ttl time.Duration) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	}
	if attempt > 0 {
		msg.Headers = amqp.Table{attemptHeader: int32(attempt)}
	}
	if ttl > 0 {
		msg.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.PublishWithContext(cctx, "", queue, false, false, msg)
}
