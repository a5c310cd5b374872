// Package rabbitmq moves async chat sends from the API to the worker.
package rabbitmq

import (
	"encoding/json"
	"errors"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of one queued send.
type JobMessage struct {
	JobID string `json:"job_id"`
}

const attemptHeader = "x-attempt"

var ErrBadMessage = errors.New("rabbitmq: malformed job message")

func DecodeJob(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return JobMessage{}, errors.Join(ErrBadMessage, err)
	}
	if strings.TrimSpace(m.JobID) == "" {
		return JobMessage{}, ErrBadMessage
	}
	return m, nil
}

// Attempt is the number of retries a delivery has been through; 0 for the
// first delivery.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Queues names the main queue and its retry and dead-letter companions.
type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(name string) Queues {
	return Queues{Main: name, Retry: name + ".retry", DLQ: name + ".dlq"}
}

// declare sets up the three queues. Rejected main-queue messages land in the
// DLQ; retry-queue messages expire back into the main queue.
func declare(ch *amqp.Channel, q Queues) error {
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	})
	return err
}

func open(url string, q Queues) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	if err := declare(ch, q); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}
