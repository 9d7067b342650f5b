package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

const attemptHeader = "x-qrbatch-attempt"

// RabbitMQQueue publishes payloads to a durable queue and consumes them with
// manual acknowledgement. Unacked messages are redelivered by the broker.
type RabbitMQQueue struct {
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	pubMu     sync.Mutex
	confirms  chan amqp.Confirmation
	consumeCh *amqp.Channel
	msgs      <-chan amqp.Delivery
	name      string
}

// NewRabbitMQQueue dials the broker, declares the queue and starts consuming
func NewRabbitMQQueue(url, name string, prefetch int) (*RabbitMQQueue, error) {
	if url == "" {
		return nil, errors.New("amqp url is required")
	}
	if prefetch <= 0 {
		prefetch = 1
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	q := &RabbitMQQueue{conn: conn, name: name}
	if err := q.setup(prefetch); err != nil {
		conn.Close()
		return nil, err
	}
	return q, nil
}

func (q *RabbitMQQueue) setup(prefetch int) error {
	pubCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(
		q.name, // queue name
		true,   // durable
		false,  // delete when unused
		false,  // exclusive
		false,  // no-wait
		nil,    // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		return fmt.Errorf("failed to put channel in confirm mode: %w", err)
	}
	q.pubCh = pubCh
	q.confirms = pubCh.NotifyPublish(make(chan amqp.Confirmation, 1))

	consumeCh, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := consumeCh.Qos(
		prefetch, // prefetch count
		0,        // prefetch size
		false,    // global
	); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}
	msgs, err := consumeCh.Consume(
		q.name, // queue
		"",     // consumer (empty means auto-generated)
		false,  // auto-ack (manual ack)
		false,  // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	q.consumeCh = consumeCh
	q.msgs = msgs
	return nil
}

func (q *RabbitMQQueue) publish(ctx context.Context, e envelope) error {
	body, err := encodeEnvelope(e)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if q.conn.IsClosed() {
		return ErrClosed
	}

	err = q.pubCh.PublishWithContext(ctx,
		"",     // default exchange
		q.name, // routing key
		false,  // mandatory
		false,  // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{attemptHeader: int32(e.Attempt)},
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", e.Payload.JobID, err)
	}

	select {
	case confirmed, ok := <-q.confirms:
		if !ok {
			return fmt.Errorf("confirmation channel closed")
		}
		if !confirmed.Ack {
			return fmt.Errorf("broker rejected job %s", e.Payload.JobID)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Enqueue publishes a payload and waits for the broker confirm
func (q *RabbitMQQueue) Enqueue(ctx context.Context, payload models.JobPayload) error {
	return q.publish(ctx, envelope{Attempt: 1, Payload: payload})
}

// Dequeue waits for the next broker delivery
func (q *RabbitMQQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case msg, ok := <-q.msgs:
		if !ok {
			return nil, ErrClosed
		}
		env, err := decodeEnvelope(msg.Body)
		if err != nil {
			msg.Reject(false)
			return nil, err
		}
		if v, ok := msg.Headers[attemptHeader].(int32); ok && int(v) > env.Attempt {
			env.Attempt = int(v)
		}
		return &rabbitDelivery{q: q, msg: msg, env: env}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes channels and the connection
func (q *RabbitMQQueue) Close() error {
	if q.consumeCh != nil {
		q.consumeCh.Close()
	}
	if q.pubCh != nil {
		q.pubCh.Close()
	}
	return q.conn.Close()
}

type rabbitDelivery struct {
	q   *RabbitMQQueue
	msg amqp.Delivery
	env envelope
}

func (d *rabbitDelivery) Payload() models.JobPayload { return d.env.Payload }
func (d *rabbitDelivery) Attempt() int               { return d.env.Attempt }

func (d *rabbitDelivery) Ack(ctx context.Context) error {
	return d.msg.Ack(false)
}

// Retry republishes with a bumped attempt count, then acks the original
func (d *rabbitDelivery) Retry(ctx context.Context) error {
	if err := d.q.publish(ctx, envelope{Attempt: d.env.Attempt + 1, Payload: d.env.Payload}); err != nil {
		return err
	}
	return d.msg.Ack(false)
}
