package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/psantana5/qrbatch/pkg/models"
)

var (
	ErrClosed          = errors.New("queue closed")
	ErrUnsupportedType = errors.New("unsupported queue type")
)

// Delivery is one dequeued payload. Exactly one of Ack or Retry must be
// called; an unacknowledged delivery is handed out again after a crash.
type Delivery interface {
	Payload() models.JobPayload
	// Attempt is 1 on first delivery and grows with every Retry
	Attempt() int
	Ack(ctx context.Context) error
	// Retry puts the payload back with Attempt()+1
	Retry(ctx context.Context) error
}

// Queue is an at-least-once work queue of job payloads
type Queue interface {
	Enqueue(ctx context.Context, payload models.JobPayload) error
	// Dequeue blocks until a payload is available or ctx is done
	Dequeue(ctx context.Context) (Delivery, error)
	Close() error
}

// Config selects and configures a queue backend
type Config struct {
	Type     string `mapstructure:"type"` // "memory", "redis" or "rabbitmq"
	Name     string `mapstructure:"name"`
	Capacity int    `mapstructure:"capacity"`

	// Redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	// RabbitMQ
	AMQPURL  string `mapstructure:"amqp_url"`
	Prefetch int    `mapstructure:"prefetch"`
}

// New creates a queue based on configuration
func New(ctx context.Context, cfg Config) (Queue, error) {
	if cfg.Name == "" {
		cfg.Name = "qrbatch.jobs"
	}
	switch cfg.Type {
	case "memory", "":
		return NewMemoryQueue(cfg.Capacity), nil
	case "redis":
		return NewRedisQueue(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.Name,
		})
	case "rabbitmq", "amqp":
		return NewRabbitMQQueue(cfg.AMQPURL, cfg.Name, cfg.Prefetch)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, cfg.Type)
	}
}

// envelope is the wire form shared by the broker-backed queues
type envelope struct {
	Attempt int               `json:"attempt"`
	Payload models.JobPayload `json:"payload"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return data, nil
}

func decodeEnvelope(data []byte) (envelope, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("failed to decode payload: %w", err)
	}
	if e.Attempt < 1 {
		e.Attempt = 1
	}
	return e, nil
}
