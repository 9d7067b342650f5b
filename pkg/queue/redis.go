package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/psantana5/qrbatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis-backed queue
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
	// PollTimeout bounds each blocking move so ctx cancellation is noticed
	PollTimeout time.Duration
}

// RedisQueue keeps pending payloads in one list and in-flight payloads in a
// second list. BLMOVE hands a payload from pending to processing atomically,
// and Ack removes it, so a consumer crash leaves the payload recoverable.
type RedisQueue struct {
	client      *redis.Client
	pending     string
	processing  string
	pollTimeout time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection
func NewRedisQueue(ctx context.Context, opts RedisOptions) (*RedisQueue, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if opts.Key == "" {
		opts.Key = "qrbatch.jobs"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		ReadTimeout:  opts.PollTimeout + 3*time.Second,
		WriteTimeout: 3 * time.Second,
		DialTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connect error: %w", err)
	}

	return &RedisQueue{
		client:      client,
		pending:     opts.Key + ":pending",
		processing:  opts.Key + ":processing",
		pollTimeout: opts.PollTimeout,
	}, nil
}

// Enqueue pushes a payload onto the pending list
func (q *RedisQueue) Enqueue(ctx context.Context, payload models.JobPayload) error {
	data, err := encodeEnvelope(envelope{Attempt: 1, Payload: payload})
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", payload.JobID, err)
	}
	return nil
}

// Dequeue moves the oldest pending payload onto the processing list
func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		raw, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.pollTimeout).Result()
		if errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		env, err := decodeEnvelope([]byte(raw))
		if err != nil {
			// Poison message: drop it so it cannot wedge the queue
			q.client.LRem(ctx, q.processing, 1, raw)
			return nil, err
		}
		return &redisDelivery{q: q, raw: raw, env: env}, nil
	}
}

// RecoverInflight moves payloads left on the processing list by a crashed
// consumer back onto the pending list. Call it before starting consumers.
func (q *RedisQueue) RecoverInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover in-flight payloads: %w", err)
		}
		moved++
	}
}

// Len returns the number of pending payloads
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pending).Result()
}

// Close closes the Redis client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

type redisDelivery struct {
	q   *RedisQueue
	raw string
	env envelope
}

func (d *redisDelivery) Payload() models.JobPayload { return d.env.Payload }
func (d *redisDelivery) Attempt() int               { return d.env.Attempt }

func (d *redisDelivery) Ack(ctx context.Context) error {
	if err := d.q.client.LRem(ctx, d.q.processing, 1, d.raw).Err(); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", d.env.Payload.JobID, err)
	}
	return nil
}

func (d *redisDelivery) Retry(ctx context.Context) error {
	data, err := encodeEnvelope(envelope{Attempt: d.env.Attempt + 1, Payload: d.env.Payload})
	if err != nil {
		return err
	}
	_, err = d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, d.q.processing, 1, d.raw)
		pipe.LPush(ctx, d.q.pending, data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue job %s: %w", d.env.Payload.JobID, err)
	}
	return nil
}
