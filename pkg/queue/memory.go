package queue

import (
	"context"
	"sync"

	"github.com/psantana5/qrbatch/pkg/models"
)

const defaultMemoryCapacity = 1024

// MemoryQueue is an in-process queue backed by a buffered channel
type MemoryQueue struct {
	ch     chan envelope
	closed chan struct{}
	once   sync.Once
}

// NewMemoryQueue creates a memory queue holding up to capacity payloads
func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	return &MemoryQueue{
		ch:     make(chan envelope, capacity),
		closed: make(chan struct{}),
	}
}

// Enqueue adds a payload, blocking while the buffer is full
func (q *MemoryQueue) Enqueue(ctx context.Context, payload models.JobPayload) error {
	return q.push(ctx, envelope{Attempt: 1, Payload: payload})
}

func (q *MemoryQueue) push(ctx context.Context, e envelope) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- e:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue waits for the next payload
func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case e := <-q.ch:
		return &memoryDelivery{q: q, env: e}, nil
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of waiting payloads
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close stops the queue; waiting Dequeue calls return ErrClosed
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

type memoryDelivery struct {
	q   *MemoryQueue
	env envelope
}

func (d *memoryDelivery) Payload() models.JobPayload { return d.env.Payload }
func (d *memoryDelivery) Attempt() int               { return d.env.Attempt }

func (d *memoryDelivery) Ack(ctx context.Context) error { return nil }

func (d *memoryDelivery) Retry(ctx context.Context) error {
	return d.q.push(ctx, envelope{Attempt: d.env.Attempt + 1, Payload: d.env.Payload})
}
