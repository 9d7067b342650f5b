package blob

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore fails fast while the wrapped backend keeps erroring.
// ErrNotFound and ErrInvalidKey count as successful calls.
type BreakerStore struct {
	next Store
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerStore wraps next in a circuit breaker
func NewBreakerStore(next Store, name string) *BreakerStore {
	return &BreakerStore{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 5,
			Interval:    30 * time.Second,
			Timeout:     10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) ||
					errors.Is(err, context.Canceled)
			},
		}),
	}
}

// State reports the breaker state, for health output
func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Put(ctx, key, data)
	})
	return err
}

func (b *BreakerStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Get(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return out.([]byte), nil
}

func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Delete(ctx, key)
	})
	return err
}

func (b *BreakerStore) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.DeletePrefix(ctx, prefix)
	})
	return err
}
