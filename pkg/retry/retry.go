package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`    // Total attempts including the first
	InitialBackoff time.Duration `mapstructure:"initial_backoff"` // Delay before the second attempt
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`     // Upper bound on any single delay
	Multiplier     float64       `mapstructure:"multiplier"`      // Backoff multiplier (exponential)
}

// DefaultConfig is the job delivery policy: 3 attempts, backoff from 2s
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do returns it without further attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Backoff returns the delay to wait after the given failed attempt (1-based)
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	backoff := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * mult)
		if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}
	return backoff
}

// Exhausted reports whether attempt used up the budget
func (c Config) Exhausted(attempt int) bool {
	return attempt >= c.MaxAttempts
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return errors.Unwrap(err)
		}
		lastErr = err

		// Don't sleep after last attempt
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(config.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", config.MaxAttempts, lastErr)
}

// IsRetryable checks if an error looks like a transient transport failure
func IsRetryable(err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"database is locked",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}
	return false
}
