package infra

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for transient failures.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (first call included).
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// Multiplier scales the delay after each retry.
	Multiplier float64

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds randomness to delays (0.1 means ±10%).
	JitterFraction float64

	// RetryIf decides whether an error should be retried.
	// If nil, all non-cancellation errors are retried.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the default retry schedule.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		InitialDelay:   time.Second,
		Multiplier:     2.0,
		MaxDelay:       10 * time.Second,
		JitterFraction: 0.1,
	}
}

// Retry executes fn with retries according to cfg. Cancellation is never
// retried and is returned unwrapped.
func Retry[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var zero T
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-time.After(withJitter(delay, cfg.JitterFraction)):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, lastErr
}

// withJitter adds random variance to a duration.
func withJitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	jitter := float64(d) * fraction
	delta := (rand.Float64()*2 - 1) * jitter
	result := time.Duration(float64(d) + delta)
	if result < 0 {
		result = 0
	}
	return result
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// AsPermanent wraps an error to indicate it should not be retried.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks whether an error was marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// RetryIfNotPermanent retries all errors except permanent ones.
func RetryIfNotPermanent(err error) bool {
	return !IsPermanent(err)
}
