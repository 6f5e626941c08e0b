package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries)
	MaxRetries int
	// BaseDelay is the initial delay between retries
	BaseDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter adds randomness to delays to prevent thundering herd (0.0 - 1.0)
	Jitter float64
	// RetryIf is an optional function to determine if an error is retryable
	RetryIf func(error) bool
}

// DefaultRetryConfig returns sensible defaults for retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryIf:    DefaultRetryIf(),
	}
}

// ErrMaxRetriesExceeded is returned when max retries is exceeded
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is returned when context is canceled during retry
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry executes fn with exponential backoff until it succeeds, the error is
// not retryable, retries are exhausted, or the context is canceled.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	_, err := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// RetryWithValue executes a value-returning function with exponential backoff.
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, error) {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var zero T
	attempt := 0
	for {
		attempt++

		val, err := fn()
		if err == nil {
			return val, nil
		}

		if config.RetryIf != nil && !config.RetryIf(err) {
			return zero, err
		}
		if attempt > config.MaxRetries {
			return zero, errors.Join(ErrMaxRetriesExceeded, err)
		}

		select {
		case <-ctx.Done():
			return zero, errors.Join(ErrContextCanceled, ctx.Err())
		case <-time.After(BackoffDelay(config.BaseDelay, config.MaxDelay, config.Multiplier, config.Jitter, attempt)):
		}
	}
}

// BackoffDelay computes the delay before the given retry attempt (1-based):
// base * multiplier^(attempt-1), jittered, clamped to max.
func BackoffDelay(base, max time.Duration, multiplier, jitter float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	delay := float64(base) * math.Pow(multiplier, float64(attempt-1))

	if jitter > 0 {
		jitterRange := delay * jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}
	if max > 0 && time.Duration(delay) > max {
		delay = float64(max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// NonRetryableError wraps an error and marks it as non-retryable
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// MarkNonRetryable marks an error as non-retryable
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// DefaultRetryIf returns a function that retries all errors except
// non-retryable ones.
func DefaultRetryIf() func(error) bool {
	return func(err error) bool {
		return !IsNonRetryable(err)
	}
}
