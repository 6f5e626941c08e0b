package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), nil, func() error {
		attempts++
		return nil
	})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetrySuccessAfterRetries(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2.0,
	}

	err := Retry(context.Background(), config, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("temporary error")
		}
		return nil
	})
	if err != nil {
		t.Errorf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryMaxRetriesExceeded(t *testing.T) {
	attempts := 0
	testErr := errors.New("persistent error")
	config := &RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond}

	err := Retry(context.Background(), config, func() error {
		attempts++
		return testErr
	})

	// MaxRetries=3 means 1 initial + 3 retries = 4 total attempts
	if attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", attempts)
	}
	if !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Error("expected ErrMaxRetriesExceeded in error chain")
	}
	if !errors.Is(err, testErr) {
		t.Error("expected original error in error chain")
	}
}

func TestRetryNonRetryableStopsImmediately(t *testing.T) {
	attempts := 0
	config := &RetryConfig{
		MaxRetries: 5,
		BaseDelay:  time.Millisecond,
		RetryIf:    DefaultRetryIf(),
	}

	err := Retry(context.Background(), config, func() error {
		attempts++
		return MarkNonRetryable(errors.New("revert"))
	})
	if attempts != 1 {
		t.Errorf("non-retryable error should not retry, got %d attempts", attempts)
	}
	if !IsNonRetryable(err) {
		t.Error("marker should survive the retry wrapper")
	}
}

func TestRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &RetryConfig{MaxRetries: 100, BaseDelay: 50 * time.Millisecond}

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, config, func() error {
		attempts++
		return errors.New("always fails")
	})

	if !errors.Is(err, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", err)
	}
	if attempts == 0 {
		t.Error("expected at least one attempt before cancellation")
	}
}

func TestRetryWithValue(t *testing.T) {
	config := &RetryConfig{MaxRetries: 2, BaseDelay: time.Millisecond}
	calls := 0

	v, err := RetryWithValue(context.Background(), config, func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("expected (7, nil), got (%d, %v)", v, err)
	}
}

func TestBackoffDelayGrowsAndClamps(t *testing.T) {
	base := 5 * time.Second
	max := 30 * time.Second

	d1 := BackoffDelay(base, max, 2.0, 0, 1)
	d2 := BackoffDelay(base, max, 2.0, 0, 2)
	d3 := BackoffDelay(base, max, 2.0, 0, 4)

	if d1 != 5*time.Second {
		t.Errorf("attempt 1: expected base delay, got %v", d1)
	}
	if d2 != 10*time.Second {
		t.Errorf("attempt 2: expected doubled delay, got %v", d2)
	}
	if d3 != 30*time.Second {
		t.Errorf("attempt 4: expected clamp at max, got %v", d3)
	}
}

func TestMarkNonRetryableNil(t *testing.T) {
	if MarkNonRetryable(nil) != nil {
		t.Error("marking nil should stay nil")
	}
}
