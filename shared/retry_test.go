package shared

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCalculateBackoff(t *testing.T) {
	testCases := []struct {
		name    string
		attempt int
		minWant time.Duration
	}{
		{name: "ZeroAttempt", attempt: 0, minWant: initialBackoffDelay},
		{name: "FirstAttempt", attempt: 1, minWant: initialBackoffDelay},
		{name: "SecondAttempt", attempt: 2, minWant: 2 * initialBackoffDelay},
		{name: "LargeAttemptCapped", attempt: 30, minWant: maxBackoffDelay},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := calculateBackoff(tc.attempt)
			if got < tc.minWant {
				t.Errorf("backoff %v below minimum %v", got, tc.minWant)
			}
			// Jitter is bounded by 10% of the capped delay.
			if got > maxBackoffDelay+maxBackoffDelay/10 {
				t.Errorf("backoff %v above jittered cap", got)
			}
		})
	}
}

func TestRetryWithBackoffSucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryConfig{MaxAttempts: 5}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryWithBackoffStopsOnPermanent(t *testing.T) {
	sentinel := errors.New("unauthorized join")
	attempts := 0
	err := RetryWithBackoff(context.Background(), &RetryConfig{MaxAttempts: 5}, func() error {
		attempts++
		return Permanent{Err: sentinel}
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("permanent error retried %d times", attempts)
	}
}

func TestRetryWithBackoffHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, &RetryConfig{MaxAttempts: 3}, func() error {
		return errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
