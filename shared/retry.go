package shared

import (
	"context"
	"crypto/rand"
	"math"
	"time"
)

const (
	initialBackoffDelay = 100 * time.Millisecond
	maxBackoffDelay     = 10 * time.Second
)

// calculateBackoff implements exponential backoff with crypto-secure jitter
func calculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return initialBackoffDelay
	}

	// Exponential backoff: 2^(attempt-1) * initialDelay
	delay := time.Duration(float64(initialBackoffDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxBackoffDelay {
		delay = maxBackoffDelay
	}

	// Add crypto-secure jitter (10% of delay)
	jitter := cryptoJitter(float64(delay) * 0.1)
	return delay + jitter
}

// cryptoJitter generates cryptographically secure random jitter to prevent
// timing analysis of retry schedules
func cryptoJitter(maxJitter float64) time.Duration {
	if maxJitter <= 0 {
		return 0
	}

	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to zero jitter if crypto/rand fails
		return 0
	}

	var n uint64
	for i, b := range bytes {
		n |= uint64(b) << (8 * i)
	}

	ratio := float64(n) / float64(^uint64(0))
	return time.Duration(ratio * maxJitter)
}

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns sensible defaults for retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  5,
		InitialDelay: initialBackoffDelay,
		MaxDelay:     maxBackoffDelay,
	}
}

// Permanent wraps an error that must not be retried (authorization failures,
// malformed requests). RetryWithBackoff returns it immediately.
type Permanent struct {
	Err error
}

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// RetryWithBackoff executes a function with exponential backoff retry logic.
// The context bounds the total retry budget; cancellation aborts between
// attempts.
func RetryWithBackoff(ctx context.Context, config *RetryConfig, operation func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}

		if p, ok := err.(Permanent); ok {
			return p.Err
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		delay := calculateBackoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return lastErr
}
