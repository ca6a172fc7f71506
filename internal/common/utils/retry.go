// Package utils holds small helpers shared by transports.
package utils

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig controls exponential backoff.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterFactor adds up to this fraction of the delay, e.g. 0.1 for 10%.
	JitterFactor float64
	// Retryable filters errors; nil retries everything.
	Retryable func(error) bool
}

// DefaultRetryConfig is three attempts starting at 100ms, doubling, capped
// at 5s, with 10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// RetryWithBackoff calls fn until it succeeds, returns a non-retryable error,
// the attempts run out or ctx is done.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(withJitter(delay, cfg.JitterFactor))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}

		if cfg.BackoffFactor > 0 {
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		}
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	if cfg.MaxAttempts == 1 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

func withJitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	j := int64(float64(d) * factor)
	if j <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(j))
}
