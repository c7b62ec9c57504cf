// Package retry runs an operation again after transient failures, waiting
// an exponentially growing, jittered delay between attempts.
//
//	err := retry.WithRetry(ctx, retry.DefaultBackoffConfig(), func() error {
//		return pool.Ping(ctx)
//	})
//
// Wrap an error with Stop to give up at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/dewey/logger"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      5,
	}
}

// Delay is the wait before the given retry; retry 1 waits InitialInterval.
// With jitter the result lies in [d/2, d).
func (c BackoffConfig) Delay(retry int) time.Duration {
	if retry <= 1 {
		retry = 1
	}
	interval := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(retry-1))
	if c.MaxInterval > 0 && interval > float64(c.MaxInterval) {
		interval = float64(c.MaxInterval)
	}

	d := time.Duration(interval)
	if c.Jitter && d > 1 {
		d = d/2 + time.Duration(rand.Int64N(int64(d/2)))
	}
	return d
}

// StopError ends WithRetry immediately with the wrapped error.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps err so that it is not retried.
func Stop(err error) error {
	return StopError{Err: err}
}

func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry calls fn until it succeeds, returns a StopError, runs out of
// retries, or ctx is done.
func WithRetry(ctx context.Context, config BackoffConfig, fn func() error) error {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(config.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var stopErr StopError
		if errors.As(err, &stopErr) {
			return stopErr.Err
		}
		lastErr = err
		logger.Debug("Retryable operation failed", "attempt", attempts, "max_attempts", config.MaxRetries+1, "error", err)
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
