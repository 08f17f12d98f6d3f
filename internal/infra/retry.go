package infra

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures bounded retry with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the number of retries after the initial attempt.
	MaxAttempts int

	// BaseDelay seeds the exponential schedule: base * 2^attempt.
	BaseDelay time.Duration

	// MaxDelay caps a single wait.
	MaxDelay time.Duration

	// JitterFraction randomizes each delay by ±fraction.
	JitterFraction float64

	// RetryIf decides whether an error is retriable. Nil retries nothing.
	RetryIf func(error) bool

	// DelayHint extracts a server-mandated wait (e.g. Retry-After) from an
	// error; a positive result overrides the computed backoff.
	DelayHint func(error) time.Duration
}

// DefaultRetryConfig matches the scheduler defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Retry runs fn until it succeeds, exhausts attempts, hits a non-retriable
// error, or the context ends. It returns the last error and the number of
// attempts made.
func Retry[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, int, error) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, attempt, err
		}

		val, err := fn(ctx)
		if err == nil {
			return val, attempt + 1, nil
		}
		lastErr = err

		if cfg.RetryIf == nil || !cfg.RetryIf(err) || attempt >= cfg.MaxAttempts {
			return zero, attempt + 1, lastErr
		}

		delay := Backoff(cfg, attempt, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, attempt + 1, ctx.Err()
		}
	}
}

// Backoff computes the wait before retry number attempt (0-based), honoring
// any server-provided delay hint.
func Backoff(cfg *RetryConfig, attempt int, err error) time.Duration {
	if cfg.DelayHint != nil {
		if hint := cfg.DelayHint(err); hint > 0 {
			return hint
		}
	}

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if cfg.JitterFraction > 0 {
		jitter := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > max {
		delay = max
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
