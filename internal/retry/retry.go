// Package retry provides exponential backoff retry logic for outbound HTTP
// calls (release checks, notification posts). The gateway reconnect loop
// does not use it; reconnection has its own fixed schedule in internal/gateway.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	cerrors "github.com/p-blackswan/clawdeck/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// OnRetry, when set, is called before each backoff sleep with the
	// attempt number (0-based), the error that triggered the retry, and
	// the delay about to be applied.
	OnRetry func(attempt int, err error, delay time.Duration)

	// RetryIf overrides the retryability gate. When nil, errors are
	// retried only if the errors package classifies them as retryable.
	// Callers talking to SDKs with their own error types supply a
	// classifier here.
	RetryIf func(err error) bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Do executes fn with exponential backoff. Only retries if the error is
// retryable per the errors package, or per cfg.RetryIf when set.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	retryable := cerrors.IsRetryable
	if cfg.RetryIf != nil {
		retryable = cfg.RetryIf
	}
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts-1 {
			break
		}

		delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(2, float64(attempt)))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
