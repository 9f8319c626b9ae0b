package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ruleiq/orchestrator/pkg/config"
)

// Retryable reports whether a failed call is worth repeating against the
// same model. Breaker rejections are not: the selector should move down the
// fallback chain instead of hammering an open circuit.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRejected) {
		return false
	}
	return CountsAsFailure(err)
}

// Retry runs op up to cfg.MaxAttempts times with exponential backoff and
// jitter. Non-retryable errors abort immediately and are returned unchanged.
func Retry(ctx context.Context, cfg config.RetryConfig, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BaseDelay
	b.Multiplier = cfg.Factor
	b.RandomizationFactor = cfg.Jitter
	b.MaxElapsedTime = 0 // bounded by attempt count and ctx only

	maxRetries := uint64(0)
	if cfg.MaxAttempts > 1 {
		maxRetries = uint64(cfg.MaxAttempts - 1)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)

	attempt := 0
	return backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err == nil {
				return nil
			}
			if !Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, next time.Duration) {
			slog.Debug("Retrying after failure",
				"attempt", attempt,
				"next_delay", next,
				"error", err)
		},
	)
}
