package provider

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ppiankov/thesiswatch/internal/model"
)

// retryInitialInterval is the first backoff sleep; tests shorten it
var retryInitialInterval = 500 * time.Millisecond

// RetryPolicy bounds retries of one external call
type RetryPolicy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
}

// PolicyFrom builds the policy from configuration
func PolicyFrom(cfg model.FetchConfig) RetryPolicy {
	return RetryPolicy{MaxAttempts: cfg.MaxAttempts, MaxElapsed: cfg.MaxElapsed}
}

// Retry runs op with exponential backoff until it succeeds, returns a
// backoff.Permanent error, exhausts the attempts, or ctx is done.
func Retry(ctx context.Context, p RetryPolicy, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 3
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryInitialInterval
	b.MaxElapsedTime = p.MaxElapsed

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx))
}
