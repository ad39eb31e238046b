package pool

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/pooler/errs"
)

// RetryPolicy tunes AcquireRetry's exponential backoff.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxTries        uint
}

// DefaultRetryPolicy suits in-process pools whose instances turn over quickly.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 5 * time.Millisecond,
	MaxInterval:     250 * time.Millisecond,
	MaxElapsed:      2 * time.Second,
}

// AcquireRetry acquires from p, backing off and retrying while the pool
// reports exhaustion. Any other error ends the attempt immediately.
func AcquireRetry[T any](ctx context.Context, p *Pool[T], policy RetryPolicy) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	backoffCfg := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		backoffCfg.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		backoffCfg.MaxInterval = policy.MaxInterval
	}

	opts := []backoff.RetryOption{backoff.WithBackOff(backoffCfg)}
	if policy.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(policy.MaxElapsed))
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}

	return backoff.Retry(ctx, func() (T, error) {
		obj, err := p.Acquire(ctx)
		if err == nil || errors.Is(err, errs.ErrPoolExhausted) {
			return obj, err
		}
		return obj, backoff.Permanent(err)
	}, opts...)
}
