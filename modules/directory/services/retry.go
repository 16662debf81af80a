package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/jacksonlee411/dirsync/modules/directory/domain/types"
)

type RetryPolicy struct {
	MaxRetries  uint64
	Delay       time.Duration
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Delay: 2 * time.Second, CallTimeout: 30 * time.Second}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.Delay <= 0 {
		p.Delay = d.Delay
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = d.CallTimeout
	}
	return p
}

// callUpstream runs fn under a per-attempt deadline and retries transient
// failures with a constant backoff. Cancellation of ctx is never retried.
func callUpstream(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(ctx context.Context) error) error {
	policy = policy.normalized()
	backoff := retry.WithMaxRetries(policy.MaxRetries, retry.NewConstant(policy.Delay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, policy.CallTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if types.IsUpstreamTransient(err) || errors.Is(err, context.DeadlineExceeded) {
			logger.Warn("upstream call failed, retrying", "op", op, "attempt", attempt, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
