// internal/retry/retry.go

// Package retry is the shared transient-failure policy applied to adapter
// calls. Failures classified as transient are retried under capped
// exponential backoff; structural failures and context cancellation surface
// immediately. Exhaustion returns the last failure unchanged in kind.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"credpilot/api/schemas"
)

// Policy wraps an operation with bounded exponential backoff. The delay
// before attempt n is BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	logger *zap.Logger
}

// New builds a policy. A nil logger is replaced with a nop logger.
func New(maxAttempts int, baseDelay, maxDelay time.Duration, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		logger:      logger.Named("retry"),
	}
}

// WithAttempts returns a copy of the policy with a different attempt ceiling.
// Steps of the pipeline share delays but carry their own ceilings.
func (p *Policy) WithAttempts(maxAttempts int) *Policy {
	cp := *p
	cp.MaxAttempts = maxAttempts
	return &cp
}

// Do invokes fn until it succeeds, fails fatally, or the attempt ceiling is
// reached. Only errors for which schemas.IsTransient holds are retried; the
// backoff sleep respects ctx.
func (p *Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := 0

	wrapped := func() error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// Cancellation wins over classification.
			return backoff.Permanent(err)
		}
		if !schemas.IsTransient(err) {
			return backoff.Permanent(err)
		}
		p.logger.Debug("transient failure, will retry",
			zap.String("op", op),
			zap.Int("attempt", attempts),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Error(err))
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	maxRetries := uint64(0)
	if p.MaxAttempts > 1 {
		maxRetries = uint64(p.MaxAttempts - 1)
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx))
	if err != nil && schemas.IsTransient(err) && attempts >= p.MaxAttempts {
		p.logger.Warn("retries exhausted",
			zap.String("op", op),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}
	return err
}

// Retryable reports whether an error would be retried by the policy. Context
// errors are never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return schemas.IsTransient(err)
}
