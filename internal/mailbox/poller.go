// internal/mailbox/poller.go
package mailbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"credpilot/api/schemas"
)

// Poller repeatedly asks a provider for the code until the attempt's
// deadline. Transient provider failures do not abort the loop; the deadline
// is the only budget.
type Poller struct {
	provider Provider
	interval time.Duration
	log      *zap.Logger

	now func() time.Time
}

// NewPoller wires a provider to a polling cadence.
func NewPoller(provider Provider, interval time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		provider: provider,
		interval: interval,
		log:      logger.Named("mailbox"),
		now:      time.Now,
	}
}

// PollForCode blocks until a code arrives, the attempt expires
// (schemas.ErrVerificationTimeout), the provider reports a structural
// failure, or the context is canceled.
func (p *Poller) PollForCode(ctx context.Context, attempt *schemas.VerificationAttempt) (string, error) {
	for {
		code, err := p.provider.FetchCode(ctx, attempt.Identity, attempt.RequestedAt)
		switch {
		case err != nil && ctx.Err() != nil:
			return "", ctx.Err()
		case schemas.IsStructural(err):
			return "", err
		case err != nil:
			p.log.Warn("mailbox fetch failed, will poll again",
				zap.String("identity", attempt.Identity), zap.Error(err))
		case code != "":
			p.log.Debug("verification code received",
				zap.String("identity", attempt.Identity))
			return code, nil
		}

		if attempt.Expired(p.now()) {
			return "", schemas.ErrVerificationTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.interval):
		}
	}
}
