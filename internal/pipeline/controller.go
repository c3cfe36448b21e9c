// internal/pipeline/controller.go

// Package pipeline is the workflow controller: it sequences browser actions,
// mailbox polling and token extraction into the account state machine, with
// every status change persisted before the next step begins. A restarted
// controller therefore resumes from the last persisted status instead of
// starting over.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/browser"
	"credpilot/internal/config"
	"credpilot/internal/identity"
	"credpilot/internal/retry"
	"credpilot/internal/store"
)

// CodePoller waits for a verification code addressed to the attempt's
// identity.
type CodePoller interface {
	PollForCode(ctx context.Context, attempt *schemas.VerificationAttempt) (string, error)
}

// MachineResetter resets the machine identity before a registration run.
type MachineResetter interface {
	Reset(ctx context.Context) error
}

// AccountSource produces fresh identities.
type AccountSource interface {
	NewAccount() (*identity.Account, error)
}

// TokenSink receives an acquired credential, e.g. for installation into a
// local application database. Optional.
type TokenSink interface {
	Install(ctx context.Context, identityAddr, token string) error
}

// Options wires a Controller.
type Options struct {
	Store    store.Store
	Launcher browser.Launcher
	Mailbox  CodePoller
	Resetter MachineResetter
	Accounts AccountSource
	// Sink may be nil; installation failures never fail a pipeline.
	Sink TokenSink

	Retry    *retry.Policy
	Service  config.ServiceConfig
	Browser  config.BrowserConfig
	Pipeline config.PipelineConfig
	Logger   *zap.Logger
}

// Controller runs registration and refresh pipelines for one identity at a
// time. It owns no browser session between calls; each run acquires and
// releases its own.
type Controller struct {
	store    store.Store
	launcher browser.Launcher
	mailbox  CodePoller
	resetter MachineResetter
	accounts AccountSource
	sink     TokenSink

	retry    *retry.Policy
	service  config.ServiceConfig
	browser  config.BrowserConfig
	pipeline config.PipelineConfig
	log      *zap.Logger

	now func() time.Time
}

// New builds a Controller from its options.
func New(opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:    opts.Store,
		launcher: opts.Launcher,
		mailbox:  opts.Mailbox,
		resetter: opts.Resetter,
		accounts: opts.Accounts,
		sink:     opts.Sink,
		retry:    opts.Retry,
		service:  opts.Service,
		browser:  opts.Browser,
		pipeline: opts.Pipeline,
		log:      logger.Named("pipeline"),
		now:      time.Now,
	}
}

// identityCreateTries bounds regeneration when a generated identity collides
// with an existing record.
const identityCreateTries = 3

// Register acquires one fresh account end to end. The returned record holds
// the last persisted state even when an error is returned.
func (c *Controller) Register(ctx context.Context) (*schemas.AccountRecord, error) {
	var (
		acct *identity.Account
		rec  *schemas.AccountRecord
	)
	for i := 0; i < identityCreateTries; i++ {
		a, err := c.accounts.NewAccount()
		if err != nil {
			return nil, fmt.Errorf("failed to generate account: %w", err)
		}
		r, err := c.store.Create(ctx, a.Email, a.Password, identity.NewMachineID())
		if errors.Is(err, schemas.ErrIdentityConflict) {
			c.log.Debug("generated identity already exists, regenerating",
				zap.String("identity", a.Email))
			continue
		}
		if err != nil {
			return nil, err
		}
		acct, rec = a, r
		break
	}
	if rec == nil {
		return nil, fmt.Errorf("could not find a free identity after %d tries", identityCreateTries)
	}
	return c.run(ctx, rec, acct)
}

// Resume continues a pipeline left mid-flight by a previous run, starting at
// the record's persisted status.
func (c *Controller) Resume(ctx context.Context, identityAddr string) (*schemas.AccountRecord, error) {
	rec, err := c.store.Get(ctx, identityAddr)
	if err != nil {
		return nil, err
	}
	if !rec.Status.Resumable() {
		return rec, fmt.Errorf("account %q is %s and cannot be resumed", identityAddr, rec.Status)
	}

	acct := &identity.Account{Email: rec.Identity, Password: rec.Secret}
	// The stored record carries no display names; a form replay gets fresh
	// ones.
	if names, err := c.accounts.NewAccount(); err == nil {
		acct.FirstName, acct.LastName = names.FirstName, names.LastName
	}
	return c.run(ctx, rec, acct)
}

// run drives the state machine from the record's current status to Active or
// Failed. On cancellation it returns the context error and leaves the record
// at its last persisted status.
func (c *Controller) run(ctx context.Context, rec *schemas.AccountRecord, acct *identity.Account) (_ *schemas.AccountRecord, err error) {
	log := c.log.With(zap.String("identity", rec.Identity))

	var sess browser.Session
	defer func() {
		if sess != nil {
			if closeErr := sess.Close(); closeErr != nil {
				log.Warn("failed to close browser session", zap.Error(closeErr))
			}
		}
	}()

	if rec.Status == schemas.StatusPending {
		if err := c.resetter.Reset(ctx); err != nil {
			return c.fail(ctx, rec, err)
		}
	}

	verificationBudget := c.pipeline.MaxVerificationTries
	var code string

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return rec, ctxErr
		}

		switch rec.Status {
		case schemas.StatusPending:
			rec, err = c.transition(ctx, rec, schemas.StatusRegistering, schemas.TransitionFields{})
			if err != nil {
				return rec, err
			}

		case schemas.StatusRegistering:
			if sess != nil {
				_ = sess.Close()
				sess = nil
			}
			sess, err = c.registerStep(ctx, acct)
			if err != nil {
				if ctx.Err() != nil {
					return rec, ctx.Err()
				}
				return c.fail(ctx, rec, err)
			}
			rec, err = c.transition(ctx, rec, schemas.StatusAwaitingVerification, schemas.TransitionFields{})
			if err != nil {
				return rec, err
			}

		case schemas.StatusAwaitingVerification:
			attempt := schemas.NewVerificationAttempt(rec.Identity, c.now(), c.pipeline.VerificationTimeout)
			code, err = c.mailbox.PollForCode(ctx, &attempt)
			switch {
			case err == nil:
				rec, err = c.transition(ctx, rec, schemas.StatusVerifyingCode, schemas.TransitionFields{})
				if err != nil {
					return rec, err
				}
			case ctx.Err() != nil:
				return rec, ctx.Err()
			case errors.Is(err, schemas.ErrVerificationTimeout):
				log.Warn("verification code never arrived, restarting registration",
					zap.Int("remaining_tries", verificationBudget))
				rec, err = c.retreat(ctx, rec, schemas.StatusRegistering, &verificationBudget, err)
				if err != nil {
					return rec, err
				}
			default:
				return c.fail(ctx, rec, err)
			}

		case schemas.StatusVerifyingCode:
			if sess == nil {
				// A resumed run has no live session; open one on the
				// registration flow so the code inputs are served.
				sess, err = c.openVerificationSession(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return rec, ctx.Err()
					}
					return c.fail(ctx, rec, err)
				}
			}
			accepted, submitErr := c.submitCode(ctx, sess, code)
			switch {
			case submitErr != nil && ctx.Err() != nil:
				return rec, ctx.Err()
			case submitErr != nil:
				return c.fail(ctx, rec, submitErr)
			case accepted:
				rec, err = c.transition(ctx, rec, schemas.StatusExtractingToken, schemas.TransitionFields{})
				if err != nil {
					return rec, err
				}
			default:
				log.Warn("service rejected verification code",
					zap.Int("remaining_tries", verificationBudget))
				rec, err = c.retreat(ctx, rec, schemas.StatusAwaitingVerification, &verificationBudget,
					schemas.Structural("verify_code", errors.New("verification code rejected")))
				if err != nil {
					return rec, err
				}
			}

		case schemas.StatusExtractingToken:
			if sess == nil {
				return c.fail(ctx, rec, schemas.Structural("extract_token",
					errors.New("no authenticated browser session survived the restart")))
			}
			token, extractErr := c.extractToken(ctx, sess)
			if extractErr != nil {
				if ctx.Err() != nil {
					return rec, ctx.Err()
				}
				return c.fail(ctx, rec, extractErr)
			}
			now := c.now()
			rec, err = c.transition(ctx, rec, schemas.StatusActive, schemas.TransitionFields{
				Token:           &token,
				LastRefreshedAt: &now,
				ResetFailures:   true,
			})
			if err != nil {
				return rec, err
			}
			c.install(ctx, rec)
			log.Info("account active", zap.Time("created_at", rec.CreatedAt))
			return rec, nil

		default:
			return rec, fmt.Errorf("pipeline cannot run from status %s", rec.Status)
		}
	}
}

// retreat steps the record back for another attempt, or marks it Failed when
// either the verification budget or the failure ceiling is spent.
func (c *Controller) retreat(ctx context.Context, rec *schemas.AccountRecord, to schemas.Status, budget *int, cause error) (*schemas.AccountRecord, error) {
	if *budget <= 0 {
		return c.fail(ctx, rec, cause)
	}
	*budget--
	if rec.FailureCount+1 >= c.pipeline.FailureCeiling {
		return c.fail(ctx, rec, cause)
	}
	return c.transition(ctx, rec, to, schemas.TransitionFields{FailureCountDelta: 1})
}

// fail marks the record Failed and wraps the cause with the step it happened
// at. The record keeps its last persisted state when even the Failed write
// does not go through.
func (c *Controller) fail(ctx context.Context, rec *schemas.AccountRecord, cause error) (*schemas.AccountRecord, error) {
	step := rec.Status
	failed, err := c.store.Transition(ctx, rec.Identity, schemas.StatusFailed,
		schemas.TransitionFields{FailureCountDelta: 1})
	if err != nil {
		c.log.Error("could not persist failure",
			zap.String("identity", rec.Identity), zap.Error(err))
		failed = rec
	}
	return failed, &schemas.PipelineError{Identity: rec.Identity, Step: step, Err: cause}
}

func (c *Controller) transition(ctx context.Context, rec *schemas.AccountRecord, to schemas.Status, fields schemas.TransitionFields) (*schemas.AccountRecord, error) {
	next, err := c.store.Transition(ctx, rec.Identity, to, fields)
	if err != nil {
		return rec, fmt.Errorf("failed to persist %s for %q: %w", to, rec.Identity, err)
	}
	c.log.Debug("status transition",
		zap.String("identity", rec.Identity),
		zap.String("from", string(rec.Status)),
		zap.String("to", string(to)))
	return next, nil
}

// install hands the credential to the sink. Best effort: the account is
// already Active and a sink problem must not undo that.
func (c *Controller) install(ctx context.Context, rec *schemas.AccountRecord) {
	if c.sink == nil {
		return
	}
	if err := c.sink.Install(ctx, rec.Identity, rec.Token); err != nil {
		c.log.Warn("failed to install credential",
			zap.String("identity", rec.Identity), zap.Error(err))
	}
}
