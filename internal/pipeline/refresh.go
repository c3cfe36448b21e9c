// internal/pipeline/refresh.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/browser"
)

// Refresh re-authenticates an Active account and swaps in the new token. A
// refresh that fails below the failure ceiling returns the account to Active
// with its prior token intact; crossing the ceiling marks it Failed.
func (c *Controller) Refresh(ctx context.Context, identityAddr string) (*schemas.AccountRecord, error) {
	rec, err := c.store.Get(ctx, identityAddr)
	if err != nil {
		return nil, err
	}
	if rec.Status != schemas.StatusActive {
		return rec, fmt.Errorf("account %q is %s, only active accounts refresh", identityAddr, rec.Status)
	}
	priorToken := rec.Token

	rec, err = c.transition(ctx, rec, schemas.StatusRefreshing, schemas.TransitionFields{})
	if err != nil {
		return rec, err
	}

	token, err := c.reauthenticate(ctx, rec)
	if err != nil {
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		if rec.FailureCount+1 >= c.pipeline.FailureCeiling {
			failed, failErr := c.store.Transition(ctx, rec.Identity, schemas.StatusFailed,
				schemas.TransitionFields{FailureCountDelta: 1})
			if failErr != nil {
				c.log.Error("could not persist refresh failure",
					zap.String("identity", rec.Identity), zap.Error(failErr))
				failed = rec
			}
			return failed, &schemas.PipelineError{Identity: rec.Identity, Step: schemas.StatusRefreshing, Err: err}
		}
		// Keep the credential usable: the prior token stays until a refresh
		// actually succeeds.
		restored, restoreErr := c.transition(ctx, rec, schemas.StatusActive,
			schemas.TransitionFields{Token: &priorToken, FailureCountDelta: 1})
		if restoreErr != nil {
			return rec, restoreErr
		}
		return restored, &schemas.PipelineError{Identity: rec.Identity, Step: schemas.StatusRefreshing, Err: err}
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
	c.log.Info("token refreshed", zap.String("identity", rec.Identity))
	return rec, nil
}

// reauthenticate logs the account in with its stored secret and reads a
// fresh token, under the refresh pipeline's own attempt ceiling.
func (c *Controller) reauthenticate(ctx context.Context, rec *schemas.AccountRecord) (string, error) {
	signInURL := c.service.SignInURL
	if signInURL == "" {
		signInURL = c.service.SignUpURL
	}

	var token string
	policy := c.retry.WithAttempts(c.pipeline.MaxRefreshAttempts)
	err := policy.Do(ctx, "refresh", func(ctx context.Context) error {
		s, err := c.launcher.NewSession(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		if err := s.Navigate(ctx, signInURL); err != nil {
			return err
		}
		sel := c.service.Selectors
		if err := s.Fill(ctx, sel.Email, rec.Identity); err != nil {
			return err
		}
		if err := s.Fill(ctx, sel.Password, rec.Secret); err != nil {
			return err
		}
		if err := s.Click(ctx, sel.Submit); err != nil {
			return err
		}
		ok, err := s.WaitFor(ctx, c.acceptedCondition(), c.browser.ActionTimeout)
		if err != nil {
			return err
		}
		if !ok {
			return schemas.Transient("refresh", errors.New("login did not complete"))
		}

		raw, err := s.ReadValue(ctx, browser.ValueSource{Cookie: c.service.TokenCookie})
		if err != nil {
			return err
		}
		value, err := parseToken(raw, c.service.TokenDelimiter)
		if err != nil {
			return err
		}
		token = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// DueForRefresh selects Active accounts whose token expires within the
// refresh window.
func (c *Controller) DueForRefresh(ctx context.Context) ([]*schemas.AccountRecord, error) {
	active, err := c.store.ListByStatus(ctx, schemas.StatusActive)
	if err != nil {
		return nil, err
	}
	now := c.now()
	var due []*schemas.AccountRecord
	for _, rec := range active {
		if refreshDue(rec, now, c.pipeline.RefreshWindow) {
			due = append(due, rec)
		}
	}
	return due, nil
}

// refreshDue prefers the token's own expiry claim. Opaque tokens fall back
// to age: refresh once the last successful refresh is a full window behind.
func refreshDue(rec *schemas.AccountRecord, now time.Time, window time.Duration) bool {
	if exp, ok := tokenExpiry(rec.Token); ok {
		return exp.Sub(now) <= window
	}
	anchor := rec.LastRefreshedAt
	if anchor.IsZero() {
		anchor = rec.CreatedAt
	}
	return now.Sub(anchor) >= window
}

// tokenExpiry reads the exp claim without verifying the signature; the token
// is ours to schedule around, not to trust.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
