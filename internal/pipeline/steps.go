// internal/pipeline/steps.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"credpilot/api/schemas"
	"credpilot/internal/browser"
	"credpilot/internal/identity"
)

// identityTakenProbe bounds the wait for the "address already in use"
// rejection marker. The marker renders immediately when it renders at all.
const identityTakenProbe = 2 * time.Second

// registerStep fills and submits the registration form. Each attempt runs in
// a fresh session; the session of the successful attempt is returned live so
// the verification step can continue on the same page.
func (c *Controller) registerStep(ctx context.Context, acct *identity.Account) (browser.Session, error) {
	var sess browser.Session
	policy := c.retry.WithAttempts(c.pipeline.MaxRegisterAttempts)
	err := policy.Do(ctx, "register", func(ctx context.Context) error {
		s, err := c.launcher.NewSession(ctx)
		if err != nil {
			return err
		}
		if err := c.fillRegistrationForm(ctx, s, acct); err != nil {
			_ = s.Close()
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (c *Controller) fillRegistrationForm(ctx context.Context, s browser.Session, acct *identity.Account) error {
	if err := s.Navigate(ctx, c.service.SignUpURL); err != nil {
		return err
	}

	sel := c.service.Selectors
	fields := []struct{ selector, value string }{
		{sel.FirstName, acct.FirstName},
		{sel.LastName, acct.LastName},
		{sel.Email, acct.Email},
		{sel.Password, acct.Password},
	}
	for _, f := range fields {
		if f.selector == "" {
			continue
		}
		if err := s.Fill(ctx, f.selector, f.value); err != nil {
			return err
		}
	}
	if err := s.Click(ctx, sel.Submit); err != nil {
		return err
	}

	if sel.IdentityTaken != "" {
		taken, err := s.WaitFor(ctx, browser.Condition{ElementVisible: sel.IdentityTaken}, identityTakenProbe)
		if err != nil {
			return err
		}
		if taken {
			return schemas.Structural("register",
				fmt.Errorf("service reports identity %q already in use", acct.Email))
		}
	}

	// The flow must advance to the code-entry page before polling starts.
	visible, err := s.WaitFor(ctx,
		browser.Condition{ElementVisible: fmt.Sprintf(sel.CodeInput, 0)},
		c.browser.ActionTimeout)
	if err != nil {
		return err
	}
	if !visible {
		return schemas.Transient("register", errors.New("code-entry page did not appear after submit"))
	}
	return nil
}

// openVerificationSession serves a resumed run that polls before it ever had
// a browser: the registration flow is reopened so the code inputs exist. Each
// retry attempt abandons the failed session and starts fresh.
func (c *Controller) openVerificationSession(ctx context.Context) (browser.Session, error) {
	var sess browser.Session
	err := c.retry.Do(ctx, "reopen_session", func(ctx context.Context) error {
		s, err := c.launcher.NewSession(ctx)
		if err != nil {
			return err
		}
		if err := s.Navigate(ctx, c.service.SignUpURL); err != nil {
			_ = s.Close()
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// submitCode types the code digit by digit and reports whether the service
// accepted it. Rejection is an answer, not an error, and is never retried
// here; transient entry failures retry under the shared policy, re-entering
// every digit.
func (c *Controller) submitCode(ctx context.Context, s browser.Session, code string) (bool, error) {
	var accepted bool
	err := c.retry.Do(ctx, "verify_code", func(ctx context.Context) error {
		for i, digit := range code {
			selector := fmt.Sprintf(c.service.Selectors.CodeInput, i)
			if err := s.Fill(ctx, selector, string(digit)); err != nil {
				return err
			}
		}
		ok, err := s.WaitFor(ctx, c.acceptedCondition(), c.browser.ActionTimeout)
		if err != nil {
			return err
		}
		accepted = ok
		return nil
	})
	if err != nil {
		return false, err
	}
	return accepted, nil
}

// acceptedCondition is the post-verification marker: the success selector
// when configured, otherwise arrival at the settings URL.
func (c *Controller) acceptedCondition() browser.Condition {
	if c.service.Selectors.Success != "" {
		return browser.Condition{ElementVisible: c.service.Selectors.Success}
	}
	return browser.Condition{URLPrefix: c.service.SettingsURL}
}

// extractToken reads the session token from the configured cookie. An empty
// or malformed value is structural: the session is authenticated, so absence
// means the service changed its token handling.
func (c *Controller) extractToken(ctx context.Context, s browser.Session) (string, error) {
	var token string
	err := c.retry.Do(ctx, "extract_token", func(ctx context.Context) error {
		if c.service.SettingsURL != "" {
			if err := s.Navigate(ctx, c.service.SettingsURL); err != nil {
				return err
			}
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

func parseToken(raw, delimiter string) (string, error) {
	if raw == "" {
		return "", schemas.Structural("extract_token", errors.New("token cookie is missing or empty"))
	}
	if delimiter != "" {
		parts := strings.Split(raw, delimiter)
		raw = parts[len(parts)-1]
	}
	if raw == "" {
		return "", schemas.Structural("extract_token", errors.New("token cookie is malformed"))
	}
	return raw, nil
}
