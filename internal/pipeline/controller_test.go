package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credpilot/api/schemas"
	"credpilot/internal/browser"
	"credpilot/internal/browser/fake"
	"credpilot/internal/config"
	"credpilot/internal/identity"
	"credpilot/internal/retry"
	"credpilot/internal/store"
)

type pollerFunc func(ctx context.Context, attempt *schemas.VerificationAttempt) (string, error)

func (f pollerFunc) PollForCode(ctx context.Context, attempt *schemas.VerificationAttempt) (string, error) {
	return f(ctx, attempt)
}

func codeAfterPolls(code string, polls int32, counter *atomic.Int32) pollerFunc {
	return func(context.Context, *schemas.VerificationAttempt) (string, error) {
		if counter.Add(1) < polls {
			return "", schemas.ErrVerificationTimeout
		}
		return code, nil
	}
}

func codeImmediately(code string) pollerFunc {
	return func(context.Context, *schemas.VerificationAttempt) (string, error) {
		return code, nil
	}
}

type stubResetter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *stubResetter) Reset(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

type stubAccounts struct {
	mu sync.Mutex
	n  int
}

func (s *stubAccounts) NewAccount() (*identity.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return &identity.Account{
		Email:     fmt.Sprintf("acct%d@test.example", s.n),
		Password:  "pw-secret",
		FirstName: "Alex",
		LastName:  "Baker",
	}, nil
}

type recordingSink struct {
	mu       sync.Mutex
	installs map[string]string
}

func (s *recordingSink) Install(_ context.Context, identityAddr, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installs == nil {
		s.installs = make(map[string]string)
	}
	s.installs[identityAddr] = token
	return nil
}

func (s *recordingSink) token(identityAddr string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.installs[identityAddr]
}

type fixture struct {
	store    *store.Memory
	launcher *fake.Launcher
	resetter *stubResetter
	sink     *recordingSink
	ctrl     *Controller
}

func newFixture(t *testing.T, poller CodePoller, mutate func(*Options)) *fixture {
	t.Helper()

	f := &fixture{
		store:    store.NewMemory(),
		launcher: fake.NewLauncher(),
		resetter: &stubResetter{},
		sink:     &recordingSink{},
	}
	f.launcher.Script = func(s *fake.Session) {
		s.Values["session_token"] = "tok-fresh"
	}

	opts := Options{
		Store:    f.store,
		Launcher: f.launcher,
		Mailbox:  poller,
		Resetter: f.resetter,
		Accounts: &stubAccounts{},
		Sink:     f.sink,
		Retry:    retry.New(3, time.Millisecond, 2*time.Millisecond, nil),
		Service: config.ServiceConfig{
			SignUpURL:   "https://svc.example/sign-up",
			SignInURL:   "https://svc.example/sign-in",
			SettingsURL: "https://svc.example/settings",
			TokenCookie: "session_token",
			Selectors:   config.NewDefault().Service.Selectors,
		},
		Browser: config.BrowserConfig{ActionTimeout: 50 * time.Millisecond},
		Pipeline: config.PipelineConfig{
			MaxRegisterAttempts:  3,
			MaxRefreshAttempts:   3,
			MaxVerificationTries: 2,
			PollInterval:         time.Millisecond,
			VerificationTimeout:  50 * time.Millisecond,
			FailureCeiling:       5,
			RefreshWindow:        24 * time.Hour,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.ctrl = New(opts)
	return f
}

func TestRegisterHappyPath(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)

	rec, err := f.ctrl.Register(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, "tok-fresh", rec.Token)
	assert.Equal(t, 0, rec.FailureCount)
	assert.False(t, rec.LastRefreshedAt.IsZero())

	stored, err := f.store.Get(context.Background(), rec.Identity)
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, stored.Status)
	assert.Equal(t, "tok-fresh", stored.Token)

	assert.Equal(t, 1, f.resetter.calls)
	assert.Equal(t, "tok-fresh", f.sink.token(rec.Identity))
	assert.Equal(t, 0, f.launcher.Live(), "session must be released on completion")
}

func TestRegisterRetriesTransientFailuresWithinBudget(t *testing.T) {
	// The first two sessions fail to navigate; attempt three succeeds, which
	// is exactly within max_register_attempts = 3.
	var sessions atomic.Int32
	f := newFixture(t, codeImmediately("482913"), nil)
	f.launcher.Script = func(s *fake.Session) {
		s.Values["session_token"] = "tok-fresh"
		if sessions.Add(1) <= 2 {
			s.NavigateFunc = func(context.Context, string) error {
				return schemas.Transient("browser.navigate", errors.New("connection reset"))
			}
		}
	}

	rec, err := f.ctrl.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, int32(3), sessions.Load(), "each attempt uses a fresh session")
	assert.Equal(t, 0, f.launcher.Live())
}

func TestRegisterFailsWhenTransientFailuresExhaustBudget(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	f.launcher.Script = func(s *fake.Session) {
		s.NavigateFunc = func(context.Context, string) error {
			return schemas.Transient("browser.navigate", errors.New("connection reset"))
		}
	}

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)

	var pErr *schemas.PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, schemas.StatusRegistering, pErr.Step)
	assert.True(t, schemas.IsTransient(err), "exhaustion surfaces the last failure unchanged in kind")

	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Empty(t, rec.Token)
	assert.Equal(t, 3, f.launcher.Opened(), "budget of three attempts, no more")
	assert.Equal(t, 0, f.launcher.Live())
}

func TestRegisterStructuralFailureFailsWithoutRetry(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), func(o *Options) {
		o.Service.Selectors.IdentityTaken = ".error-identity-taken"
	})
	f.launcher.Script = func(s *fake.Session) {
		s.WaitForFunc = func(_ context.Context, cond browser.Condition, _ time.Duration) (bool, error) {
			return cond.ElementVisible == ".error-identity-taken", nil
		}
	}

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)
	assert.True(t, schemas.IsStructural(err))
	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Equal(t, 1, f.launcher.Opened(), "structural failures must not be retried")
}

func TestResetFailureFailsPipeline(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	f.resetter.err = schemas.Structural("identity.reset", errors.New("reset tool missing"))

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)
	assert.True(t, schemas.IsStructural(err))
	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Equal(t, 0, f.launcher.Opened(), "no browser before the machine identity is clean")
}

func TestVerificationTimeoutRestartsRegistration(t *testing.T) {
	var polls atomic.Int32
	f := newFixture(t, codeAfterPolls("482913", 2, &polls), nil)

	rec, err := f.ctrl.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, 0, rec.FailureCount, "success resets the failure count")
	assert.Equal(t, int32(2), polls.Load())
	assert.Equal(t, 2, f.launcher.Opened(), "the restart re-registers in a fresh session")
}

func TestVerificationTimeoutExhaustsItsBudget(t *testing.T) {
	f := newFixture(t, pollerFunc(func(context.Context, *schemas.VerificationAttempt) (string, error) {
		return "", schemas.ErrVerificationTimeout
	}), func(o *Options) {
		o.Pipeline.MaxVerificationTries = 1
	})

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrVerificationTimeout)
	assert.Equal(t, schemas.StatusFailed, rec.Status)
}

func TestRejectedCodeGetsAFreshAttempt(t *testing.T) {
	var (
		polls   atomic.Int32
		submits atomic.Int32
	)
	f := newFixture(t, pollerFunc(func(context.Context, *schemas.VerificationAttempt) (string, error) {
		polls.Add(1)
		return "482913", nil
	}), nil)
	f.launcher.Script = func(s *fake.Session) {
		s.Values["session_token"] = "tok-fresh"
		s.WaitForFunc = func(_ context.Context, cond browser.Condition, _ time.Duration) (bool, error) {
			if cond.URLPrefix != "" {
				// First submission is rejected, the second accepted.
				return submits.Add(1) > 1, nil
			}
			return true, nil
		}
	}

	rec, err := f.ctrl.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, int32(2), polls.Load(), "rejection starts a fresh verification attempt")
}

func TestTransientCodeEntryFailureIsRetried(t *testing.T) {
	// The first digit fill fails once; the retry re-enters all six digits and
	// the pipeline still reaches Active.
	var codeFills atomic.Int32
	f := newFixture(t, codeImmediately("482913"), nil)
	f.launcher.Script = func(s *fake.Session) {
		s.Values["session_token"] = "tok-fresh"
		s.FillFunc = func(_ context.Context, selector, _ string) error {
			if strings.Contains(selector, "data-index") && codeFills.Add(1) == 1 {
				return schemas.Transient("browser.fill", errors.New("connection reset"))
			}
			return nil
		}
	}

	rec, err := f.ctrl.Register(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, int32(7), codeFills.Load(), "the second attempt re-enters every digit")
	assert.Equal(t, 1, f.launcher.Opened(), "code entry retries on the same session")
}

func TestResumeRetriesTransientSessionReopen(t *testing.T) {
	var navs atomic.Int32
	f := newFixture(t, codeImmediately("482913"), nil)
	f.launcher.Script = func(s *fake.Session) {
		s.Values["session_token"] = "tok-fresh"
		s.NavigateFunc = func(context.Context, string) error {
			if navs.Add(1) == 1 {
				return schemas.Transient("browser.navigate", errors.New("connection reset"))
			}
			return nil
		}
	}
	ctx := context.Background()

	_, err := f.store.Create(ctx, "left@test.example", "pw-secret", "m-1")
	require.NoError(t, err)
	for _, s := range []schemas.Status{schemas.StatusRegistering, schemas.StatusAwaitingVerification} {
		_, err = f.store.Transition(ctx, "left@test.example", s, schemas.TransitionFields{})
		require.NoError(t, err)
	}

	rec, err := f.ctrl.Resume(ctx, "left@test.example")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, 2, f.launcher.Opened(), "the failed reopen is abandoned for a fresh session")
	assert.Equal(t, 0, f.launcher.Live())
}

func TestFailureCeilingForcesFailed(t *testing.T) {
	var polls atomic.Int32
	f := newFixture(t, pollerFunc(func(context.Context, *schemas.VerificationAttempt) (string, error) {
		polls.Add(1)
		return "", schemas.ErrVerificationTimeout
	}), func(o *Options) {
		o.Pipeline.MaxVerificationTries = 10
		o.Pipeline.FailureCeiling = 2
	})

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)
	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Equal(t, int32(2), polls.Load(), "the ceiling cuts off further attempts")
}

func TestEmptyTokenIsStructural(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	f.launcher.Script = func(s *fake.Session) {
		// No cookie value scripted: extraction reads an empty token.
	}

	rec, err := f.ctrl.Register(context.Background())
	require.Error(t, err)
	assert.True(t, schemas.IsStructural(err))

	var pErr *schemas.PipelineError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, schemas.StatusExtractingToken, pErr.Step)
	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Empty(t, rec.Token)
}

func TestCancellationLeavesLastPersistedStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, pollerFunc(func(ctx context.Context, _ *schemas.VerificationAttempt) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}), nil)

	rec, err := f.ctrl.Register(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, schemas.StatusAwaitingVerification, rec.Status,
		"cancellation must not advance or revert the persisted status")
	stored, getErr := f.store.Get(context.Background(), rec.Identity)
	require.NoError(t, getErr)
	assert.Equal(t, schemas.StatusAwaitingVerification, stored.Status)
	assert.Equal(t, 0, f.launcher.Live(), "the session is released on cancellation")
}

func TestResumeFromAwaitingVerificationPollsWithoutReRegistering(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	ctx := context.Background()

	_, err := f.store.Create(ctx, "left@test.example", "pw-secret", "m-1")
	require.NoError(t, err)
	for _, s := range []schemas.Status{schemas.StatusRegistering, schemas.StatusAwaitingVerification} {
		_, err = f.store.Transition(ctx, "left@test.example", s, schemas.TransitionFields{})
		require.NoError(t, err)
	}

	rec, err := f.ctrl.Resume(ctx, "left@test.example")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, "tok-fresh", rec.Token)
	assert.Equal(t, 1, f.launcher.Opened(),
		"resume opens one session for verification, none for registration")
	assert.Equal(t, 0, f.resetter.calls, "resume never resets the machine identity again")
}

func TestResumeRejectsSettledRecords(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	ctx := context.Background()

	_, err := f.store.Create(ctx, "dead@test.example", "pw", "m-1")
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, "dead@test.example", schemas.StatusFailed,
		schemas.TransitionFields{FailureCountDelta: 1})
	require.NoError(t, err)

	_, err = f.ctrl.Resume(ctx, "dead@test.example")
	require.Error(t, err)

	_, err = f.ctrl.Resume(ctx, "ghost@test.example")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func activeAccount(t *testing.T, f *fixture, identityAddr, token string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.Create(ctx, identityAddr, "pw-secret", "m-1")
	require.NoError(t, err)
	for _, s := range []schemas.Status{
		schemas.StatusRegistering,
		schemas.StatusAwaitingVerification,
		schemas.StatusVerifyingCode,
		schemas.StatusExtractingToken,
	} {
		_, err = f.store.Transition(ctx, identityAddr, s, schemas.TransitionFields{})
		require.NoError(t, err)
	}
	_, err = f.store.Transition(ctx, identityAddr, schemas.StatusActive,
		schemas.TransitionFields{Token: &token, ResetFailures: true})
	require.NoError(t, err)
}

func TestRefreshSwapsInNewToken(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	activeAccount(t, f, "live@test.example", "tok-old")

	rec, err := f.ctrl.Refresh(context.Background(), "live@test.example")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusActive, rec.Status)
	assert.Equal(t, "tok-fresh", rec.Token)
	assert.False(t, rec.LastRefreshedAt.IsZero())
	assert.Equal(t, "tok-fresh", f.sink.token("live@test.example"))
}

func TestFailedRefreshKeepsPriorToken(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	activeAccount(t, f, "live@test.example", "tok-old")
	f.launcher.Script = func(s *fake.Session) {
		s.NavigateFunc = func(context.Context, string) error {
			return schemas.Transient("browser.navigate", errors.New("connection reset"))
		}
	}

	rec, err := f.ctrl.Refresh(context.Background(), "live@test.example")
	require.Error(t, err)

	assert.Equal(t, schemas.StatusActive, rec.Status, "the account stays usable")
	assert.Equal(t, "tok-old", rec.Token, "a failed refresh never discards the prior token")
	assert.Equal(t, 1, rec.FailureCount)
}

func TestRefreshUsesItsOwnRetryBudget(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), func(o *Options) {
		o.Pipeline.MaxRegisterAttempts = 5
		o.Pipeline.MaxRefreshAttempts = 2
	})
	activeAccount(t, f, "live@test.example", "tok-old")
	f.launcher.Script = func(s *fake.Session) {
		s.NavigateFunc = func(context.Context, string) error {
			return schemas.Transient("browser.navigate", errors.New("connection reset"))
		}
	}

	_, err := f.ctrl.Refresh(context.Background(), "live@test.example")
	require.Error(t, err)
	assert.Equal(t, 2, f.launcher.Opened(),
		"refresh retries under its own ceiling, not the registration one")
	assert.Equal(t, 0, f.launcher.Live())
}

func TestRefreshAtCeilingFails(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), func(o *Options) {
		o.Pipeline.FailureCeiling = 1
	})
	activeAccount(t, f, "live@test.example", "tok-old")
	f.launcher.Script = func(s *fake.Session) {
		s.NavigateFunc = func(context.Context, string) error {
			return schemas.Transient("browser.navigate", errors.New("connection reset"))
		}
	}

	rec, err := f.ctrl.Refresh(context.Background(), "live@test.example")
	require.Error(t, err)
	assert.Equal(t, schemas.StatusFailed, rec.Status)
	assert.Empty(t, rec.Token)
}

func TestRefreshRequiresActiveAccount(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)
	_, err := f.store.Create(context.Background(), "raw@test.example", "pw", "m-1")
	require.NoError(t, err)

	_, err = f.ctrl.Refresh(context.Background(), "raw@test.example")
	require.Error(t, err)
}

func signedTokenExpiring(t *testing.T, in time.Duration) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(in).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func TestDueForRefresh(t *testing.T) {
	f := newFixture(t, codeImmediately("482913"), nil)

	activeAccount(t, f, "soon@test.example", signedTokenExpiring(t, time.Hour))
	activeAccount(t, f, "later@test.example", signedTokenExpiring(t, 72*time.Hour))
	activeAccount(t, f, "opaque-fresh@test.example", "tok-opaque")

	due, err := f.ctrl.DueForRefresh(context.Background())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "soon@test.example", due[0].Identity)
}

func TestRefreshDueOpaqueTokenFallsBackToAge(t *testing.T) {
	now := time.Now()
	rec := &schemas.AccountRecord{
		Token:           "tok-opaque",
		CreatedAt:       now.Add(-48 * time.Hour),
		LastRefreshedAt: now.Add(-30 * time.Hour),
	}
	assert.True(t, refreshDue(rec, now, 24*time.Hour))

	rec.LastRefreshedAt = now.Add(-time.Hour)
	assert.False(t, refreshDue(rec, now, 24*time.Hour))
}
