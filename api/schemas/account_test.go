package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		legal    bool
	}{
		{StatusPending, StatusRegistering, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusActive, false},
		{StatusRegistering, StatusAwaitingVerification, true},
		{StatusRegistering, StatusRegistering, true},
		{StatusAwaitingVerification, StatusVerifyingCode, true},
		{StatusAwaitingVerification, StatusRegistering, true},
		{StatusVerifyingCode, StatusExtractingToken, true},
		{StatusVerifyingCode, StatusAwaitingVerification, true},
		{StatusVerifyingCode, StatusRegistering, false},
		{StatusExtractingToken, StatusActive, true},
		{StatusActive, StatusRefreshing, true},
		{StatusActive, StatusFailed, false},
		{StatusRefreshing, StatusActive, true},
		{StatusRefreshing, StatusFailed, true},
		{StatusFailed, StatusPending, false},
		{StatusFailed, StatusRegistering, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.legal, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	for _, to := range Statuses() {
		assert.False(t, StatusFailed.CanTransitionTo(to), "Failed -> %s must be illegal", to)
	}
}

func TestEveryNonSettledStatusCanFail(t *testing.T) {
	for _, from := range Statuses() {
		if from == StatusActive || from == StatusFailed {
			continue
		}
		assert.True(t, from.CanTransitionTo(StatusFailed), "%s -> Failed must be legal", from)
	}
}

func TestAllowsToken(t *testing.T) {
	for _, s := range Statuses() {
		want := s == StatusActive || s == StatusRefreshing
		assert.Equal(t, want, s.AllowsToken(), "status %s", s)
	}
}

func TestResumable(t *testing.T) {
	for _, s := range Statuses() {
		want := s != StatusActive && s != StatusFailed
		assert.Equal(t, want, s.Resumable(), "status %s", s)
	}
}

func TestValid(t *testing.T) {
	for _, s := range Statuses() {
		assert.True(t, s.Valid())
	}
	assert.False(t, Status("limbo").Valid())
}

func TestVerificationAttemptExpiry(t *testing.T) {
	start := time.Now()
	attempt := NewVerificationAttempt("a@example.org", start, time.Minute)

	assert.False(t, attempt.Expired(start))
	assert.False(t, attempt.Expired(start.Add(59*time.Second)))
	assert.True(t, attempt.Expired(start.Add(61*time.Second)))

	// A delivered code never expires the attempt.
	attempt.Code = "482913"
	assert.False(t, attempt.Expired(start.Add(time.Hour)))
}

func TestCloneIsIndependent(t *testing.T) {
	rec := &AccountRecord{Identity: "a@example.org", Status: StatusActive, Token: "tok"}
	cp := rec.Clone()
	require.Equal(t, rec, cp)

	cp.Token = "other"
	cp.Status = StatusFailed
	assert.Equal(t, "tok", rec.Token)
	assert.Equal(t, StatusActive, rec.Status)
}
