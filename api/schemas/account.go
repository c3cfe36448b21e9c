// api/schemas/account.go
package schemas

import "time"

// Status is the lifecycle state of an AccountRecord. The registration
// pipeline walks Pending -> Registering -> AwaitingVerification ->
// VerifyingCode -> ExtractingToken -> Active; Failed is terminal.
type Status string

const (
	StatusPending              Status = "pending"
	StatusRegistering          Status = "registering"
	StatusAwaitingVerification Status = "awaiting_verification"
	StatusVerifyingCode        Status = "verifying_code"
	StatusExtractingToken      Status = "extracting_token"
	StatusActive               Status = "active"
	StatusRefreshing           Status = "refreshing"
	StatusFailed               Status = "failed"
)

// legalTransitions is the single source of truth for the account state
// machine. Every store implementation consults it inside Transition, so an
// illegal request is rejected no matter which backend is in use.
var legalTransitions = map[Status][]Status{
	StatusPending:              {StatusRegistering, StatusFailed},
	StatusRegistering:          {StatusAwaitingVerification, StatusRegistering, StatusFailed},
	StatusAwaitingVerification: {StatusVerifyingCode, StatusRegistering, StatusFailed},
	StatusVerifyingCode:        {StatusExtractingToken, StatusAwaitingVerification, StatusFailed},
	StatusExtractingToken:      {StatusActive, StatusFailed},
	StatusActive:               {StatusRefreshing},
	StatusRefreshing:           {StatusActive, StatusFailed},
	// Terminal: nothing leaves Failed without operator intervention.
	StatusFailed: {},
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the account state machine.
func (s Status) CanTransitionTo(next Status) bool {
	for _, candidate := range legalTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	_, ok := legalTransitions[s]
	return ok
}

// AllowsToken reports whether a record in this status may carry a token.
// The store enforces the invariant: Token is non-empty iff AllowsToken.
func (s Status) AllowsToken() bool {
	return s == StatusActive || s == StatusRefreshing
}

// Resumable reports whether a record left at this status is eligible for
// pipeline resumption after a restart.
func (s Status) Resumable() bool {
	return s != StatusActive && s != StatusFailed
}

// Statuses lists every known status in pipeline order. Used by the status
// command and by validation.
func Statuses() []Status {
	return []Status{
		StatusPending,
		StatusRegistering,
		StatusAwaitingVerification,
		StatusVerifyingCode,
		StatusExtractingToken,
		StatusActive,
		StatusRefreshing,
		StatusFailed,
	}
}

// AccountRecord is one acquired identity and its credential. The credential
// store exclusively owns persistence of these records; pipelines mutate them
// only through the store's Transition operation.
type AccountRecord struct {
	// Identity is the email address used for registration. Unique key.
	Identity string `json:"identity"`
	// Secret is the password for the registered account. Write-once.
	Secret string `json:"secret"`
	Status Status `json:"status"`
	// Token is the extracted access token. Non-empty iff the status is
	// Active or Refreshing.
	Token string `json:"token,omitempty"`
	// MachineID is bound at creation and immutable thereafter.
	MachineID       string    `json:"machine_id"`
	CreatedAt       time.Time `json:"created_at"`
	LastRefreshedAt time.Time `json:"last_refreshed_at,omitempty"`
	// FailureCount increments on each pipeline failure and resets on
	// success. Crossing the configured ceiling forces Failed.
	FailureCount int `json:"failure_count"`
}

// Clone returns a copy of the record. Store reads hand out clones so callers
// can never mutate store-owned state.
func (r *AccountRecord) Clone() *AccountRecord {
	cp := *r
	return &cp
}

// TransitionFields carries the field updates applied atomically together
// with a status change. Nil pointers leave the field untouched.
type TransitionFields struct {
	Token           *string
	LastRefreshedAt *time.Time
	// FailureCountDelta is added to the stored count; ResetFailures zeroes
	// it instead.
	FailureCountDelta int
	ResetFailures     bool
}

// VerificationAttempt tracks one wait for an emailed code. It lives only for
// the duration of a pipeline run and is never persisted.
type VerificationAttempt struct {
	Identity    string
	RequestedAt time.Time
	// Code stays empty until the mailbox yields a match.
	Code     string
	Deadline time.Time
}

// NewVerificationAttempt stamps an attempt whose deadline is requestedAt
// plus the configured poll timeout.
func NewVerificationAttempt(identity string, requestedAt time.Time, pollTimeout time.Duration) VerificationAttempt {
	return VerificationAttempt{
		Identity:    identity,
		RequestedAt: requestedAt,
		Deadline:    requestedAt.Add(pollTimeout),
	}
}

// Expired reports whether the attempt passed its deadline without a code.
func (a VerificationAttempt) Expired(now time.Time) bool {
	return a.Code == "" && now.After(a.Deadline)
}
