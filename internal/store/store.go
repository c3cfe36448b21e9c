// internal/store/store.go

// Package store owns persistence of account records. All mutation goes
// through Create and Transition; Transition is atomic per identity and
// rejects any status change the state machine does not allow, which also
// serializes concurrent writers racing on the same record.
package store

import (
	"context"
	"errors"
	"time"

	"credpilot/api/schemas"
)

// Store is the credential store contract shared by all backends.
type Store interface {
	// Create inserts a fresh record in StatusPending. Fails with
	// schemas.ErrIdentityConflict when the identity already exists.
	Create(ctx context.Context, identity, secret, machineID string) (*schemas.AccountRecord, error)

	// Transition atomically moves the record to newStatus and applies the
	// field updates. It fails with schemas.ErrNotFound for an absent
	// record and *schemas.IllegalTransitionError for a step the state
	// machine forbids, leaving the record unchanged in both cases.
	Transition(ctx context.Context, identity string, newStatus schemas.Status, fields schemas.TransitionFields) (*schemas.AccountRecord, error)

	// Get returns a copy of the record.
	Get(ctx context.Context, identity string) (*schemas.AccountRecord, error)

	// ListByStatus returns a snapshot of all records currently in the
	// given status, not a live view.
	ListByStatus(ctx context.Context, status schemas.Status) ([]*schemas.AccountRecord, error)

	// Resumable returns records left mid-pipeline (neither Active nor
	// Failed), eligible for resumption after a restart.
	Resumable(ctx context.Context) ([]*schemas.AccountRecord, error)
}

// ErrTokenRequired reports a transition into a token-bearing status without
// a token. Like an illegal transition, it is a caller bug, never retried.
var ErrTokenRequired = errors.New("transition into a token-bearing status requires a non-empty token")

// applyTransition validates the step and produces the updated record. The
// token invariant is enforced here so every backend agrees: the token is
// non-empty iff the new status allows one.
func applyTransition(rec *schemas.AccountRecord, newStatus schemas.Status, fields schemas.TransitionFields) (*schemas.AccountRecord, error) {
	if !rec.Status.CanTransitionTo(newStatus) {
		return nil, &schemas.IllegalTransitionError{Identity: rec.Identity, From: rec.Status, To: newStatus}
	}

	next := rec.Clone()
	next.Status = newStatus
	if fields.Token != nil {
		next.Token = *fields.Token
	}
	if fields.LastRefreshedAt != nil {
		next.LastRefreshedAt = fields.LastRefreshedAt.UTC()
	}
	if fields.ResetFailures {
		next.FailureCount = 0
	} else if fields.FailureCountDelta != 0 {
		next.FailureCount += fields.FailureCountDelta
	}

	if !newStatus.AllowsToken() {
		next.Token = ""
	} else if next.Token == "" {
		return nil, ErrTokenRequired
	}
	return next, nil
}

// newRecord builds the initial Pending record for Create.
func newRecord(identity, secret, machineID string, now time.Time) *schemas.AccountRecord {
	return &schemas.AccountRecord{
		Identity:  identity,
		Secret:    secret,
		Status:    schemas.StatusPending,
		MachineID: machineID,
		CreatedAt: now.UTC(),
	}
}
