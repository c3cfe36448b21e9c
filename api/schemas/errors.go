// api/schemas/errors.go
package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the credential store.
var (
	// ErrNotFound is returned when no record exists for an identity.
	ErrNotFound = errors.New("account record not found")
	// ErrIdentityConflict is returned by Create when the identity is
	// already registered. The caller must pick a new identity.
	ErrIdentityConflict = errors.New("identity already exists")
)

// IllegalTransitionError is the store-corruption case: a caller asked for a
// status change the state machine does not permit. It is always fatal and
// never retried; the record is left unchanged.
type IllegalTransitionError struct {
	Identity string
	From     Status
	To       Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition for %q: %s -> %s", e.Identity, e.From, e.To)
}

// TransientError wraps a failure that is expected to clear on its own:
// network hiccups, browser wait timeouts, a mailbox that has not received
// the message yet. Only these are retried under backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. A nil err returns nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// StructuralError marks a failure that retrying cannot fix: a selector the
// target page no longer serves, a malformed token, an explicit rejection.
// It propagates immediately and marks the record Failed.
type StructuralError struct {
	Op  string
	Err error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural: %s: %v", e.Op, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// Structural wraps err as non-retryable. A nil err returns nil.
func Structural(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StructuralError{Op: op, Err: err}
}

// ErrVerificationTimeout signals that no code arrived before the attempt's
// deadline. The controller handles it by restarting registration, bounded by
// the verification retry ceiling.
var ErrVerificationTimeout = errors.New("verification code not received before deadline")

// IsTransient reports whether err (or anything it wraps) is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsStructural reports whether err (or anything it wraps) is a structural,
// non-retryable failure.
func IsStructural(err error) bool {
	var se *StructuralError
	return errors.As(err, &se)
}

// PipelineError attaches the failing identity and step to an error on its
// way up to the caller.
type PipelineError struct {
	Identity string
	Step     Status
	Err      error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %q failed at %s: %v", e.Identity, e.Step, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }
