// internal/browser/browser.go

// Package browser defines the session contract the workflow controller
// drives and its chromedp implementation. The controller never touches
// chromedp directly; everything it needs from a browser is expressed here.
package browser

import (
	"context"
	"time"
)

// Condition is something a session can wait for.
type Condition struct {
	// ElementVisible waits until the selector matches a visible node.
	ElementVisible string
	// URLPrefix waits until the current location starts with the prefix.
	URLPrefix string
}

// ValueSource is something a session can read a string from.
type ValueSource struct {
	// Cookie reads the named cookie's value.
	Cookie string
	// ElementText reads the text content of the first visible match.
	ElementText string
}

// Session is one exclusive browser session. A pipeline run owns exactly one
// session; sessions are never shared between workers. Operations fail with
// schemas.TransientError for conditions worth retrying and
// schemas.StructuralError when the target page no longer matches the
// configured selectors.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// WaitFor blocks until the condition holds or the timeout elapses.
	// A timeout is reported as (false, nil), not an error; the caller
	// decides what an absent condition means.
	WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (bool, error)
	ReadValue(ctx context.Context, src ValueSource) (string, error)
	Close() error
}

// Launcher opens sessions. Implementations are selected once at startup and
// injected into the controller.
type Launcher interface {
	NewSession(ctx context.Context) (Session, error)
}
