// internal/browser/fake/fake.go

// Package fake provides a scripted browser for tests. Sessions succeed by
// default; tests override individual operations with hooks and the launcher
// tracks how many sessions are alive at once.
package fake

import (
	"context"
	"sync"
	"time"

	"credpilot/internal/browser"
)

// Launcher hands out scripted sessions and records session lifecycle counts.
type Launcher struct {
	mu      sync.Mutex
	live    int
	maxLive int
	opened  int

	// NewSessionErr, when set, fails every NewSession call.
	NewSessionErr error
	// Script, when set, customizes each session before it is returned.
	Script func(s *Session)
}

var _ browser.Launcher = (*Launcher)(nil)

func NewLauncher() *Launcher { return &Launcher{} }

func (l *Launcher) NewSession(_ context.Context) (browser.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.NewSessionErr != nil {
		return nil, l.NewSessionErr
	}
	l.opened++
	l.live++
	if l.live > l.maxLive {
		l.maxLive = l.live
	}
	s := &Session{
		launcher: l,
		Values:   make(map[string]string),
		calls:    make(map[string]int),
		filled:   make(map[string]string),
	}
	if l.Script != nil {
		l.Script(s)
	}
	return s, nil
}

// Opened is the total number of sessions ever handed out.
func (l *Launcher) Opened() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.opened
}

// Live is the number of sessions not yet closed.
func (l *Launcher) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live
}

// MaxLive is the high-water mark of concurrently open sessions.
func (l *Launcher) MaxLive() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.maxLive
}

func (l *Launcher) sessionClosed() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live--
}

// Session is a scripted browser session. Unset hooks fall back to defaults:
// navigation, fills and clicks succeed, waits report the condition as met,
// and reads answer from the Values map (keyed by cookie name or selector).
type Session struct {
	launcher *Launcher

	NavigateFunc  func(ctx context.Context, url string) error
	FillFunc      func(ctx context.Context, selector, value string) error
	ClickFunc     func(ctx context.Context, selector string) error
	WaitForFunc   func(ctx context.Context, cond browser.Condition, timeout time.Duration) (bool, error)
	ReadValueFunc func(ctx context.Context, src browser.ValueSource) (string, error)
	CloseFunc     func() error

	// Values answers default ReadValue calls.
	Values map[string]string

	mu     sync.Mutex
	calls  map[string]int
	filled map[string]string
	closed bool
}

var _ browser.Session = (*Session)(nil)

func (s *Session) record(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
}

// Calls reports how often the named operation ran.
func (s *Session) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Filled reports the last value typed into the selector.
func (s *Session) Filled(selector string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filled[selector]
}

// Closed reports whether Close ran.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	s.record("navigate")
	if s.NavigateFunc != nil {
		return s.NavigateFunc(ctx, url)
	}
	return ctx.Err()
}

func (s *Session) Fill(ctx context.Context, selector, value string) error {
	s.record("fill")
	if s.FillFunc != nil {
		if err := s.FillFunc(ctx, selector, value); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.filled[selector] = value
	s.mu.Unlock()
	return ctx.Err()
}

func (s *Session) Click(ctx context.Context, selector string) error {
	s.record("click")
	if s.ClickFunc != nil {
		return s.ClickFunc(ctx, selector)
	}
	return ctx.Err()
}

func (s *Session) WaitFor(ctx context.Context, cond browser.Condition, timeout time.Duration) (bool, error) {
	s.record("wait")
	if s.WaitForFunc != nil {
		return s.WaitForFunc(ctx, cond, timeout)
	}
	return true, ctx.Err()
}

func (s *Session) ReadValue(ctx context.Context, src browser.ValueSource) (string, error) {
	s.record("read")
	if s.ReadValueFunc != nil {
		return s.ReadValueFunc(ctx, src)
	}
	key := src.Cookie
	if key == "" {
		key = src.ElementText
	}
	return s.Values[key], ctx.Err()
}

func (s *Session) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed && s.launcher != nil {
		s.launcher.sessionClosed()
	}
	if s.CloseFunc != nil {
		return s.CloseFunc()
	}
	return nil
}
