// internal/browser/chromedp.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"credpilot/api/schemas"
	"credpilot/internal/config"
)

// Chrome launches chromedp-backed sessions against a local headless browser.
type Chrome struct {
	cfg config.BrowserConfig
	log *zap.Logger
}

var _ Launcher = (*Chrome)(nil)

// NewChrome builds a launcher from the browser configuration.
func NewChrome(cfg config.BrowserConfig, logger *zap.Logger) *Chrome {
	return &Chrome{cfg: cfg, log: logger.Named("browser")}
}

// NewSession starts a fresh browser process with its own profile. Failures to
// start are transient: the host may be briefly out of resources.
func (c *Chrome) NewSession(ctx context.Context) (Session, error) {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if !c.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if c.cfg.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(c.cfg.ProxyURL))
	}
	for _, arg := range c.cfg.Args {
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if hasValue {
			opts = append(opts, chromedp.Flag(name, value))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	// Force the browser process up front so startup failures surface here
	// rather than inside the first pipeline step.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, schemas.Transient("browser.start", err)
	}

	c.log.Debug("browser session started",
		zap.Bool("headless", c.cfg.Headless),
		zap.Bool("proxied", c.cfg.ProxyURL != ""))
	return &chromeSession{
		ctx:         tabCtx,
		cancelTab:   tabCancel,
		cancelAlloc: allocCancel,
		cfg:         c.cfg,
		log:         c.log,
	}, nil
}

type chromeSession struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	cfg         config.BrowserConfig
	log         *zap.Logger
}

// run executes actions on the tab context under the given timeout while still
// honoring cancellation of the caller's context.
func (s *chromeSession) run(parent context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(parent, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && parent.Err() != nil {
		return parent.Err()
	}
	return err
}

func (s *chromeSession) Navigate(ctx context.Context, url string) error {
	err := s.run(ctx, s.cfg.NavigationTimeout, chromedp.Navigate(url))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, context.Canceled):
		return err
	default:
		// Navigation failures (timeouts, net::ERR_* conditions) are
		// network weather, worth retrying.
		return schemas.Transient("browser.navigate", err)
	}
}

func (s *chromeSession) Fill(ctx context.Context, selector, value string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, value, chromedp.ByQuery),
	)
	return classifyElementErr(ctx, "browser.fill", selector, err)
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	err := s.run(ctx, s.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.Click(selector, chromedp.ByQuery),
	)
	return classifyElementErr(ctx, "browser.click", selector, err)
}

func (s *chromeSession) WaitFor(ctx context.Context, cond Condition, timeout time.Duration) (bool, error) {
	switch {
	case cond.ElementVisible != "":
		err := s.run(ctx, timeout, chromedp.WaitVisible(cond.ElementVisible, chromedp.ByQuery))
		switch {
		case err == nil:
			return true, nil
		case ctx.Err() != nil:
			return false, err
		case errors.Is(err, context.DeadlineExceeded):
			// Absence within the window is an answer, not an error.
			return false, nil
		case errors.Is(err, context.Canceled):
			return false, err
		default:
			return false, schemas.Transient("browser.wait", err)
		}

	case cond.URLPrefix != "":
		deadline := time.Now().Add(timeout)
		for {
			var location string
			if err := s.run(ctx, s.cfg.ActionTimeout, chromedp.Location(&location)); err != nil {
				if errors.Is(err, context.Canceled) {
					return false, err
				}
				return false, schemas.Transient("browser.wait", err)
			}
			if strings.HasPrefix(location, cond.URLPrefix) {
				return true, nil
			}
			if time.Now().After(deadline) {
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}

	default:
		return false, schemas.Structural("browser.wait", errors.New("empty wait condition"))
	}
}

func (s *chromeSession) ReadValue(ctx context.Context, src ValueSource) (string, error) {
	switch {
	case src.Cookie != "":
		var value string
		err := s.run(ctx, s.cfg.ActionTimeout, chromedp.ActionFunc(func(cdpCtx context.Context) error {
			cookies, err := storage.GetCookies().Do(cdpCtx)
			if err != nil {
				return err
			}
			value = cookieValue(cookies, src.Cookie)
			return nil
		}))
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return "", err
			}
			return "", schemas.Transient("browser.read_cookie", err)
		}
		// An absent cookie reads as empty; the caller decides whether that
		// is fatal.
		return value, nil

	case src.ElementText != "":
		var text string
		err := s.run(ctx, s.cfg.ActionTimeout,
			chromedp.Text(src.ElementText, &text, chromedp.ByQuery, chromedp.NodeVisible))
		if err != nil {
			return "", classifyElementErr(ctx, "browser.read_text", src.ElementText, err)
		}
		return text, nil

	default:
		return "", schemas.Structural("browser.read", errors.New("empty value source"))
	}
}

func (s *chromeSession) Close() error {
	// Graceful shutdown first so the browser process flushes its profile.
	if err := chromedp.Cancel(s.ctx); err != nil {
		s.log.Debug("browser shutdown was not clean", zap.Error(err))
	}
	s.cancelTab()
	s.cancelAlloc()
	return nil
}

// classifyElementErr maps failures of selector-driven actions. A timeout of
// the action's own window means the page never presented the configured
// element, which is a page structure problem, not weather; retrying the same
// selector cannot help. An expired or canceled caller context passes through
// untouched, it says nothing about the page.
func classifyElementErr(ctx context.Context, op, selector string, err error) error {
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return err
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.Structural(op, fmt.Errorf("element %q never became visible", selector))
	default:
		return schemas.Transient(op, err)
	}
}

func cookieValue(cookies []*network.Cookie, name string) string {
	for _, c := range cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
