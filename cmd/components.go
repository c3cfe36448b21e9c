package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"credpilot/internal/authsync"
	"credpilot/internal/browser"
	"credpilot/internal/config"
	"credpilot/internal/engine"
	"credpilot/internal/identity"
	"credpilot/internal/mailbox"
	"credpilot/internal/pipeline"
	"credpilot/internal/retry"
	"credpilot/internal/store"
)

// components holds the initialized services a command runs against.
type components struct {
	Store      store.Store
	Controller *pipeline.Controller
	Engine     *engine.Engine

	pool *pgxpool.Pool
}

// initializeComponents wires the store, adapters, controller and engine from
// the resolved configuration.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*components, error) {
	c := &components{}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database pool: %w", err)
		}
		c.pool = pool
		st, err := store.NewPostgres(ctx, pool, logger)
		if err != nil {
			c.Shutdown()
			return nil, err
		}
		c.Store = st
	default:
		c.Store = store.NewMemory()
		logger.Warn("using in-memory store, records will not survive this process")
	}

	extractor, err := mailbox.NewExtractor(cfg.Mailbox.CodePattern)
	if err != nil {
		c.Shutdown()
		return nil, err
	}
	var provider mailbox.Provider
	switch cfg.Mailbox.Provider {
	case "imap":
		provider = mailbox.NewIMAP(cfg.Mailbox.IMAP, extractor, logger)
	default:
		provider = mailbox.NewTempMail(cfg.Mailbox.TempMail, extractor, logger)
	}

	var sink pipeline.TokenSink
	if cfg.AuthSync.Enabled {
		sink = authsync.NewInstaller(cfg.AuthSync, logger)
	}

	c.Controller = pipeline.New(pipeline.Options{
		Store:    c.Store,
		Launcher: browser.NewChrome(cfg.Browser, logger),
		Mailbox:  mailbox.NewPoller(provider, cfg.Pipeline.PollInterval, logger),
		Resetter: identity.NewResetter(cfg.Identity, logger),
		Accounts: identity.NewGenerator(cfg.Account),
		Sink:     sink,
		Retry:    retry.New(cfg.Pipeline.MaxRegisterAttempts, cfg.Retry.BaseDelay, cfg.Retry.MaxDelay, logger),
		Service:  cfg.Service,
		Browser:  cfg.Browser,
		Pipeline: cfg.Pipeline,
		Logger:   logger,
	})
	c.Engine = engine.New(cfg.Engine, logger)
	return c, nil
}

// Shutdown releases pooled resources.
func (c *components) Shutdown() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// summarize turns engine results into the command's exit disposition: any
// failed pipeline fails the command.
func summarize(results []engine.Result) error {
	if failed := engine.FailedCount(results); failed > 0 {
		return fmt.Errorf("%d of %d pipelines failed", failed, len(results))
	}
	return nil
}
