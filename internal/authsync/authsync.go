// internal/authsync/authsync.go

// Package authsync installs an acquired credential into a local
// application's SQLite settings database, a key/value item table of the kind
// editor-style apps keep under their user config directory.
package authsync

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"credpilot/internal/config"
)

// Installer writes email and token entries under the configured key prefix.
type Installer struct {
	cfg config.AuthSyncConfig
	log *zap.Logger
}

// NewInstaller builds an installer from configuration.
func NewInstaller(cfg config.AuthSyncConfig, logger *zap.Logger) *Installer {
	return &Installer{cfg: cfg, log: logger.Named("authsync")}
}

const ensureItemTableSQL = `
CREATE TABLE IF NOT EXISTS ItemTable (
    key   TEXT PRIMARY KEY NOT NULL,
    value BLOB
);`

// Install upserts the credential. All entries land in one transaction so a
// reader never sees a half-updated identity/token pair.
func (i *Installer) Install(ctx context.Context, identityAddr, token string) error {
	db, err := sql.Open("sqlite3", i.cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open settings database %q: %w", i.cfg.DBPath, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, ensureItemTableSQL); err != nil {
		return fmt.Errorf("failed to ensure item table: %w", err)
	}

	entries := map[string]string{
		i.cfg.KeyPrefix + "/cachedEmail":  identityAddr,
		i.cfg.KeyPrefix + "/accessToken":  token,
		i.cfg.KeyPrefix + "/refreshToken": token,
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for key, value := range entries {
		res, err := tx.ExecContext(ctx, `UPDATE ItemTable SET value = ? WHERE key = ?`, value, key)
		if err != nil {
			return fmt.Errorf("failed to update %q: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO ItemTable (key, value) VALUES (?, ?)`, key, value); err != nil {
				return fmt.Errorf("failed to insert %q: %w", key, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit credential install: %w", err)
	}
	i.log.Info("credential installed",
		zap.String("identity", identityAddr),
		zap.String("db_path", i.cfg.DBPath))
	return nil
}
