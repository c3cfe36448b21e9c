// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"credpilot/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be exercised with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the durable Store backend.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
}

var _ Store = (*Postgres)(nil)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS accounts (
    identity          TEXT PRIMARY KEY,
    secret            TEXT NOT NULL,
    status            TEXT NOT NULL,
    token             TEXT NOT NULL DEFAULT '',
    machine_id        TEXT NOT NULL,
    created_at        TIMESTAMPTZ NOT NULL,
    last_refreshed_at TIMESTAMPTZ,
    failure_count     INT NOT NULL DEFAULT 0
);`

// NewPostgres verifies the connection and ensures the schema exists.
func NewPostgres(ctx context.Context, pool DBPool, logger *zap.Logger) (*Postgres, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("failed to ensure accounts schema: %w", err)
	}
	return &Postgres{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const insertAccountSQL = `
INSERT INTO accounts (identity, secret, status, token, machine_id, created_at, failure_count)
VALUES ($1, $2, $3, '', $4, $5, 0);`

func (p *Postgres) Create(ctx context.Context, identity, secret, machineID string) (*schemas.AccountRecord, error) {
	rec := newRecord(identity, secret, machineID, time.Now())

	_, err := p.pool.Exec(ctx, insertAccountSQL,
		rec.Identity, rec.Secret, string(rec.Status), rec.MachineID, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, schemas.ErrIdentityConflict
		}
		return nil, fmt.Errorf("failed to insert account %q: %w", identity, err)
	}
	return rec, nil
}

const selectForUpdateSQL = `
SELECT identity, secret, status, token, machine_id, created_at, last_refreshed_at, failure_count
FROM accounts WHERE identity = $1 FOR UPDATE;`

const updateAccountSQL = `
UPDATE accounts
SET status = $2, token = $3, last_refreshed_at = $4, failure_count = $5
WHERE identity = $1;`

// Transition runs inside a transaction with a row lock, so concurrent
// transitions on the same identity serialize and the legality check always
// sees the committed status.
func (p *Postgres) Transition(ctx context.Context, identity string, newStatus schemas.Status, fields schemas.TransitionFields) (*schemas.AccountRecord, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			p.log.Error("failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	rec, err := scanRecord(tx.QueryRow(ctx, selectForUpdateSQL, identity))
	if err != nil {
		return nil, err
	}

	next, err := applyTransition(rec, newStatus, fields)
	if err != nil {
		return nil, err
	}

	var lastRefreshed *time.Time
	if !next.LastRefreshedAt.IsZero() {
		lastRefreshed = &next.LastRefreshedAt
	}
	if _, err := tx.Exec(ctx, updateAccountSQL,
		next.Identity, string(next.Status), next.Token, lastRefreshed, next.FailureCount); err != nil {
		return nil, fmt.Errorf("failed to update account %q: %w", identity, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

const selectAccountSQL = `
SELECT identity, secret, status, token, machine_id, created_at, last_refreshed_at, failure_count
FROM accounts WHERE identity = $1;`

func (p *Postgres) Get(ctx context.Context, identity string) (*schemas.AccountRecord, error) {
	return scanRecord(p.pool.QueryRow(ctx, selectAccountSQL, identity))
}

const listByStatusSQL = `
SELECT identity, secret, status, token, machine_id, created_at, last_refreshed_at, failure_count
FROM accounts WHERE status = $1 ORDER BY created_at ASC;`

func (p *Postgres) ListByStatus(ctx context.Context, status schemas.Status) ([]*schemas.AccountRecord, error) {
	rows, err := p.pool.Query(ctx, listByStatusSQL, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts by status: %w", err)
	}
	return collectRecords(rows)
}

const resumableSQL = `
SELECT identity, secret, status, token, machine_id, created_at, last_refreshed_at, failure_count
FROM accounts WHERE status NOT IN ($1, $2) ORDER BY created_at ASC;`

func (p *Postgres) Resumable(ctx context.Context) ([]*schemas.AccountRecord, error) {
	rows, err := p.pool.Query(ctx, resumableSQL,
		string(schemas.StatusActive), string(schemas.StatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query resumable accounts: %w", err)
	}
	return collectRecords(rows)
}

func collectRecords(rows pgx.Rows) ([]*schemas.AccountRecord, error) {
	defer rows.Close()

	var out []*schemas.AccountRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (*schemas.AccountRecord, error) {
	var (
		rec           schemas.AccountRecord
		status        string
		lastRefreshed *time.Time
	)
	err := row.Scan(&rec.Identity, &rec.Secret, &status, &rec.Token,
		&rec.MachineID, &rec.CreatedAt, &lastRefreshed, &rec.FailureCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schemas.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan account row: %w", err)
	}
	rec.Status = schemas.Status(status)
	if lastRefreshed != nil {
		rec.LastRefreshedAt = *lastRefreshed
	}
	return &rec, nil
}
