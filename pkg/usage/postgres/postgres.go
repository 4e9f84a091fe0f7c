// Package postgres provides a PostgreSQL-backed usage ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tessira/echogate/pkg/usage"
)

// Schema is the SQL DDL for the usage_ledger table. Execute it via
// [Store.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS usage_ledger (
    user_id       TEXT PRIMARY KEY,
    remaining_ms  BIGINT NOT NULL DEFAULT 0 CHECK (remaining_ms >= 0),
    total_used_ms BIGINT NOT NULL DEFAULT 0 CHECK (total_used_ms >= 0),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [Store]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is a [usage.Store] backed by a PostgreSQL database. Updates are
// single atomic statements, so concurrent charges against one user never
// lose increments.
type Store struct {
	db DB
}

// Compile-time interface check.
var _ usage.Store = (*Store)(nil)

// New creates a Store that uses the given database connection or pool. The
// caller is responsible for calling [Store.Migrate] to ensure the schema
// exists before issuing queries.
func New(db DB) *Store {
	return &Store{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// usage_ledger table if it does not already exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("usage: migrate: %w", err)
	}
	return nil
}

// Seed inserts a full-budget row of limitMs for each of userIDs, leaving
// rows that already exist untouched.
func (s *Store) Seed(ctx context.Context, limitMs int64, userIDs ...string) error {
	for _, id := range userIDs {
		_, err := s.db.Exec(ctx,
			`INSERT INTO usage_ledger (user_id, remaining_ms) VALUES ($1, $2)
			 ON CONFLICT (user_id) DO NOTHING`,
			id, limitMs,
		)
		if err != nil {
			return fmt.Errorf("usage: seed %q: %w", id, err)
		}
	}
	return nil
}

// Get implements [usage.Store]. Unknown users yield a zero record.
func (s *Store) Get(ctx context.Context, userID string) (usage.Record, error) {
	var rec usage.Record
	err := s.db.QueryRow(ctx,
		`SELECT remaining_ms, total_used_ms FROM usage_ledger WHERE user_id = $1`,
		userID,
	).Scan(&rec.RemainingMs, &rec.TotalUsedMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage.Record{}, nil
	}
	if err != nil {
		return usage.Record{}, fmt.Errorf("usage: get %q: %w", userID, err)
	}
	return rec, nil
}

// Add implements [usage.Store]. A charge against an unknown user creates the
// row with an exhausted budget, mirroring the zero record Get reports.
func (s *Store) Add(ctx context.Context, userID string, usedMs int64) (usage.Record, error) {
	var rec usage.Record
	err := s.db.QueryRow(ctx,
		`INSERT INTO usage_ledger (user_id, remaining_ms, total_used_ms, updated_at)
		 VALUES ($1, 0, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET
		     remaining_ms  = GREATEST(0, usage_ledger.remaining_ms - $2),
		     total_used_ms = usage_ledger.total_used_ms + $2,
		     updated_at    = now()
		 RETURNING remaining_ms, total_used_ms`,
		userID, usedMs,
	).Scan(&rec.RemainingMs, &rec.TotalUsedMs)
	if err != nil {
		return usage.Record{}, fmt.Errorf("usage: add %q: %w", userID, err)
	}
	return rec, nil
}

// Reset implements [usage.Store]. Test-only.
func (s *Store) Reset(ctx context.Context, limitMs int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE usage_ledger SET remaining_ms = $1, total_used_ms = 0, updated_at = now()`,
		limitMs,
	)
	if err != nil {
		return fmt.Errorf("usage: reset: %w", err)
	}
	return nil
}
