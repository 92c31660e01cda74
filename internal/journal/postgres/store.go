// Package postgres provides a PostgreSQL-backed [journal.Store].
//
// Entries live in a single turn_log table which [Migrate] creates if it does
// not exist yet.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { ... }
//	defer store.Close()
//	rec := journal.NewRecorder(store)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/voxlink/internal/journal"
)

var _ journal.Store = (*Store)(nil)

const ddlTurnLog = `
CREATE TABLE IF NOT EXISTS turn_log (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    action      TEXT         NOT NULL,
    content     TEXT         NOT NULL DEFAULT '',
    latency_ms  BIGINT       NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_turn_log_session_created
    ON turn_log (session_id, created_at);
`

// Migrate creates the journal schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTurnLog); err != nil {
		return fmt.Errorf("journal postgres: migrate: %w", err)
	}
	return nil
}

// Store writes journal entries to PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, checks the connection and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO turn_log (session_id, action, content, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, e.SessionID, string(e.Action), e.Content, e.Latency.Milliseconds(), at); err != nil {
		return fmt.Errorf("journal postgres: append: %w", err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]journal.Entry, error) {
	// Newest first so LIMIT keeps the latest rows, then flipped below.
	q := `
		SELECT session_id, action, content, latency_ms, created_at
		FROM   turn_log
		WHERE  session_id = $1
		ORDER  BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal postgres: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e         journal.Entry
			action    string
			latencyMS int64
		)
		if err := row.Scan(&e.SessionID, &action, &e.Content, &latencyMS, &e.At); err != nil {
			return journal.Entry{}, err
		}
		e.Action = journal.Action(action)
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal postgres: scan rows: %w", err)
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}
