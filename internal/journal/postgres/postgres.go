// Package postgres provides a PostgreSQL-backed journal.Store.
//
// Entries live in a single journal_entries table with a GIN full-text index
// over the text column. [NewStore] creates the table on first use.
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/attune/internal/journal"
)

var _ journal.Store = (*Store)(nil)

const ddlJournalEntries = `
CREATE TABLE IF NOT EXISTS journal_entries (
    id           BIGSERIAL    PRIMARY KEY,
    session_id   TEXT         NOT NULL,
    role         TEXT         NOT NULL,
    text         TEXT         NOT NULL DEFAULT '',
    audio_bytes  INTEGER      NOT NULL DEFAULT 0,
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_journal_entries_session
    ON journal_entries (session_id, id);

CREATE INDEX IF NOT EXISTS idx_journal_entries_fts
    ON journal_entries USING GIN (to_tsvector('english', text));
`

// Store is a journal backed by a [pgxpool.Pool]. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the journal schema if it does not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJournalEntries); err != nil {
		return fmt.Errorf("journal store: create journal_entries: %w", err)
	}
	return nil
}

// Ping checks database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO journal_entries
		    (session_id, role, text, audio_bytes, timestamp, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		string(e.Role),
		e.Text,
		e.AudioBytes,
		ts,
		e.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("journal store: append: %w", err)
	}
	return nil
}

// Session implements [journal.Store].
func (s *Store) Session(ctx context.Context, sessionID string) ([]journal.Entry, error) {
	const q = `
		SELECT session_id, role, text, audio_bytes, timestamp, duration_ns
		FROM   journal_entries
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("journal store: session: %w", err)
	}
	return collectEntries(rows)
}

// SearchOpts narrows a [Store.Search].
type SearchOpts struct {
	SessionID string
	Role      journal.Role
	After     time.Time
	Limit     int
}

// Search runs a full-text query over entry text, oldest match first.
func (s *Store) Search(ctx context.Context, query string, opts SearchOpts) ([]journal.Entry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Role != "" {
		conditions = append(conditions, "role = "+next(string(opts.Role)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}

	q := "SELECT session_id, role, text, audio_bytes, timestamp, duration_ns\n" +
		"FROM   journal_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY id"

	if opts.Limit > 0 {
		q += "\nLIMIT " + next(opts.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: search: %w", err)
	}
	return collectEntries(rows)
}

// collectEntries scans pgx rows into journal entries.
func collectEntries(rows pgx.Rows) ([]journal.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e          journal.Entry
			role       string
			durationNS int64
		)
		if err := row.Scan(
			&e.SessionID,
			&role,
			&e.Text,
			&e.AudioBytes,
			&e.Timestamp,
			&durationNS,
		); err != nil {
			return journal.Entry{}, err
		}
		e.Role = journal.Role(role)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}
