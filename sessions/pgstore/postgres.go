// Package pgstore provides a PostgreSQL-backed sessions.Store using pgx.
// Records live in a sessions table; buffered events in a companion table
// trimmed oldest-first on append.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/streamplex/streamplex/sessions"
)

// Schema the store expects. Apply with your migration tooling of choice.
const Schema = `
CREATE TABLE IF NOT EXISTS streamplex_sessions (
	id            TEXT PRIMARY KEY,
	record        JSONB NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
	next_event_id BIGINT NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS streamplex_events (
	session_id TEXT NOT NULL REFERENCES streamplex_sessions(id) ON DELETE CASCADE,
	event_id   BIGINT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, event_id)
);
`

// Store implements sessions.Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to connString and verifies connectivity.
func New(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool. Useful for tests and shared pools.
func NewWithPool(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Migrate applies the store schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return classify(fmt.Errorf("pgstore: migrate: %w", err))
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, rec *sessions.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO streamplex_sessions (id, record, last_activity) VALUES ($1, $2, $3)`,
		rec.ID, b, rec.LastActivity,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("pgstore: session %q already exists", rec.ID)
		}
		return classify(fmt.Errorf("creating session: %w", err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, sessionID string) (*sessions.Record, error) {
	var (
		b            []byte
		lastActivity time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT record, last_activity FROM streamplex_sessions WHERE id = $1`,
		sessionID,
	).Scan(&b, &lastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sessions.ErrSessionNotFound
		}
		return nil, classify(fmt.Errorf("getting session: %w", err))
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", sessionID, err)
	}
	rec.LastActivity = lastActivity
	return &rec, nil
}

// Mutate applies fn inside a transaction holding a row lock, so concurrent
// writers on the same session serialize while other sessions proceed.
func (s *Store) Mutate(ctx context.Context, sessionID string, fn func(*sessions.Record) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		b            []byte
		lastActivity time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT record, last_activity FROM streamplex_sessions WHERE id = $1 FOR UPDATE`,
		sessionID,
	).Scan(&b, &lastActivity)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return sessions.ErrSessionNotFound
		}
		return classify(fmt.Errorf("locking session: %w", err))
	}
	var rec sessions.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return fmt.Errorf("decode record %q: %w", sessionID, err)
	}
	rec.LastActivity = lastActivity

	if err := fn(&rec); err != nil {
		return err
	}

	out, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE streamplex_sessions SET record = $2, last_activity = $3 WHERE id = $1`,
		sessionID, out, rec.LastActivity,
	); err != nil {
		return classify(fmt.Errorf("updating session: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) Touch(ctx context.Context, sessionID string) error {
	ct, err := s.pool.Exec(ctx,
		`UPDATE streamplex_sessions SET last_activity = now() WHERE id = $1`,
		sessionID,
	)
	if err != nil {
		return classify(fmt.Errorf("touching session: %w", err))
	}
	if ct.RowsAffected() == 0 {
		return sessions.ErrSessionNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sessionID string) error {
	// Events cascade with the session row.
	c := context.WithoutCancel(ctx)
	if _, err := s.pool.Exec(c, `DELETE FROM streamplex_sessions WHERE id = $1`, sessionID); err != nil {
		return classify(fmt.Errorf("deleting session: %w", err))
	}
	return nil
}

func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM streamplex_sessions`)
	if err != nil {
		return nil, classify(fmt.Errorf("listing sessions: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, classify(err)
		}
		ids = append(ids, id)
	}
	return ids, classify(rows.Err())
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, payload []byte, limit int) (uint64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classify(fmt.Errorf("begin: %w", err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var eventID uint64
	err = tx.QueryRow(ctx,
		`UPDATE streamplex_sessions SET next_event_id = next_event_id + 1
		 WHERE id = $1 RETURNING next_event_id - 1`,
		sessionID,
	).Scan(&eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, sessions.ErrSessionNotFound
		}
		return 0, classify(fmt.Errorf("allocating event id: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO streamplex_events (session_id, event_id, payload) VALUES ($1, $2, $3)`,
		sessionID, eventID, payload,
	); err != nil {
		return 0, classify(fmt.Errorf("appending event: %w", err))
	}

	if limit > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM streamplex_events
			 WHERE session_id = $1 AND event_id <= $2 - $3`,
			sessionID, eventID, limit,
		); err != nil {
			return 0, classify(fmt.Errorf("trimming events: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classify(fmt.Errorf("commit: %w", err))
	}
	return eventID, nil
}

func (s *Store) ListEventsSince(ctx context.Context, sessionID string, afterID uint64) ([]sessions.Event, error) {
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT event_id, payload, created_at FROM streamplex_events
		 WHERE session_id = $1 ORDER BY event_id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, classify(fmt.Errorf("listing events: %w", err))
	}
	defer rows.Close()

	var (
		out   []sessions.Event
		first = true
	)
	for rows.Next() {
		var ev sessions.Event
		if err := rows.Scan(&ev.ID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, classify(err)
		}
		if first {
			first = false
			if afterID+1 < ev.ID {
				return nil, sessions.ErrReplayGap
			}
		}
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out, classify(rows.Err())
}

// classify marks backend I/O failures as transient so the manager's retry
// policy applies.
func classify(err error) error {
	if err == nil {
		return nil
	}
	return sessions.Transient(err)
}

var _ sessions.Store = (*Store)(nil)
