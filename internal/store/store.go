// Package store is the durable PostgreSQL record of meetings, chunks,
// artifacts, connector sessions, security audit events, and idempotency
// markers.
//
// All tables share a single [pgxpool.Pool]. The one non-obvious contract is
// monotone meeting status: writes that would move a status backward are
// rejected, except for the explicit rebuild path (failed → processing).
// Per-meeting advisory locks serialize artifact writes across processes.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the PostgreSQL-backed persistence layer. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity; used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithMeetingLock runs fn while holding the advisory lock for meetingID.
// Pipeline stages use it to serialize artifact writes: write-wins applies
// within the lock, concurrent writers queue up behind it. The lock is held on
// a dedicated connection and released when fn returns.
func (s *Store) WithMeetingLock(ctx context.Context, meetingID string, fn func(ctx context.Context) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("store: acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, meetingID); err != nil {
		return fmt.Errorf("store: advisory lock %s: %w", meetingID, err)
	}
	defer func() {
		// Unlock on the same connection; pool release alone would leak the
		// session-level lock.
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, meetingID)
	}()

	return fn(ctx)
}

// FirstUse implements the idempotency store contract: it atomically marks key
// as used and reports whether this call was the first. Handlers skip side
// effects on false.
func (s *Store) FirstUse(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key) VALUES ($1) ON CONFLICT (key) DO NOTHING`, key)
	if err != nil {
		return false, fmt.Errorf("store: idempotency insert: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Seen reports whether an idempotency key was already claimed, without
// claiming it.
func (s *Store) Seen(ctx context.Context, key string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency_keys WHERE key = $1)`, key).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("store: idempotency lookup: %w", err)
	}
	return seen, nil
}
