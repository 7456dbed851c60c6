package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/parley/internal/fault"
)

// SessionState is a connector session's lifecycle state.
type SessionState string

const (
	SessionJoining      SessionState = "joining"
	SessionConnected    SessionState = "connected"
	SessionDisconnected SessionState = "disconnected"
	SessionLeaving      SessionState = "leaving"
	SessionDead         SessionState = "dead"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool { return s == SessionDead }

// ConnectorSession is the durable record of one provider session.
type ConnectorSession struct {
	MeetingID                   string       `json:"meeting_id"`
	Provider                    string       `json:"provider"`
	State                       SessionState `json:"state"`
	ProviderRef                 string       `json:"provider_ref,omitempty"`
	JoinedAt                    time.Time    `json:"joined_at,omitempty"`
	LastSeen                    time.Time    `json:"last_seen,omitempty"`
	ConsecutiveLivePullFailures int          `json:"consecutive_live_pull_failures"`
	LastError                   string       `json:"last_error,omitempty"`
}

// UpsertSession writes the session record for (meeting, provider). The
// primary key enforces at most one session per pair; lifecycle transitions
// are serialized by the broker's operation lock, not here.
func (s *Store) UpsertSession(ctx context.Context, sess ConnectorSession) error {
	var joined, seen *time.Time
	if !sess.JoinedAt.IsZero() {
		joined = &sess.JoinedAt
	}
	if !sess.LastSeen.IsZero() {
		seen = &sess.LastSeen
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO connector_sessions
			(meeting_id, provider, state, provider_ref, joined_at, last_seen,
			 consecutive_live_pull_failures, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (meeting_id, provider)
		DO UPDATE SET
			state = EXCLUDED.state,
			provider_ref = EXCLUDED.provider_ref,
			joined_at = COALESCE(EXCLUDED.joined_at, connector_sessions.joined_at),
			last_seen = COALESCE(EXCLUDED.last_seen, connector_sessions.last_seen),
			consecutive_live_pull_failures = EXCLUDED.consecutive_live_pull_failures,
			last_error = EXCLUDED.last_error`,
		sess.MeetingID, sess.Provider, string(sess.State), sess.ProviderRef,
		joined, seen, sess.ConsecutiveLivePullFailures, sess.LastError)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// GetSession loads the session for (meeting, provider).
func (s *Store) GetSession(ctx context.Context, meetingID, provider string) (*ConnectorSession, error) {
	var (
		sess         ConnectorSession
		joined, seen *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT meeting_id, provider, state, provider_ref, joined_at, last_seen,
		       consecutive_live_pull_failures, last_error
		FROM connector_sessions WHERE meeting_id = $1 AND provider = $2`,
		meetingID, provider).Scan(
		&sess.MeetingID, &sess.Provider, &sess.State, &sess.ProviderRef,
		&joined, &seen, &sess.ConsecutiveLivePullFailures, &sess.LastError)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fault.New(fault.ClassClient, "session_not_found",
			"no session for meeting %s on %s", meetingID, provider)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session: %w", err)
	}
	if joined != nil {
		sess.JoinedAt = *joined
	}
	if seen != nil {
		sess.LastSeen = *seen
	}
	return &sess, nil
}

// ListSessions returns all non-terminal sessions, optionally filtered to
// those not seen since the cutoff. limit bounds the batch the reconciler
// processes per cycle.
func (s *Store) ListSessions(ctx context.Context, staleBefore time.Time, limit int) ([]ConnectorSession, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT meeting_id, provider, state, provider_ref, joined_at, last_seen,
		       consecutive_live_pull_failures, last_error
		FROM connector_sessions
		WHERE state <> 'dead'`
	args := []any{}
	if !staleBefore.IsZero() {
		query += ` AND (last_seen IS NULL OR last_seen < $1)`
		args = append(args, staleBefore)
	}
	query += fmt.Sprintf(` ORDER BY last_seen NULLS FIRST LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var out []ConnectorSession
	for rows.Next() {
		var (
			sess         ConnectorSession
			joined, seen *time.Time
		)
		if err := rows.Scan(&sess.MeetingID, &sess.Provider, &sess.State, &sess.ProviderRef,
			&joined, &seen, &sess.ConsecutiveLivePullFailures, &sess.LastError); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		if joined != nil {
			sess.JoinedAt = *joined
		}
		if seen != nil {
			sess.LastSeen = *seen
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes the session record; a completed leave returns the
// (meeting, provider) pair to the absent state. Deleting a missing session is
// not an error.
func (s *Store) DeleteSession(ctx context.Context, meetingID, provider string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM connector_sessions WHERE meeting_id = $1 AND provider = $2`, meetingID, provider)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	return nil
}

// TouchSession refreshes last_seen and clears the live-pull failure counter.
// Called after every successful live pull.
func (s *Store) TouchSession(ctx context.Context, meetingID, provider string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE connector_sessions
		SET last_seen = now(), consecutive_live_pull_failures = 0, last_error = ''
		WHERE meeting_id = $1 AND provider = $2`, meetingID, provider)
	if err != nil {
		return fmt.Errorf("store: touch session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.ClassClient, "session_not_found",
			"no session for meeting %s on %s", meetingID, provider)
	}
	return nil
}

// RecordLivePullFailure increments the consecutive failure counter and
// returns the new count.
func (s *Store) RecordLivePullFailure(ctx context.Context, meetingID, provider, lastError string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		UPDATE connector_sessions
		SET consecutive_live_pull_failures = consecutive_live_pull_failures + 1, last_error = $3
		WHERE meeting_id = $1 AND provider = $2
		RETURNING consecutive_live_pull_failures`,
		meetingID, provider, lastError).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fault.New(fault.ClassClient, "session_not_found",
			"no session for meeting %s on %s", meetingID, provider)
	}
	if err != nil {
		return 0, fmt.Errorf("store: record live pull failure: %w", err)
	}
	return n, nil
}
