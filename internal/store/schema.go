package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id               TEXT         PRIMARY KEY,
    tenant           TEXT         NOT NULL DEFAULT '',
    mode             TEXT         NOT NULL DEFAULT 'batch',
    status           TEXT         NOT NULL DEFAULT 'created',
    provider         TEXT         NOT NULL DEFAULT '',
    epoch            INTEGER      NOT NULL DEFAULT 0,
    delivery_recipe  JSONB        NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_meetings_tenant
    ON meetings (tenant);

CREATE INDEX IF NOT EXISTS idx_meetings_status
    ON meetings (status);
`

const ddlChunks = `
CREATE TABLE IF NOT EXISTS chunks (
    meeting_id   TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    chunk_seq    BIGINT       NOT NULL,
    media_ref    TEXT         NOT NULL,
    received_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    trace_id     TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (meeting_id, chunk_seq)
);
`

const ddlArtifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
    meeting_id  TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    kind        TEXT         NOT NULL,
    content     JSONB        NOT NULL DEFAULT '{}',
    epoch       INTEGER      NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (meeting_id, kind)
);
`

const ddlConnectorSessions = `
CREATE TABLE IF NOT EXISTS connector_sessions (
    meeting_id                     TEXT         NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
    provider                       TEXT         NOT NULL,
    state                          TEXT         NOT NULL DEFAULT 'joining',
    provider_ref                   TEXT         NOT NULL DEFAULT '',
    joined_at                      TIMESTAMPTZ,
    last_seen                      TIMESTAMPTZ,
    consecutive_live_pull_failures INTEGER      NOT NULL DEFAULT 0,
    last_error                     TEXT         NOT NULL DEFAULT '',
    PRIMARY KEY (meeting_id, provider)
);

CREATE INDEX IF NOT EXISTS idx_connector_sessions_state
    ON connector_sessions (state);

CREATE INDEX IF NOT EXISTS idx_connector_sessions_last_seen
    ON connector_sessions (last_seen);
`

const ddlSecurityAudit = `
CREATE TABLE IF NOT EXISTS security_audit_events (
    id         BIGSERIAL    PRIMARY KEY,
    ts         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    endpoint   TEXT         NOT NULL,
    method     TEXT         NOT NULL,
    subject    TEXT         NOT NULL DEFAULT '',
    auth_type  TEXT         NOT NULL,
    decision   TEXT         NOT NULL,
    reason     TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_security_audit_events_ts
    ON security_audit_events (ts);
`

const ddlIdempotencyKeys = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key         TEXT         PRIMARY KEY,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates all required tables and indexes. It is idempotent and safe
// to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlMeetings,
		ddlChunks,
		ddlArtifacts,
		ddlConnectorSessions,
		ddlSecurityAudit,
		ddlIdempotencyKeys,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("store migrate: %w", err)
		}
	}
	return nil
}
