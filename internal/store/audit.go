package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEvent is one append-only security decision record.
type AuditEvent struct {
	ID       int64     `json:"id,omitempty"`
	TS       time.Time `json:"ts"`
	Endpoint string    `json:"endpoint"`
	Method   string    `json:"method"`
	Subject  string    `json:"subject,omitempty"`
	AuthType string    `json:"auth_type"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
}

// AppendAudit records a security decision. The table is append-only; there is
// no update or delete path.
func (s *Store) AppendAudit(ctx context.Context, ev AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO security_audit_events (endpoint, method, subject, auth_type, decision, reason)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.Endpoint, ev.Method, ev.Subject, ev.AuthType, ev.Decision, ev.Reason)
	if err != nil {
		return fmt.Errorf("store: append audit: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit events up to limit.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, ts, endpoint, method, subject, auth_type, decision, reason
		FROM security_audit_events ORDER BY ts DESC, id DESC LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("store: list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEvent
	for rows.Next() {
		var ev AuditEvent
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Endpoint, &ev.Method, &ev.Subject,
			&ev.AuthType, &ev.Decision, &ev.Reason); err != nil {
			return nil, fmt.Errorf("store: scan audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
