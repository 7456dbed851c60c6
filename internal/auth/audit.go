package auth

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/store"
)

// AuditSink persists audit events; *store.Store implements it.
type AuditSink interface {
	AppendAudit(ctx context.Context, ev store.AuditEvent) error
}

// Auditor records every allow/deny decision to the structured log, the
// metrics, and optionally the append-only audit table.
type Auditor struct {
	metrics *observe.Metrics
	sink    AuditSink
}

// NewAuditor builds an Auditor. sink may be nil to log and count only.
func NewAuditor(metrics *observe.Metrics, sink AuditSink) *Auditor {
	return &Auditor{metrics: metrics, sink: sink}
}

// Record logs one decision. decision is "allow" or "deny"; reason explains a
// deny and is empty on allow. Persistence failures are logged and swallowed:
// a broken audit table must not take the API down.
func (a *Auditor) Record(ctx context.Context, contour, endpoint, method string, p *Principal, decision, reason string) {
	subject, authType := "", "none"
	if p != nil {
		subject, authType = p.Subject, p.AuthType
	}

	a.metrics.AuthDecisions.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("contour", contour),
		observe.Attr("decision", decision),
	))

	log := observe.Logger(ctx).With(
		"contour", contour, "endpoint", endpoint, "method", method,
		"subject", subject, "auth_type", authType, "decision", decision)
	if decision == "deny" {
		log.Warn("auth denied", "reason", reason)
	} else {
		log.Debug("auth allowed")
	}

	if a.sink == nil {
		return
	}
	err := a.sink.AppendAudit(ctx, store.AuditEvent{
		Endpoint: endpoint,
		Method:   method,
		Subject:  subject,
		AuthType: authType,
		Decision: decision,
		Reason:   reason,
	})
	if err != nil {
		observe.Logger(ctx).Error("audit persist failed", "error", err)
	}
}
