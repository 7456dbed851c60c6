package observe

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
)

// Trace is the propagation context threaded through HTTP requests, job
// envelopes, and worker executions. It is deliberately three opaque
// identifiers rather than an SDK type: the envelope must stay serialisable
// and SDK-agnostic.
type Trace struct {
	// TraceID identifies the end-to-end flow (32 lowercase hex chars).
	TraceID string `json:"trace_id"`

	// SpanID identifies the current unit of work (16 hex chars).
	SpanID string `json:"span_id"`

	// ParentSpanID is the span that caused this one; empty at the root.
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// NewTrace starts a fresh trace with a root span.
func NewTrace() Trace {
	return Trace{TraceID: randHex(16), SpanID: randHex(8)}
}

// ContinueTrace builds a root span under an externally supplied trace ID
// (e.g. from the X-Trace-Id header). The ID must already be validated with
// [ValidTraceID].
func ContinueTrace(traceID string) Trace {
	return Trace{TraceID: traceID, SpanID: randHex(8)}
}

// Child derives a new span within the same trace, recording t's span as the
// parent.
func (t Trace) Child() Trace {
	return Trace{TraceID: t.TraceID, SpanID: randHex(8), ParentSpanID: t.SpanID}
}

// ValidTraceID reports whether s is exactly 32 lowercase-or-uppercase hex
// characters, the format accepted on the X-Trace-Id header.
func ValidTraceID(s string) bool {
	if len(s) != 32 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

// randHex returns n random bytes hex-encoded (2n characters).
func randHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never fails on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// traceKey is the context key type for Trace values.
type traceKey struct{}

// WithTrace returns a context carrying t.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFromContext extracts the Trace from ctx. The second return is false
// when no trace is attached.
func TraceFromContext(ctx context.Context) (Trace, bool) {
	t, ok := ctx.Value(traceKey{}).(Trace)
	return t, ok
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// ctx. When no trace is attached, the returned logger is the default slog
// logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if t, ok := TraceFromContext(ctx); ok {
		l = l.With(
			slog.String("trace_id", t.TraceID),
			slog.String("span_id", t.SpanID),
		)
	}
	return l
}
