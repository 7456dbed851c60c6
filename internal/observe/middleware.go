package observe

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TraceHeader is the edge header carrying an externally assigned trace ID.
// The value must be 32 hex characters; anything else is ignored and a fresh
// trace is started. The header is echoed on every response.
const TraceHeader = "X-Trace-Id"

// Middleware returns a gin handler that:
//
//  1. Accepts a valid X-Trace-Id from the request (or starts a new trace).
//  2. Attaches the [Trace] to the request context.
//  3. Echoes X-Trace-Id on the response.
//  4. Records request duration to [Metrics.HTTPRequestDuration].
//  5. Logs request completion with status, duration, and trace info.
func Middleware(m *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		var tr Trace
		if hdr := c.GetHeader(TraceHeader); ValidTraceID(hdr) {
			tr = ContinueTrace(hdr)
		} else {
			tr = NewTrace()
		}

		ctx := WithTrace(c.Request.Context(), tr)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set(TraceHeader, tr.TraceID)

		c.Next()

		duration := time.Since(start)
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", c.Request.Method),
				attribute.String("route", route),
			),
		)

		slog.LogAttrs(ctx, slog.LevelInfo, "request completed",
			slog.String("trace_id", tr.TraceID),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", duration),
		)
	}
}
