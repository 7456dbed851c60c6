// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics with a Prometheus exporter bridge, the opaque
// trace context threaded through requests and job envelopes, and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. Tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Pipeline ---

	// JobDuration tracks end-to-end handler latency per queue. Attributes:
	//   attribute.String("queue", ...), attribute.String("result", ...)
	JobDuration metric.Float64Histogram

	// JobResults counts worker outcomes. Attributes:
	//   attribute.String("queue", ...), attribute.String("result", "ok"|"retry"|"dlq")
	JobResults metric.Int64Counter

	// DLQJobs counts jobs routed to a dead-letter queue, by queue and code.
	DLQJobs metric.Int64Counter

	// ChunksIngested counts accepted chunks by source ("http", "ws",
	// "live_pull").
	ChunksIngested metric.Int64Counter

	// --- Connector ---

	// ProviderRequests counts connector/STT/LLM/delivery provider calls.
	// Attributes: provider, op, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures by provider and op.
	ProviderErrors metric.Int64Counter

	// InvalidChunks counts live-pull chunks dropped by validation.
	InvalidChunks metric.Int64Counter

	// LivePullFailures counts failed live-pull cycles by provider.
	LivePullFailures metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Attributes:
	//   provider, to ("open"|"half-open"|"closed").
	BreakerTransitions metric.Int64Counter

	// --- Edge ---

	// AuthDecisions counts allow/deny outcomes by contour.
	AuthDecisions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time by method and
	// route.
	HTTPRequestDuration metric.Float64Histogram

	// WSConnections tracks currently open WebSocket connections by contour.
	WSConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// pipeline stages that range from sub-second queue hops to multi-second STT
// and LLM calls.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.JobDuration, err = m.Float64Histogram("parley.worker.job.duration",
		metric.WithDescription("Handler latency per queue and result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.JobResults, err = m.Int64Counter("parley.worker.job.results",
		metric.WithDescription("Worker outcomes by queue and result."),
	); err != nil {
		return nil, err
	}
	if met.DLQJobs, err = m.Int64Counter("parley.worker.dlq.jobs",
		metric.WithDescription("Jobs routed to a dead-letter queue."),
	); err != nil {
		return nil, err
	}
	if met.ChunksIngested, err = m.Int64Counter("parley.ingest.chunks",
		metric.WithDescription("Accepted audio chunks by source."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("parley.provider.requests",
		metric.WithDescription("Provider API calls by provider, op, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parley.provider.errors",
		metric.WithDescription("Provider failures by provider and op."),
	); err != nil {
		return nil, err
	}
	if met.InvalidChunks, err = m.Int64Counter("parley.connector.invalid_chunks",
		metric.WithDescription("Live-pull chunks dropped by validation."),
	); err != nil {
		return nil, err
	}
	if met.LivePullFailures, err = m.Int64Counter("parley.connector.live_pull.failures",
		metric.WithDescription("Failed live-pull cycles by provider."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("parley.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by provider and target state."),
	); err != nil {
		return nil, err
	}
	if met.AuthDecisions, err = m.Int64Counter("parley.auth.decisions",
		metric.WithDescription("Authentication decisions by contour and outcome."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.WSConnections, err = m.Int64UpDownCounter("parley.ws.connections",
		metric.WithDescription("Open WebSocket connections by contour."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider call with the standard attribute
// set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, op string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
		),
	)
}

// RecordJob records a worker outcome with its duration.
func (m *Metrics) RecordJob(ctx context.Context, queue, result string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("result", result),
	)
	m.JobDuration.Record(ctx, seconds, attrs)
	m.JobResults.Add(ctx, 1, attrs)
}
