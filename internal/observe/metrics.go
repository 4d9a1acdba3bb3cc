// Package observe provides the observability primitives shared by every
// procagent component: OpenTelemetry metrics and traces, trace-aware
// structured logging, and the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus via [InitProvider], so they can be scraped from /metrics. Tests
// should build their own instruments with [NewMetrics] and a
// [sdkmetric.ManualReader] instead of touching [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all procagent metrics.
const meterName = "github.com/MrWong99/procagent"

// Metrics holds all OpenTelemetry instruments for the application. All fields
// are safe for concurrent use.
type Metrics struct {
	// ToolCalls counts registry dispatches by tool and status
	// (ok, unknown, invalid, error).
	ToolCalls metric.Int64Counter

	// ToolDuration tracks dispatch latency including validation.
	ToolDuration metric.Float64Histogram

	// ProcedureCalls counts database procedure calls by driver, procedure and
	// status.
	ProcedureCalls metric.Int64Counter

	// ProcedureDuration tracks database procedure latency.
	ProcedureDuration metric.Float64Histogram

	// LLMDuration tracks chat-completion latency.
	LLMDuration metric.Float64Histogram

	// ProviderRequests counts completion requests by provider and status.
	ProviderRequests metric.Int64Counter

	// AgentIterations records how many model round-trips a chat turn took,
	// labelled by outcome (answer, tool_failures, iteration_limit, error).
	AgentIterations metric.Int64Histogram

	// ActiveSessions tracks the number of live chat sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time by method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds, spanning fast in-process
// tools up to slow completions.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolCalls, err = m.Int64Counter("procagent.tool.calls",
		metric.WithDescription("Tool dispatches by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("procagent.tool.duration",
		metric.WithDescription("Latency of tool dispatch, validation included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProcedureCalls, err = m.Int64Counter("procagent.db.procedure.calls",
		metric.WithDescription("Database procedure calls by driver, procedure and status."),
	); err != nil {
		return nil, err
	}
	if met.ProcedureDuration, err = m.Float64Histogram("procagent.db.procedure.duration",
		metric.WithDescription("Latency of database procedure calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("procagent.llm.duration",
		metric.WithDescription("Latency of chat-completion requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("procagent.llm.requests",
		metric.WithDescription("Chat-completion requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.AgentIterations, err = m.Int64Histogram("procagent.agent.iterations",
		metric.WithDescription("Model round-trips per chat turn by outcome."),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 6, 8, 10),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("procagent.active_sessions",
		metric.WithDescription("Number of live chat sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("procagent.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Panics if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolCall records one dispatch of tool with the given status.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("tool", tool), Attr("status", status))
	m.ToolCalls.Add(ctx, 1, attrs)
	m.ToolDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProcedureCall records one database procedure call.
func (m *Metrics) RecordProcedureCall(ctx context.Context, driver, procedure, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		Attr("driver", driver),
		Attr("procedure", procedure),
		Attr("status", status),
	)
	m.ProcedureCalls.Add(ctx, 1, attrs)
	m.ProcedureDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordProviderRequest records one chat-completion request.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, d time.Duration) {
	attrs := metric.WithAttributes(Attr("provider", provider), Attr("status", status))
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.LLMDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordAgentTurn records the iteration count of a finished chat turn.
func (m *Metrics) RecordAgentTurn(ctx context.Context, iterations int, outcome string) {
	m.AgentIterations.Record(ctx, int64(iterations), metric.WithAttributes(Attr("outcome", outcome)))
}
