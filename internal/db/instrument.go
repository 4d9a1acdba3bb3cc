package db

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/procagent/internal/observe"
)

// Instrumented wraps an [Adapter] with a span and call metrics per procedure.
type Instrumented struct {
	Adapter
	driver  string
	metrics *observe.Metrics
}

var _ Adapter = (*Instrumented)(nil)

// Instrument wraps a. When m is nil, [observe.DefaultMetrics] is used.
func Instrument(a Adapter, driver string, m *observe.Metrics) *Instrumented {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &Instrumented{Adapter: a, driver: driver, metrics: m}
}

// CallProcedure implements [Adapter].
func (i *Instrumented) CallProcedure(ctx context.Context, name string, params []Param) (*Result, error) {
	ctx, span := observe.StartSpan(ctx, "db.procedure",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", i.driver),
			attribute.String("db.operation.name", name),
		),
	)
	defer span.End()

	start := time.Now()
	res, err := i.Adapter.CallProcedure(ctx, name, params)
	status := "ok"
	switch {
	case IsConnectionError(err):
		status = "connection_error"
	case err != nil:
		status = "error"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(attribute.Int("db.response.returned_rows", len(res.Rows)))
	}
	i.metrics.RecordProcedureCall(ctx, i.driver, name, status, time.Since(start))
	return res, err
}
