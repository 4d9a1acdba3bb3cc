package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var (
	fixedTraceID = trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	fixedSpanID  = trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7}
)

// useTracer installs an in-memory tracer provider as the global one.
func useTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default logger into a buffer for the test.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func remoteContext() context.Context {
	return trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    fixedTraceID,
		SpanID:     fixedSpanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	}))
}

func TestStartSpan_RecordsUnderProcagentScope(t *testing.T) {
	exp := useTracer(t)

	_, span := StartSpan(context.Background(), "tool.dispatch",
		trace.WithAttributes(attribute.String("tool.name", "SearchCustomers")))
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "tool.dispatch" {
		t.Errorf("span name = %q", got.Name)
	}
	if got.InstrumentationScope.Name != "github.com/MrWong99/procagent" {
		t.Errorf("scope = %q", got.InstrumentationScope.Name)
	}
	want := attribute.String("tool.name", "SearchCustomers")
	found := false
	for _, kv := range got.Attributes {
		if kv == want {
			found = true
		}
	}
	if !found {
		t.Errorf("attributes = %v, want %v", got.Attributes, want)
	}
}

func TestStartSpan_ToolSpanNestsUnderChatTurn(t *testing.T) {
	exp := useTracer(t)

	ctx, chat := StartSpan(context.Background(), "agent.chat")
	toolCtx, dispatch := StartSpan(ctx, "tool.dispatch")
	if CorrelationID(toolCtx) != CorrelationID(ctx) {
		t.Errorf("tool span correlation %q differs from turn %q", CorrelationID(toolCtx), CorrelationID(ctx))
	}
	dispatch.End()
	chat.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Errorf("tool.dispatch parent = %s, want %s", child.Parent.SpanID(), parent.SpanContext.SpanID())
	}
}

func TestStartSpan_ContinuesIncomingTrace(t *testing.T) {
	useTracer(t)

	ctx, span := StartSpan(remoteContext(), "HTTP POST")
	defer span.End()
	if got := CorrelationID(ctx); got != fixedTraceID.String() {
		t.Errorf("CorrelationID = %q, want the caller's trace %q", got, fixedTraceID)
	}
}

func TestCorrelationID(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{"no span", context.Background(), ""},
		{"invalid span context", trace.ContextWithSpanContext(context.Background(), trace.SpanContext{}), ""},
		{"remote span", remoteContext(), "4bf92f3577b34da6a3ce929d0e0e4736"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CorrelationID(tt.ctx); got != tt.want {
				t.Errorf("CorrelationID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "without span",
			ctx:     context.Background(),
			notWant: []string{"trace_id", "span_id"},
		},
		{
			name: "with span",
			ctx:  remoteContext(),
			want: []string{"trace_id=4bf92f3577b34da6a3ce929d0e0e4736", "span_id=00f067aa0ba902b7", "tool=add"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLogs(t)
			Logger(tt.ctx).Info("tool call", "tool", "add")
			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, w := range tt.notWant {
				if strings.Contains(out, w) {
					t.Errorf("log %q should not contain %q", out, w)
				}
			}
		})
	}
}
