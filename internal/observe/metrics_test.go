package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumFor returns the counter value of the data point whose attributes include
// every pair in want.
func sumFor(t *testing.T, met *metricdata.Metrics, want ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		match := true
		for _, kv := range want {
			if v, ok := dp.Attributes.Value(kv.Key); !ok || v != kv.Value {
				match = false
				break
			}
		}
		if match {
			return dp.Value
		}
	}
	return 0
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordToolCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "get_customer_info", "ok", 20*time.Millisecond)
	m.RecordToolCall(ctx, "get_customer_info", "ok", 30*time.Millisecond)
	m.RecordToolCall(ctx, "get_customer_info", "invalid", time.Millisecond)

	rm := collect(t, reader)
	calls := findMetric(rm, "procagent.tool.calls")
	if calls == nil {
		t.Fatal("procagent.tool.calls not found")
	}
	if got := sumFor(t, calls, Attr("tool", "get_customer_info"), Attr("status", "ok")); got != 2 {
		t.Errorf("ok calls = %d, want 2", got)
	}
	if got := sumFor(t, calls, Attr("status", "invalid")); got != 1 {
		t.Errorf("invalid calls = %d, want 1", got)
	}

	dur := findMetric(rm, "procagent.tool.duration")
	if dur == nil {
		t.Fatal("procagent.tool.duration not found")
	}
	hist, ok := dur.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("tool duration is not a float64 histogram")
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 3 {
		t.Errorf("duration samples = %d, want 3", total)
	}
}

func TestRecordProcedureCall(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordProcedureCall(context.Background(), "postgres", "public.sel_customer", "error", time.Second)

	rm := collect(t, reader)
	met := findMetric(rm, "procagent.db.procedure.calls")
	if met == nil {
		t.Fatal("procagent.db.procedure.calls not found")
	}
	got := sumFor(t, met,
		Attr("driver", "postgres"),
		Attr("procedure", "public.sel_customer"),
		Attr("status", "error"),
	)
	if got != 1 {
		t.Errorf("procedure calls = %d, want 1", got)
	}
	if findMetric(rm, "procagent.db.procedure.duration") == nil {
		t.Error("procagent.db.procedure.duration not found")
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordProviderRequest(ctx, "openai", "ok", 800*time.Millisecond)
	m.RecordProviderRequest(ctx, "openai", "error", 100*time.Millisecond)

	rm := collect(t, reader)
	met := findMetric(rm, "procagent.llm.requests")
	if met == nil {
		t.Fatal("procagent.llm.requests not found")
	}
	if got := sumFor(t, met, Attr("provider", "openai"), Attr("status", "error")); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}
	if findMetric(rm, "procagent.llm.duration") == nil {
		t.Error("procagent.llm.duration not found")
	}
}

func TestRecordAgentTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordAgentTurn(context.Background(), 3, "answer")

	rm := collect(t, reader)
	met := findMetric(rm, "procagent.agent.iterations")
	if met == nil {
		t.Fatal("procagent.agent.iterations not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[int64])
	if !ok {
		t.Fatal("agent iterations is not an int64 histogram")
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 3 {
		t.Errorf("unexpected data points: %+v", hist.DataPoints)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "procagent.active_sessions")
	if met == nil {
		t.Fatal("procagent.active_sessions not found")
	}
	if got := sumFor(t, met); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
