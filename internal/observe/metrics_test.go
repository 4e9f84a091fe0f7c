package observe

import (
	"context"
	"testing"
	"time"

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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTranscribe_ObservesHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscribe(ctx, 120*time.Millisecond, "ok")
	m.RecordTranscribe(ctx, 80*time.Millisecond, "error")

	rm := collect(t, reader)
	metric := findMetric(rm, "echogate.transcribe.duration")
	if metric == nil {
		t.Fatal("echogate.transcribe.duration not found")
	}

	hist, ok := metric.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", metric.Data)
	}
	var total uint64
	for _, dp := range hist.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("histogram count = %d, want 2", total)
	}
}

func TestCounters_Accumulate(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesReceived.Add(ctx, 3)
	m.RepliesSent.Add(ctx, 2)
	m.UsageConsumedMs.Add(ctx, 750)
	m.RecordSessionClose(ctx, "exceeded allocated usage")

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"echogate.frames.received", 3},
		{"echogate.replies.sent", 2},
		{"echogate.usage.consumed", 750},
		{"echogate.session.closes", 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			metric := findMetric(rm, tc.name)
			if metric == nil {
				t.Fatalf("%s not found", tc.name)
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("data type = %T, want Sum[int64]", metric.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			if total != tc.want {
				t.Errorf("total = %d, want %d", total, tc.want)
			}
		})
	}
}

func TestGauges_UpAndDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.InflightTasks.Add(ctx, 5)
	m.InflightTasks.Add(ctx, -5)

	rm := collect(t, reader)

	sessions := findMetric(rm, "echogate.active_sessions")
	if sessions == nil {
		t.Fatal("echogate.active_sessions not found")
	}
	sum, ok := sessions.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T, want Sum[int64]", sessions.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %+v, want single data point of 1", sum.DataPoints)
	}

	inflight := findMetric(rm, "echogate.inflight_tasks")
	if inflight == nil {
		t.Fatal("echogate.inflight_tasks not found")
	}
	sum, ok = inflight.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T, want Sum[int64]", inflight.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 0 {
		t.Errorf("inflight tasks = %+v, want single data point of 0", sum.DataPoints)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics should return the same instance")
	}
}
