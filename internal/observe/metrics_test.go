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

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

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

// counterValue sums the data points of an int64 sum whose attributes contain kv.
func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string, kv attribute.KeyValue) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q: data type = %T, want Sum[int64]", name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(kv.Key); ok && v.Emit() == kv.Value.Emit() {
			total += dp.Value
		}
	}
	return total
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, "alice", 200*time.Microsecond)
	m.RecordFrame(ctx, "alice", 300*time.Microsecond)
	m.RecordFrame(ctx, "bob", time.Millisecond)
	m.RecordFrameSkipped(ctx, "bob")

	rm := collect(t, reader)

	if got := counterValue(t, rm, "spotters.audio.frames.processed", Attr("user", "alice")); got != 2 {
		t.Errorf("alice frames = %d, want 2", got)
	}
	if got := counterValue(t, rm, "spotters.audio.frames.skipped", Attr("user", "bob")); got != 1 {
		t.Errorf("bob skipped = %d, want 1", got)
	}

	met := findMetric(rm, "spotters.audio.frame.duration")
	if met == nil {
		t.Fatal("frame duration histogram not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T, want Histogram[float64]", met.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	if count != 3 {
		t.Errorf("histogram count = %d, want 3", count)
	}
}

func TestRecordDropped_IgnoresNonPositive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx, "queue_full", 0)
	m.RecordDropped(ctx, "queue_full", -3)
	m.RecordDropped(ctx, "queue_full", 2)
	m.RecordDropped(ctx, "offline", 5)

	rm := collect(t, reader)
	if got := counterValue(t, rm, "spotters.broadcast.events.dropped", Attr("reason", "queue_full")); got != 2 {
		t.Errorf("queue_full = %d, want 2", got)
	}
	if got := counterValue(t, rm, "spotters.broadcast.events.dropped", Attr("reason", "offline")); got != 5 {
		t.Errorf("offline = %d, want 5", got)
	}
}

func TestStatusCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordConfigSave(ctx, "ok")
	m.RecordConfigSave(ctx, "error")
	m.RecordConfigSave(ctx, "ok")
	m.RecordCharacterUpdate(ctx, "conflict")

	rm := collect(t, reader)

	tests := []struct {
		name   string
		metric string
		status string
		want   int64
	}{
		{"saves ok", "spotters.config.saves", "ok", 2},
		{"saves error", "spotters.config.saves", "error", 1},
		{"updates conflict", "spotters.characters.updates", "conflict", 1},
		{"updates ok", "spotters.characters.updates", "ok", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := counterValue(t, rm, tc.metric, Attr("status", tc.status)); got != tc.want {
				t.Errorf("got = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a == nil || a != b {
		t.Errorf("DefaultMetrics returned %p and %p, want the same non-nil pointer", a, b)
	}
}
