package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	if m, _ := newTestMetrics(t); m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordBargeIn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBargeIn(ctx, "confirmed", "elementary")
	m.RecordBargeIn(ctx, "cancelled", "elementary")
	m.RecordBargeIn(ctx, "confirmed", "elementary")

	rm := collect(t, reader)
	found := findMetric(rm, "voicekit.barge_ins")
	if found == nil {
		t.Fatal("voicekit.barge_ins not collected")
	}
	sum, ok := found.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("data type = %T", found.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Fatalf("barge-in total = %d, want 3", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Fatalf("attribute series = %d, want 2", len(sum.DataPoints))
	}
}

func TestRecordGhostTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.RecordGhostTurn(context.Background(), "filler_only")

	rm := collect(t, reader)
	found := findMetric(rm, "voicekit.ghost_turns")
	if found == nil {
		t.Fatal("voicekit.ghost_turns not collected")
	}
}

func TestTurnDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	m.TurnDuration.Record(context.Background(), 1.4)

	rm := collect(t, reader)
	found := findMetric(rm, "voicekit.turn.duration")
	if found == nil {
		t.Fatal("voicekit.turn.duration not collected")
	}
	hist, ok := found.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("data type = %T", found.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
		t.Fatalf("histogram datapoints = %+v", hist.DataPoints)
	}
}
