package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/observability"
)

func setupTestMeter() (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
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

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64] data type", name)
	}
	if len(sum.DataPoints) == 0 {
		t.Fatalf("%s: no data points recorded", name)
	}
	return sum.DataPoints[0].Value
}

func newTestRecord() *job.Record {
	return job.New("extract-clip", []byte(`{"start":0}`), job.DefaultOptions())
}

func TestMetricsHook_CountsLifecycle(t *testing.T) {
	reader, mp := setupTestMeter()
	h := observability.NewMetricsHookWithMeter(mp.Meter("test"))
	ctx := context.Background()
	r := newTestRecord()

	if err := h.OnJobEnqueued(ctx, r); err != nil {
		t.Fatalf("OnJobEnqueued error: %v", err)
	}
	if err := h.OnJobEnqueued(ctx, r); err != nil {
		t.Fatalf("OnJobEnqueued error: %v", err)
	}
	if err := h.OnJobCompleted(ctx, r, 250*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted error: %v", err)
	}
	if err := h.OnJobFailed(ctx, r, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed error: %v", err)
	}
	if err := h.OnJobRetrying(ctx, r, 1, time.Now()); err != nil {
		t.Fatalf("OnJobRetrying error: %v", err)
	}
	if err := h.OnJobCancelled(ctx, r); err != nil {
		t.Fatalf("OnJobCancelled error: %v", err)
	}

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "pipeline.job.enqueued"); got != 2 {
		t.Errorf("enqueued = %d, want 2", got)
	}
	if got := sumValue(t, rm, "pipeline.job.completed"); got != 1 {
		t.Errorf("completed = %d, want 1", got)
	}
	if got := sumValue(t, rm, "pipeline.job.failed"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
	if got := sumValue(t, rm, "pipeline.job.retried"); got != 1 {
		t.Errorf("retried = %d, want 1", got)
	}
	if got := sumValue(t, rm, "pipeline.job.cancelled"); got != 1 {
		t.Errorf("cancelled = %d, want 1", got)
	}
}

func TestMetricsHook_RecordsDuration(t *testing.T) {
	reader, mp := setupTestMeter()
	h := observability.NewMetricsHookWithMeter(mp.Meter("test"))
	r := newTestRecord()

	if err := h.OnJobCompleted(context.Background(), r, time.Second); err != nil {
		t.Fatalf("OnJobCompleted error: %v", err)
	}

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "pipeline.job.completed.duration")
	if m == nil {
		t.Fatal("pipeline.job.completed.duration metric not found")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("expected Histogram[float64] data type")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points recorded for duration")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("expected count=1, got %d", hist.DataPoints[0].Count)
	}
}

func TestMetricsHook_JobNameAttribute(t *testing.T) {
	reader, mp := setupTestMeter()
	h := observability.NewMetricsHookWithMeter(mp.Meter("test"))
	r := newTestRecord()

	if err := h.OnJobEnqueued(context.Background(), r); err != nil {
		t.Fatalf("OnJobEnqueued error: %v", err)
	}

	rm := collectMetrics(t, reader)
	m := findMetric(rm, "pipeline.job.enqueued")
	if m == nil {
		t.Fatal("pipeline.job.enqueued metric not found")
	}
	sum := m.Data.(metricdata.Sum[int64])

	found := false
	for _, attr := range sum.DataPoints[0].Attributes.ToSlice() {
		if string(attr.Key) == "job_name" && attr.Value.AsString() == "extract-clip" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected job_name=extract-clip attribute on enqueued counter")
	}
}

func TestMetricsHook_DefaultNoopSafe(t *testing.T) {
	// Without a global provider every instrument is a noop; none of the
	// callbacks should panic.
	h := observability.NewMetricsHook()
	r := newTestRecord()
	ctx := context.Background()

	_ = h.OnJobEnqueued(ctx, r)
	_ = h.OnJobCompleted(ctx, r, time.Second)
	_ = h.OnJobFailed(ctx, r, errors.New("boom"))
	_ = h.OnJobCancelled(ctx, r)
}

func TestRuntimeGauges_Observed(t *testing.T) {
	reader, mp := setupTestMeter()

	reg, err := observability.RegisterRuntimeGaugesWithMeter(mp.Meter("test"), observability.RuntimeFuncs{
		QueueDepth:    func() int64 { return 7 },
		ActiveWorkers: func() int64 { return 3 },
		Subscribers:   func() int64 { return 12 },
	})
	if err != nil {
		t.Fatalf("register gauges: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	rm := collectMetrics(t, reader)

	want := map[string]int64{
		"pipeline.queue.depth":        7,
		"pipeline.workers.active":     3,
		"pipeline.broker.subscribers": 12,
	}
	for name, wantVal := range want {
		m := findMetric(rm, name)
		if m == nil {
			t.Errorf("%s metric not found", name)
			continue
		}
		g, ok := m.Data.(metricdata.Gauge[int64])
		if !ok {
			t.Errorf("%s: expected Gauge[int64] data type", name)
			continue
		}
		if len(g.DataPoints) == 0 {
			t.Errorf("%s: no data points", name)
			continue
		}
		if g.DataPoints[0].Value != wantVal {
			t.Errorf("%s = %d, want %d", name, g.DataPoints[0].Value, wantVal)
		}
	}
}
