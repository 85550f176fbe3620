package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clipforge/pipeline/hook"
	"github.com/clipforge/pipeline/job"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/clipforge/pipeline/observability"

// Compile-time interface checks.
var (
	_ hook.Hook         = (*MetricsHook)(nil)
	_ hook.JobEnqueued  = (*MetricsHook)(nil)
	_ hook.JobCompleted = (*MetricsHook)(nil)
	_ hook.JobFailed    = (*MetricsHook)(nil)
	_ hook.JobRetrying  = (*MetricsHook)(nil)
	_ hook.JobCancelled = (*MetricsHook)(nil)
)

// MetricsHook records system-wide job lifecycle metrics via OTel counters.
// Register it with the hook registry to automatically track enqueue rates,
// completion counts, failure rates, retries, and cancellations.
type MetricsHook struct {
	enqueued  metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram
}

// NewMetricsHook creates a MetricsHook using the global OTel MeterProvider.
// Without a configured provider every instrument is a noop.
func NewMetricsHook() *MetricsHook {
	return NewMetricsHookWithMeter(otel.Meter(meterName))
}

// NewMetricsHookWithMeter creates a MetricsHook with the provided meter.
// This variant allows injecting a specific MeterProvider for testing.
func NewMetricsHookWithMeter(meter metric.Meter) *MetricsHook {
	m := &MetricsHook{}

	// Instrument creation errors leave noop instruments behind, so they
	// are safe to discard.
	m.enqueued, _ = meter.Int64Counter("pipeline.job.enqueued",
		metric.WithDescription("Total number of jobs enqueued"),
		metric.WithUnit("{job}"))
	m.completed, _ = meter.Int64Counter("pipeline.job.completed",
		metric.WithDescription("Total number of jobs completed"),
		metric.WithUnit("{job}"))
	m.failed, _ = meter.Int64Counter("pipeline.job.failed",
		metric.WithDescription("Total number of terminally failed jobs"),
		metric.WithUnit("{job}"))
	m.retried, _ = meter.Int64Counter("pipeline.job.retried",
		metric.WithDescription("Total number of retry attempts scheduled"),
		metric.WithUnit("{retry}"))
	m.cancelled, _ = meter.Int64Counter("pipeline.job.cancelled",
		metric.WithDescription("Total number of cancelled jobs"),
		metric.WithUnit("{job}"))
	m.duration, _ = meter.Float64Histogram("pipeline.job.completed.duration",
		metric.WithDescription("Wall-clock duration of completed jobs in seconds"),
		metric.WithUnit("s"))

	return m
}

// Name implements hook.Hook.
func (m *MetricsHook) Name() string { return "observability-metrics" }

func jobAttrs(r *job.Record) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("job_name", r.Name))
}

// OnJobEnqueued implements hook.JobEnqueued.
func (m *MetricsHook) OnJobEnqueued(ctx context.Context, r *job.Record) error {
	m.enqueued.Add(ctx, 1, jobAttrs(r))
	return nil
}

// OnJobCompleted implements hook.JobCompleted.
func (m *MetricsHook) OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error {
	m.completed.Add(ctx, 1, jobAttrs(r))
	m.duration.Record(ctx, elapsed.Seconds(), jobAttrs(r))
	return nil
}

// OnJobFailed implements hook.JobFailed.
func (m *MetricsHook) OnJobFailed(ctx context.Context, r *job.Record, _ error) error {
	m.failed.Add(ctx, 1, jobAttrs(r))
	return nil
}

// OnJobRetrying implements hook.JobRetrying.
func (m *MetricsHook) OnJobRetrying(ctx context.Context, r *job.Record, _ int, _ time.Time) error {
	m.retried.Add(ctx, 1, jobAttrs(r))
	return nil
}

// OnJobCancelled implements hook.JobCancelled.
func (m *MetricsHook) OnJobCancelled(ctx context.Context, r *job.Record) error {
	m.cancelled.Add(ctx, 1, jobAttrs(r))
	return nil
}
