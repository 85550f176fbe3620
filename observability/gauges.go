package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// RuntimeFuncs supplies the current values for the runtime gauges. Nil
// functions leave the corresponding gauge unreported.
type RuntimeFuncs struct {
	// QueueDepth returns the number of records waiting in the queue.
	QueueDepth func() int64

	// ActiveWorkers returns the number of jobs currently executing.
	ActiveWorkers func() int64

	// Subscribers returns the number of live progress subscribers.
	Subscribers func() int64
}

// RegisterRuntimeGauges registers observable gauges for queue depth, active
// workers, and broker subscribers on the global MeterProvider. The returned
// registration unhooks the callback; callers should Unregister it on
// shutdown.
func RegisterRuntimeGauges(fns RuntimeFuncs) (metric.Registration, error) {
	return RegisterRuntimeGaugesWithMeter(otel.Meter(meterName), fns)
}

// RegisterRuntimeGaugesWithMeter is RegisterRuntimeGauges with an injected
// meter, for testing against an SDK provider.
func RegisterRuntimeGaugesWithMeter(meter metric.Meter, fns RuntimeFuncs) (metric.Registration, error) {
	depth, err := meter.Int64ObservableGauge("pipeline.queue.depth",
		metric.WithDescription("Records waiting in the in-memory queue"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("pipeline.workers.active",
		metric.WithDescription("Jobs currently executing"),
		metric.WithUnit("{job}"))
	if err != nil {
		return nil, err
	}
	subs, err := meter.Int64ObservableGauge("pipeline.broker.subscribers",
		metric.WithDescription("Live progress subscribers"),
		metric.WithUnit("{subscriber}"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if fns.QueueDepth != nil {
			o.ObserveInt64(depth, fns.QueueDepth())
		}
		if fns.ActiveWorkers != nil {
			o.ObserveInt64(active, fns.ActiveWorkers())
		}
		if fns.Subscribers != nil {
			o.ObserveInt64(subs, fns.Subscribers())
		}
		return nil
	}, depth, active, subs)
}
