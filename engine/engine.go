// Package engine wires all pipeline subsystems together: the queue, worker
// pool, hook registry, progress broker, and job registry, exposed through
// Enqueue/Get/List/Cancel/Requeue operations.
//
// This package exists to break the import cycle: the root pipeline package
// defines Entity (imported by job, broadcast, etc.) and so cannot import
// those packages back. The engine package sits above all subsystem packages
// and below the transport and application layers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/backoff"
	"github.com/clipforge/pipeline/broadcast"
	"github.com/clipforge/pipeline/hook"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
	mw "github.com/clipforge/pipeline/middleware"
	"github.com/clipforge/pipeline/observability"
	"github.com/clipforge/pipeline/queue"
	"github.com/clipforge/pipeline/scope"
	"github.com/clipforge/pipeline/worker"
)

// Engine wraps a Coordinator with typed subsystem access.
// Use Build() to create one from a Coordinator.
type Engine struct {
	c        *pipeline.Coordinator
	hooks    *hook.Registry
	registry *job.Registry
	jobStore job.Store
	broker   *broadcast.Broker
	queue    *queue.Queue
	limiter  *queue.Limiter
	bo       backoff.Strategy
	executor *worker.Executor
	pool     *worker.Pool
	mws      []mw.Middleware
	logger   *slog.Logger

	gauges metric.Registration

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithHook registers a lifecycle hook with the engine.
func WithHook(h hook.Hook) Option {
	return func(eng *Engine) {
		eng.hooks.Register(h)
	}
}

// WithMiddleware adds middleware to the engine's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy for the engine.
// If not set, backoff.DefaultStrategy() (linear, uncapped) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithLimits registers per-project rate limits and concurrency caps.
// Projects not listed have no limits.
func WithLimits(configs ...queue.LimitConfig) Option {
	return func(eng *Engine) {
		eng.limiter = queue.NewLimiter(configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// When set, the tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, the metrics middleware, the metrics hook, and the runtime
// gauges all use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Coordinator.
// The Coordinator's store must implement job.Store.
func Build(c *pipeline.Coordinator, opts ...Option) (*Engine, error) {
	logger := c.Logger()
	store := c.Store()

	if store == nil {
		return nil, pipeline.ErrNoStore
	}
	js, ok := store.(job.Store)
	if !ok {
		return nil, fmt.Errorf("pipeline: store does not implement job.Store")
	}

	config := c.Config()
	eng := &Engine{
		c:        c,
		hooks:    hook.NewRegistry(logger),
		registry: job.NewRegistry(),
		jobStore: js,
		queue:    queue.New(config.QueueSize),
		logger:   logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	// Default backoff strategy if none provided.
	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	// The broker fans job updates out to live subscribers. It listens to
	// the same lifecycle events as every other hook.
	eng.broker = broadcast.NewBroker(logger)
	eng.hooks.Register(eng.broker)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracer := eng.tracerProvider.Tracer("github.com/clipforge/pipeline")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware and the lifecycle metrics hook.
	var metricsMw mw.Middleware
	var metricsHook *observability.MetricsHook
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/clipforge/pipeline")
		metricsMw = mw.MetricsWithMeter(meter)
		metricsHook = observability.NewMetricsHookWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
		metricsHook = observability.NewMetricsHook()
	}
	eng.hooks.Register(metricsHook)

	// Default middleware stack: recover → tracing → metrics → logging → scope.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Scope(),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	eng.executor = worker.NewExecutor(eng.registry, eng.hooks, eng.jobStore, eng.queue, eng.bo, logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithConcurrency(config.Concurrency),
	}
	if eng.limiter != nil {
		poolOpts = append(poolOpts, worker.WithLimiter(eng.limiter))
	}
	eng.pool = worker.NewPool(eng.queue, eng.executor, logger, poolOpts...)

	// Wire back into the Coordinator.
	c.SetPool(eng.pool)
	c.SetHooks(eng.hooks)

	return eng, nil
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a JSON-encoded payload.
func Enqueue[T any](ctx context.Context, eng *Engine, name string, payload T, opts ...job.Option) (*job.Record, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for job %q: %w", name, err)
	}
	return eng.EnqueueRaw(ctx, name, data, opts...)
}

// EnqueueRaw enqueues a job with a pre-serialized payload. It persists the
// record before handing it to the queue; when the queue is full the call
// blocks until a slot opens or ctx is cancelled. Use TryEnqueueRaw for a
// non-blocking variant.
func (eng *Engine) EnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Record, error) {
	return eng.enqueueRaw(ctx, name, payload, eng.queue.Enqueue, opts...)
}

// TryEnqueueRaw is EnqueueRaw without backpressure blocking: a full queue
// returns [pipeline.ErrQueueFull] immediately.
func (eng *Engine) TryEnqueueRaw(ctx context.Context, name string, payload []byte, opts ...job.Option) (*job.Record, error) {
	tryFn := func(_ context.Context, r *job.Record) error {
		return eng.queue.TryEnqueue(r)
	}
	return eng.enqueueRaw(ctx, name, payload, tryFn, opts...)
}

func (eng *Engine) enqueueRaw(
	ctx context.Context,
	name string,
	payload []byte,
	push func(context.Context, *job.Record) error,
	opts ...job.Option,
) (*job.Record, error) {
	// Per-name defaults from the registry, then config defaults for jobs
	// registered without explicit retry settings, then call-site options.
	config := eng.c.Config()
	jobOpts := eng.registry.Options(name)
	if _, registered := eng.registry.Get(name); !registered {
		jobOpts.MaxAttempts = config.DefaultMaxAttempts
		jobOpts.RetryDelay = config.DefaultRetryDelay
	}
	for _, opt := range opts {
		opt(&jobOpts)
	}
	if jobOpts.ProjectID == "" {
		jobOpts.ProjectID = scope.Capture(ctx)
	}

	if eng.limiter != nil && !eng.limiter.Allow(jobOpts.ProjectID) {
		return nil, pipeline.ErrRateLimited
	}

	r := job.New(name, payload, jobOpts)
	if err := eng.jobStore.CreateJob(ctx, r); err != nil {
		return nil, err
	}

	if err := r.Transition(job.StatusQueued); err != nil {
		return nil, err
	}
	if err := eng.jobStore.UpdateJob(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrStoreWrite, err)
	}

	if err := push(ctx, r); err != nil {
		// The record stays pending in the store; crash recovery picks it
		// up on the next start if the caller does not retry.
		r.Status = job.StatusPending
		r.EnqueuedAt = nil
		if revertErr := eng.jobStore.UpdateJob(context.WithoutCancel(ctx), r); revertErr != nil {
			eng.logger.Error("failed to revert unqueued job",
				slog.String("job_id", r.ID.String()),
				slog.String("error", revertErr.Error()),
			)
		}
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, r)
	return r.Clone(), nil
}

// Get returns the job with the given ID.
func (eng *Engine) Get(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return eng.jobStore.GetJob(ctx, jobID)
}

// List returns jobs matching the given filters, newest first.
func (eng *Engine) List(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	return eng.jobStore.ListJobs(ctx, opts)
}

// Logs returns the handler-emitted log entries for a job in append order.
func (eng *Engine) Logs(ctx context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	return eng.jobStore.GetLogs(ctx, jobID)
}

// Cancel cancels a job wherever it currently is: a pending retry timer is
// stopped, a running job has its context cancelled (cooperative; the record
// flips when the handler observes it), and a pending or queued job is
// finalized directly. Cancelling a completed job returns
// [pipeline.ErrJobTerminal].
func (eng *Engine) Cancel(ctx context.Context, jobID id.JobID) error {
	r, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch r.Status {
	case job.StatusInProgress:
		if eng.pool.CancelJob(jobID) {
			return nil
		}
		// Not on this pool (stale record from a dead process). Finalize
		// directly so the record does not stay in_progress forever.
		return eng.finalizeCancel(ctx, r)

	case job.StatusFailed:
		// A failed job with budget left has a retry timer pending.
		eng.executor.CancelRetry(jobID)
		return eng.finalizeCancel(ctx, r)

	case job.StatusPending, job.StatusQueued:
		// Queued records are skipped by the executor once the store says
		// cancelled, so the stale queue entry is harmless.
		return eng.finalizeCancel(ctx, r)

	default:
		return pipeline.ErrJobTerminal
	}
}

func (eng *Engine) finalizeCancel(ctx context.Context, r *job.Record) error {
	if err := r.Transition(job.StatusCancelled); err != nil {
		return err
	}
	if err := eng.jobStore.UpdateJob(ctx, r); err != nil {
		return fmt.Errorf("%w: %v", pipeline.ErrStoreWrite, err)
	}
	eng.hooks.EmitJobCancelled(ctx, r)
	return nil
}

// Requeue re-runs a terminally failed or cancelled job: the retry budget,
// progress, and outcome fields are reset and the record re-enters the queue
// as a fresh attempt. Jobs in any other status are rejected.
func (eng *Engine) Requeue(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	r, err := eng.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if r.Status != job.StatusFailed && r.Status != job.StatusCancelled {
		return nil, fmt.Errorf("%w: requeue %s: job is %s, not failed or cancelled",
			pipeline.ErrInvalidTransition, jobID, r.Status)
	}

	// A failed job may still have a retry timer armed; requeue supersedes it.
	eng.executor.CancelRetry(jobID)

	r.Status = job.StatusQueued
	r.Attempts = 0
	r.Progress = 0
	r.Message = ""
	r.Result = nil
	r.Error = ""
	r.WorkerID = id.WorkerID{}
	r.StartedAt = nil
	r.FinishedAt = nil
	now := time.Now().UTC()
	r.EnqueuedAt = &now
	r.Touch()

	if err := eng.jobStore.UpdateJob(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrStoreWrite, err)
	}
	if err := eng.queue.Enqueue(ctx, r); err != nil {
		return nil, err
	}

	eng.hooks.EmitJobEnqueued(ctx, r)
	return r.Clone(), nil
}

// Stats reports a point-in-time snapshot of the pipeline.
type Stats struct {
	QueueDepth    int                  `json:"queue_depth"`
	QueueCapacity int                  `json:"queue_capacity"`
	ActiveWorkers int                  `json:"active_workers"`
	Subscribers   int                  `json:"subscribers"`
	Topics        int                  `json:"topics"`
	Jobs          map[job.Status]int64 `json:"jobs"`
}

// Stats returns current queue, worker, broker, and store counts.
func (eng *Engine) Stats(ctx context.Context) (*Stats, error) {
	bs := eng.broker.Stats()
	s := &Stats{
		QueueDepth:    eng.queue.Len(),
		QueueCapacity: eng.queue.Cap(),
		ActiveWorkers: eng.pool.ActiveCount(),
		Subscribers:   bs.SubscriberCount,
		Topics:        bs.TopicCount,
		Jobs:          make(map[job.Status]int64, 6),
	}
	for _, status := range []job.Status{
		job.StatusPending, job.StatusQueued, job.StatusInProgress,
		job.StatusCompleted, job.StatusFailed, job.StatusCancelled,
	} {
		n, err := eng.jobStore.CountJobs(ctx, job.CountOpts{Status: status})
		if err != nil {
			return nil, err
		}
		s.Jobs[status] = n
	}
	return s, nil
}

// Start begins job processing: the worker pool spins up, the runtime
// gauges are registered, and orphaned records from a previous process are
// re-enqueued. The pool starts first so recovery can exceed the queue
// capacity without deadlocking on its own backpressure. A fatal store-write
// failure after Start surfaces on Fatal().
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.c.Start(ctx); err != nil {
		return err
	}

	fns := observability.RuntimeFuncs{
		QueueDepth:    func() int64 { return int64(eng.queue.Len()) },
		ActiveWorkers: func() int64 { return int64(eng.pool.ActiveCount()) },
		Subscribers:   func() int64 { return int64(eng.broker.Stats().SubscriberCount) },
	}
	var reg metric.Registration
	var err error
	if eng.meterProvider != nil {
		meter := eng.meterProvider.Meter("github.com/clipforge/pipeline/observability")
		reg, err = observability.RegisterRuntimeGaugesWithMeter(meter, fns)
	} else {
		reg, err = observability.RegisterRuntimeGauges(fns)
	}
	if err != nil {
		eng.logger.Warn("failed to register runtime gauges", slog.String("error", err.Error()))
	} else {
		eng.gauges = reg
	}

	if err := eng.recoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the engine: the queue stops accepting records,
// in-flight jobs get the shutdown grace period, and the coordinator closes
// the hooks and store.
func (eng *Engine) Stop(ctx context.Context) error {
	eng.queue.Close()
	if eng.gauges != nil {
		if err := eng.gauges.Unregister(); err != nil {
			eng.logger.Warn("failed to unregister runtime gauges", slog.String("error", err.Error()))
		}
	}
	return eng.c.Stop(ctx)
}

// Fatal surfaces unrecoverable runtime errors, currently store-write
// failures during execution. Receiving from it, shutting down, and exiting
// is the only safe response.
func (eng *Engine) Fatal() <-chan error {
	return eng.pool.Fatal()
}

// recoverOrphans re-enqueues records a previous process left behind:
// pending jobs that never reached the queue, queued jobs whose queue entry
// died with the process, and in_progress jobs whose worker died. Records
// are re-queued oldest first so recovered work keeps its rough ordering.
func (eng *Engine) recoverOrphans(ctx context.Context) error {
	for _, status := range []job.Status{job.StatusPending, job.StatusQueued, job.StatusInProgress} {
		jobs, err := eng.jobStore.ListJobs(ctx, job.ListOpts{Status: status})
		if err != nil {
			return err
		}
		// ListJobs returns newest first; walk backwards.
		for i := len(jobs) - 1; i >= 0; i-- {
			r := jobs[i]
			if r.Status != job.StatusQueued {
				// in_progress cannot transition to queued directly; the
				// interrupted attempt is counted as spent.
				r.Status = job.StatusQueued
				r.WorkerID = id.WorkerID{}
				r.StartedAt = nil
				if r.EnqueuedAt == nil {
					now := time.Now().UTC()
					r.EnqueuedAt = &now
				}
				r.Touch()
				if err := eng.jobStore.UpdateJob(ctx, r); err != nil {
					return fmt.Errorf("%w: %v", pipeline.ErrStoreWrite, err)
				}
			}
			if err := eng.queue.Enqueue(ctx, r); err != nil {
				if errors.Is(err, pipeline.ErrQueueClosed) {
					return err
				}
				return fmt.Errorf("re-enqueue job %s: %w", r.ID, err)
			}
			eng.logger.Info("recovered orphaned job",
				slog.String("job_id", r.ID.String()),
				slog.String("name", r.Name),
				slog.String("previous_status", string(status)),
			)
		}
	}
	return nil
}

// Hooks returns the hook registry.
func (eng *Engine) Hooks() *hook.Registry { return eng.hooks }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Broker returns the progress broker.
func (eng *Engine) Broker() *broadcast.Broker { return eng.broker }

// Store returns the job store.
func (eng *Engine) Store() job.Store { return eng.jobStore }

// Coordinator returns the underlying Coordinator.
func (eng *Engine) Coordinator() *pipeline.Coordinator { return eng.c }

// Limiter returns the project limiter, or nil if no limits were configured.
func (eng *Engine) Limiter() *queue.Limiter { return eng.limiter }
