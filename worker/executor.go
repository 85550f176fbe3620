// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, and a Pool of
// goroutines draining the shared queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/backoff"
	"github.com/clipforge/pipeline/hook"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/middleware"
	"github.com/clipforge/pipeline/queue"
)

// Executor runs a single job through middleware and the registered
// handler, then handles retry scheduling, status updates, and lifecycle
// events. The store is written before any event is emitted, so a crash
// never leaves broadcast state ahead of durable state.
type Executor struct {
	registry *job.Registry
	hooks    *hook.Registry
	store    job.Store
	queue    *queue.Queue
	backoff  backoff.Strategy
	mw       middleware.Middleware
	logger   *slog.Logger

	// fatalFn is invoked when a store write fails. Progress must never
	// silently diverge from durable state, so the process treats this as
	// unrecoverable. Set by the owning Pool.
	fatalFn func(error)

	// retryTimers tracks pending re-enqueue timers by job ID string.
	retryTimers sync.Map
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	hooks *hook.Registry,
	store job.Store,
	q *queue.Queue,
	bo backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if bo == nil {
		bo = backoff.DefaultStrategy()
	}
	return &Executor{
		registry: registry,
		hooks:    hooks,
		store:    store,
		queue:    q,
		backoff:  bo,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job attempt.
// On success: marks completed, emits JobCompleted.
// On failure with retries remaining: re-queues with a linear delay,
// emits JobRetrying.
// On failure with retries exhausted: marks failed, emits JobFailed.
// On context cancellation: marks cancelled, emits JobCancelled.
func (e *Executor) Execute(ctx context.Context, r *job.Record, workerID id.WorkerID) error {
	// Refresh from the store: the job may have been cancelled while it
	// sat in the queue.
	if cur, err := e.store.GetJob(ctx, r.ID); err == nil {
		r = cur
	} else if !errors.Is(err, pipeline.ErrJobNotFound) {
		e.logger.Warn("refresh before execute failed",
			slog.String("job_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
	if r.Status != job.StatusQueued {
		e.logger.Debug("skipping job no longer queued",
			slog.String("job_id", r.ID.String()),
			slog.String("status", string(r.Status)),
		)
		return nil
	}

	handler, ok := e.registry.Get(r.Name)
	if !ok {
		// No retry budget burns on a missing handler: the job fails for
		// good, attempts or not.
		if err := r.MarkFailed(pipeline.ErrHandlerNotFound.Error()); err != nil {
			return err
		}
		if err := e.persist(ctx, r); err != nil {
			return err
		}
		e.hooks.EmitJobFailed(ctx, r, pipeline.ErrHandlerNotFound)
		return fmt.Errorf("%w: %q", pipeline.ErrHandlerNotFound, r.Name)
	}

	r.Attempts++
	r.WorkerID = workerID
	if err := r.Transition(job.StatusInProgress); err != nil {
		return err
	}
	e.appendAttemptLog(ctx, r)
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.hooks.EmitJobStarted(ctx, r)

	// Handlers report progress through the context.
	ctx = job.WithReporter(ctx, &reporter{exec: e, rec: r})

	start := time.Now()
	terminal := func(ctx context.Context) ([]byte, error) {
		return handler(ctx, r.Payload)
	}
	result, err := e.mw(ctx, r, terminal)
	elapsed := time.Since(start)

	// Post-execution persistence must survive the handler context being
	// cancelled.
	finishCtx := context.WithoutCancel(ctx)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return e.handleCancelled(finishCtx, r)
		}
		return e.handleFailure(finishCtx, r, err)
	}

	return e.handleSuccess(finishCtx, r, result, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, r *job.Record, result []byte, elapsed time.Duration) error {
	if err := r.MarkCompleted(result); err != nil {
		return err
	}
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.hooks.EmitJobCompleted(ctx, r, elapsed)
	return nil
}

// handleCancelled finalizes a job whose context was cancelled mid-run.
func (e *Executor) handleCancelled(ctx context.Context, r *job.Record) error {
	if err := r.Transition(job.StatusCancelled); err != nil {
		return err
	}
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.hooks.EmitJobCancelled(ctx, r)
	e.logger.Info("job cancelled during execution",
		slog.String("job_id", r.ID.String()),
		slog.String("job_name", r.Name),
	)
	return nil
}

// handleFailure records the failed attempt and either schedules a retry
// or fails the job for good.
func (e *Executor) handleFailure(ctx context.Context, r *job.Record, handlerErr error) error {
	if err := r.MarkFailed(handlerErr.Error()); err != nil {
		return err
	}

	if !r.Retryable() {
		if err := e.persist(ctx, r); err != nil {
			return err
		}
		e.hooks.EmitJobFailed(ctx, r, handlerErr)
		e.logger.Warn("job failed after exhausting attempts",
			slog.String("job_id", r.ID.String()),
			slog.String("job_name", r.Name),
			slog.Int("attempts", r.Attempts),
			slog.String("error", handlerErr.Error()),
		)
		return handlerErr
	}

	return e.scheduleRetry(ctx, r, handlerErr)
}

// scheduleRetry moves the job back to queued and arms a timer that
// re-enqueues it after the backoff delay. The worker slot frees up
// immediately; only the timer waits.
func (e *Executor) scheduleRetry(ctx context.Context, r *job.Record, handlerErr error) error {
	delay := e.backoff.Delay(r.RetryDelay, r.Attempts)
	nextRunAt := time.Now().UTC().Add(delay)

	if err := r.Transition(job.StatusQueued); err != nil {
		return err
	}
	if err := e.persist(ctx, r); err != nil {
		return err
	}
	e.hooks.EmitJobRetrying(ctx, r, r.Attempts, nextRunAt)

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", r.ID.String()),
		slog.String("job_name", r.Name),
		slog.Int("attempt", r.Attempts),
		slog.Int("max_attempts", r.MaxAttempts),
		slog.Duration("delay", delay),
	)

	jobID := r.ID.String()
	rec := r
	timer := time.AfterFunc(delay, func() {
		e.retryTimers.Delete(jobID)
		if err := e.queue.TryEnqueue(rec); err != nil {
			if errors.Is(err, pipeline.ErrQueueClosed) {
				// Shutting down; the job stays queued in the store and is
				// recovered on the next start.
				return
			}
			// Queue full: fall back to a blocking enqueue off the timer
			// goroutine so the retry is not lost.
			go func() {
				if err := e.queue.Enqueue(context.Background(), rec); err != nil {
					e.logger.Error("retry re-enqueue failed",
						slog.String("job_id", jobID),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	})
	e.retryTimers.Store(jobID, timer)

	return fmt.Errorf("job %s attempt %d/%d: %w", r.Name, r.Attempts, r.MaxAttempts, handlerErr)
}

// CancelRetry stops a pending retry timer for the given job, if any.
// Returns true if a timer was armed and stopped before firing.
func (e *Executor) CancelRetry(jobID id.JobID) bool {
	key := jobID.String()
	if v, ok := e.retryTimers.LoadAndDelete(key); ok {
		return v.(*time.Timer).Stop()
	}
	return false
}

// appendAttemptLog writes the attempt-start line to the job's durable log
// so the full attempt history survives in the store, not just in slog.
func (e *Executor) appendAttemptLog(ctx context.Context, r *job.Record) {
	entry := job.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     job.LogLevelInfo,
		Message:   fmt.Sprintf("attempt %d started", r.Attempts),
		Detail:    fmt.Sprintf("max_attempts=%d worker=%s", r.MaxAttempts, r.WorkerID),
	}
	if err := e.store.AppendLog(ctx, r.ID, entry); err != nil {
		e.logger.Warn("append attempt log failed",
			slog.String("job_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// persist writes the record through the store, escalating failures
// through fatalFn. The store is the source of truth; execution cannot
// continue past a write it cannot trust.
func (e *Executor) persist(ctx context.Context, r *job.Record) error {
	if err := e.store.UpdateJob(ctx, r); err != nil {
		e.logger.Error("store write failed",
			slog.String("job_id", r.ID.String()),
			slog.String("job_name", r.Name),
			slog.String("error", err.Error()),
		)
		wrapped := fmt.Errorf("%w: %v", pipeline.ErrStoreWrite, err)
		if e.fatalFn != nil {
			e.fatalFn(wrapped)
		}
		return wrapped
	}
	return nil
}

// reporter implements job.Reporter backed by the executor's store and
// hook registry. Each progress call is persisted before it is emitted.
type reporter struct {
	exec *Executor
	rec  *job.Record
}

var _ job.Reporter = (*reporter)(nil)

func (rp *reporter) Progress(ctx context.Context, percent int, message string, metadata ...map[string]string) error {
	rp.rec.SetProgress(percent, message)
	for _, m := range metadata {
		rp.rec.MergeMetadata(m)
	}
	if err := rp.exec.persist(ctx, rp.rec); err != nil {
		return err
	}
	rp.exec.hooks.EmitJobProgress(ctx, rp.rec, rp.rec.Progress, rp.rec.Message)
	return nil
}

func (rp *reporter) Log(ctx context.Context, level job.LogLevel, message string, detail ...string) error {
	entry := job.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Detail:    strings.Join(detail, " "),
	}
	if err := rp.exec.store.AppendLog(ctx, rp.rec.ID, entry); err != nil {
		rp.exec.logger.Warn("append job log failed",
			slog.String("job_id", rp.rec.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}
