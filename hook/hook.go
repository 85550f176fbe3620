// Package hook defines the lifecycle hook system for the pipeline.
// Hooks are notified of lifecycle events (job enqueued, progress,
// completed, failed, etc.) and can react to them — logging, metrics,
// broadcasting, audit trails.
//
// Each lifecycle event is a separate interface so hooks opt in only to
// the events they care about.
package hook

import (
	"context"
	"time"

	"github.com/clipforge/pipeline/job"
)

// Hook is the base interface all hooks must implement.
type Hook interface {
	// Name returns a unique human-readable name for the hook.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is accepted by the queue.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, r *job.Record) error
}

// JobStarted is called when a worker begins executing a job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, r *job.Record) error
}

// JobProgress is called when a handler reports progress.
type JobProgress interface {
	OnJobProgress(ctx context.Context, r *job.Record, percent int, message string) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, r *job.Record, elapsed time.Duration) error
}

// JobFailed is called when a job fails terminally (no more retries).
type JobFailed interface {
	OnJobFailed(ctx context.Context, r *job.Record, err error) error
}

// JobRetrying is called when an attempt fails but the job is scheduled
// for retry.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, r *job.Record, attempt int, nextRunAt time.Time) error
}

// JobCancelled is called when a job is cancelled, whether it was still
// queued or already running.
type JobCancelled interface {
	OnJobCancelled(ctx context.Context, r *job.Record) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
