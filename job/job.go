package job

import (
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
)

// Status represents the lifecycle status of a job.
type Status string

const (
	// StatusPending means the job record exists but has not been accepted
	// by the queue yet.
	StatusPending Status = "pending"
	// StatusQueued means the job is in the queue waiting for a worker.
	StatusQueued Status = "queued"
	// StatusInProgress means a worker is currently executing the job.
	StatusInProgress Status = "in_progress"
	// StatusCompleted means the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed means the last attempt failed. Failed jobs with retry
	// budget remaining move back to queued.
	StatusFailed Status = "failed"
	// StatusCancelled means the job was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status. Terminal jobs never
// transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusInProgress,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusQueued || next == StatusCancelled
	case StatusQueued:
		return next == StatusInProgress || next == StatusCancelled
	case StatusInProgress:
		return next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusFailed:
		// Retry path: failed jobs re-enter the queue. Exhausted jobs may
		// also be cancelled to stop further retries.
		return next == StatusQueued || next == StatusCancelled
	default:
		return false
	}
}

// LogLevel classifies a job log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is a single append-only log line attached to a job.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
}

// Record is the durable representation of a job. It is the unit persisted
// by a [Store] and the source of truth for status, progress, and outcome.
type Record struct {
	pipeline.Entity

	ID        id.JobID `json:"id"`
	ProjectID string   `json:"project_id,omitempty"`
	Name      string   `json:"name"`
	Payload   []byte   `json:"payload,omitempty"`

	Status   Status `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`

	// Result holds the handler output for completed jobs. Error holds the
	// failure reason for failed jobs. At most one of the two is set.
	Result []byte `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay"`

	WorkerID id.WorkerID       `json:"worker_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// New creates a pending Record for the named handler with the given raw
// payload and options applied.
func New(name string, payload []byte, opts Options) *Record {
	return &Record{
		Entity:      pipeline.NewEntity(),
		ID:          id.NewJobID(),
		ProjectID:   opts.ProjectID,
		Name:        name,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: opts.MaxAttempts,
		RetryDelay:  opts.RetryDelay,
		Metadata:    opts.Metadata,
	}
}

// Transition moves the record to next, stamping timestamps as it goes.
// Returns [pipeline.ErrInvalidTransition] if the state machine forbids the
// move and [pipeline.ErrJobTerminal] if the record is already final.
func (r *Record) Transition(next Status) error {
	if r.Status.Terminal() {
		return pipeline.ErrJobTerminal
	}
	if !r.Status.CanTransition(next) {
		return pipeline.ErrInvalidTransition
	}
	now := time.Now().UTC()
	switch next {
	case StatusQueued:
		if r.EnqueuedAt == nil {
			r.EnqueuedAt = &now
		}
		// Re-queue after a failed attempt: the job is live again.
		r.FinishedAt = nil
	case StatusInProgress:
		r.StartedAt = &now
		// Progress is per-attempt: a retry starts over from zero.
		r.Progress = 0
	case StatusCompleted, StatusFailed, StatusCancelled:
		r.FinishedAt = &now
	}
	r.Status = next
	r.Touch()
	return nil
}

// SetProgress records handler-reported progress. The percentage is clamped
// to [0,100] and never moves backward; a stale lower value only updates the
// message.
func (r *Record) SetProgress(percent int, message string) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > r.Progress {
		r.Progress = percent
	}
	if message != "" {
		r.Message = message
	}
	r.Touch()
}

// MergeMetadata folds the given keys into the record's metadata map,
// overwriting existing keys. A nil or empty map is a no-op.
func (r *Record) MergeMetadata(m map[string]string) {
	if len(m) == 0 {
		return
	}
	if r.Metadata == nil {
		r.Metadata = make(map[string]string, len(m))
	}
	for k, v := range m {
		r.Metadata[k] = v
	}
	r.Touch()
}

// MarkCompleted finalizes the record as completed with the handler result.
// Progress snaps to 100 and any prior error is cleared.
func (r *Record) MarkCompleted(result []byte) error {
	if err := r.Transition(StatusCompleted); err != nil {
		return err
	}
	r.Progress = 100
	r.Result = result
	r.Error = ""
	return nil
}

// MarkFailed records a failed attempt with the failure reason. Any prior
// result is cleared.
func (r *Record) MarkFailed(reason string) error {
	if err := r.Transition(StatusFailed); err != nil {
		return err
	}
	r.Error = reason
	r.Result = nil
	return nil
}

// Retryable reports whether the record has retry budget remaining.
func (r *Record) Retryable() bool {
	return r.Attempts < r.MaxAttempts
}

// NextRetryDelay returns the wait before the next attempt. The delay grows
// linearly with the number of completed attempts.
func (r *Record) NextRetryDelay() time.Duration {
	return r.RetryDelay * time.Duration(r.Attempts)
}

// Clone returns a deep copy of the record. Stores and the broadcaster hand
// out clones so callers can never mutate shared state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.Result != nil {
		c.Result = append([]byte(nil), r.Result...)
	}
	if r.Metadata != nil {
		c.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			c.Metadata[k] = v
		}
	}
	if r.EnqueuedAt != nil {
		t := *r.EnqueuedAt
		c.EnqueuedAt = &t
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}
