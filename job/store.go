package job

import (
	"context"

	"github.com/clipforge/pipeline/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// ProjectID filters by project scope. Empty means all projects.
	ProjectID string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// ProjectID filters by project scope. Empty means all projects.
	ProjectID string
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// Store defines the persistence contract for jobs. Every status and
// progress change is written through the store before it is broadcast, so
// the store is always the source of truth.
type Store interface {
	// CreateJob persists a new job record. Returns
	// [pipeline.ErrJobAlreadyExists] if the ID is already present.
	CreateJob(ctx context.Context, r *Record) error

	// GetJob retrieves a job by ID. Returns [pipeline.ErrJobNotFound] if
	// no such job exists.
	GetJob(ctx context.Context, jobID id.JobID) (*Record, error)

	// UpdateJob persists changes to an existing job record.
	UpdateJob(ctx context.Context, r *Record) error

	// DeleteJob removes a job and its logs by ID.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobs returns jobs matching the given options, newest first.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Record, error)

	// AppendLog appends a log entry to the job's append-only log. Entries
	// are never rewritten or reordered.
	AppendLog(ctx context.Context, jobID id.JobID, entry LogEntry) error

	// GetLogs returns the job's log entries in append order.
	GetLogs(ctx context.Context, jobID id.JobID) ([]LogEntry, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
