package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

const jobColumns = `
	id, project_id, name, payload, status, progress, message,
	result, error, attempts, max_attempts, retry_delay,
	worker_id, metadata, enqueued_at, started_at, finished_at,
	created_at, updated_at`

// CreateJob persists a new job record.
func (s *Store) CreateJob(ctx context.Context, r *job.Record) error {
	md, err := marshalMetadata(r.Metadata)
	if err != nil {
		return fmt.Errorf("pipeline/postgres: encode metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_jobs (`+jobColumns+`)
		VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		r.ID.String(), r.ProjectID, r.Name, r.Payload, string(r.Status),
		r.Progress, r.Message,
		r.Result, r.Error, r.Attempts, r.MaxAttempts, r.RetryDelay.Nanoseconds(),
		r.WorkerID.String(), md, r.EnqueuedAt, r.StartedAt, r.FinishedAt,
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return pipeline.ErrJobAlreadyExists
		}
		return fmt.Errorf("pipeline/postgres: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`,
		jobID.String(),
	)

	r, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("pipeline/postgres: get job: %w", err)
	}
	return r, nil
}

// UpdateJob persists changes to an existing job record.
func (s *Store) UpdateJob(ctx context.Context, r *job.Record) error {
	md, err := marshalMetadata(r.Metadata)
	if err != nil {
		return fmt.Errorf("pipeline/postgres: encode metadata: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pipeline_jobs SET
			project_id = $2, name = $3, payload = $4, status = $5,
			progress = $6, message = $7, result = $8, error = $9,
			attempts = $10, max_attempts = $11, retry_delay = $12,
			worker_id = $13, metadata = $14,
			enqueued_at = $15, started_at = $16, finished_at = $17,
			updated_at = NOW()
		WHERE id = $1`,
		r.ID.String(), r.ProjectID, r.Name, r.Payload, string(r.Status),
		r.Progress, r.Message, r.Result, r.Error,
		r.Attempts, r.MaxAttempts, r.RetryDelay.Nanoseconds(),
		r.WorkerID.String(), md,
		r.EnqueuedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("pipeline/postgres: update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID. Logs cascade via the schema.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM pipeline_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return fmt.Errorf("pipeline/postgres: delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, opts.ProjectID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// AppendLog appends a log entry to the job's log.
func (s *Store) AppendLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO pipeline_job_logs (job_id, ts, level, message, detail)
		SELECT $1, $2, $3, $4, $5
		WHERE EXISTS (SELECT 1 FROM pipeline_jobs WHERE id = $1)`,
		jobID.String(), entry.Timestamp, string(entry.Level), entry.Message, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("pipeline/postgres: append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// GetLogs returns the job's log entries in append order.
func (s *Store) GetLogs(ctx context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM pipeline_jobs WHERE id = $1)`,
		jobID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pipeline/postgres: check job: %w", err)
	}
	if !exists {
		return nil, pipeline.ErrJobNotFound
	}

	rows, err := s.pool.Query(ctx, `
		SELECT ts, level, message, detail
		FROM pipeline_job_logs
		WHERE job_id = $1
		ORDER BY id ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline/postgres: get logs: %w", err)
	}
	defer rows.Close()

	var entries []job.LogEntry
	for rows.Next() {
		var (
			e        job.LogEntry
			levelStr string
		)
		if err := rows.Scan(&e.Timestamp, &levelStr, &e.Message, &e.Detail); err != nil {
			return nil, fmt.Errorf("pipeline/postgres: scan log row: %w", err)
		}
		e.Level = job.LogLevel(levelStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline/postgres: iterate log rows: %w", err)
	}
	return entries, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM pipeline_jobs WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.ProjectID != "" {
		query += fmt.Sprintf(" AND project_id = $%d", argIdx)
		args = append(args, opts.ProjectID)
		argIdx++
	}
	if opts.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("pipeline/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Record, error) {
	var (
		r         job.Record
		idStr     string
		statusStr string
		workerStr string
		delayNs   int64
		md        []byte
	)
	err := row.Scan(
		&idStr, &r.ProjectID, &r.Name, &r.Payload, &statusStr,
		&r.Progress, &r.Message,
		&r.Result, &r.Error, &r.Attempts, &r.MaxAttempts, &delayNs,
		&workerStr, &md, &r.EnqueuedAt, &r.StartedAt, &r.FinishedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = job.Status(statusStr)
	r.RetryDelay = time.Duration(delayNs)

	if len(md) > 0 {
		if err := json.Unmarshal(md, &r.Metadata); err != nil {
			return nil, fmt.Errorf("pipeline/postgres: decode metadata: %w", err)
		}
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pipeline/postgres: parse job id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	if workerStr != "" {
		parsedWorker, workerErr := id.ParseWorkerID(workerStr)
		if workerErr == nil {
			r.WorkerID = parsedWorker
		}
	}

	return &r, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Record, error) {
	var records []*job.Record
	for rows.Next() {
		r, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("pipeline/postgres: scan job row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline/postgres: iterate job rows: %w", err)
	}
	return records, nil
}

// marshalMetadata encodes job metadata as JSON for the jsonb column.
// nil maps store as NULL.
func marshalMetadata(md map[string]string) ([]byte, error) {
	if len(md) == 0 {
		return nil, nil
	}
	return json.Marshal(md)
}

