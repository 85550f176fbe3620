package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

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
		return fmt.Errorf("pipeline/sqlite: encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.ProjectID, r.Name, r.Payload, string(r.Status),
		r.Progress, r.Message,
		r.Result, r.Error, r.Attempts, r.MaxAttempts, r.RetryDelay.Nanoseconds(),
		r.WorkerID.String(), md,
		nullTime(r.EnqueuedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return pipeline.ErrJobAlreadyExists
		}
		return fmt.Errorf("pipeline/sqlite: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = ?`,
		jobID.String(),
	)

	r, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("pipeline/sqlite: get job: %w", err)
	}
	return r, nil
}

// UpdateJob persists changes to an existing job record.
func (s *Store) UpdateJob(ctx context.Context, r *job.Record) error {
	md, err := marshalMetadata(r.Metadata)
	if err != nil {
		return fmt.Errorf("pipeline/sqlite: encode metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_jobs SET
			project_id = ?, name = ?, payload = ?, status = ?,
			progress = ?, message = ?, result = ?, error = ?,
			attempts = ?, max_attempts = ?, retry_delay = ?,
			worker_id = ?, metadata = ?,
			enqueued_at = ?, started_at = ?, finished_at = ?,
			updated_at = ?
		WHERE id = ?`,
		r.ProjectID, r.Name, r.Payload, string(r.Status),
		r.Progress, r.Message, r.Result, r.Error,
		r.Attempts, r.MaxAttempts, r.RetryDelay.Nanoseconds(),
		r.WorkerID.String(), md,
		nullTime(r.EnqueuedAt), nullTime(r.StartedAt), nullTime(r.FinishedAt),
		time.Now().UTC(),
		r.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("pipeline/sqlite: update job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// DeleteJob removes a job by ID. Logs cascade via the schema.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pipeline_jobs WHERE id = ?`, jobID.String())
	if err != nil {
		return fmt.Errorf("pipeline/sqlite: delete job: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	query := `SELECT ` + jobColumns + ` FROM pipeline_jobs WHERE 1=1`
	args := []any{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	} else if opts.Offset > 0 {
		// SQLite requires LIMIT before OFFSET.
		query += " LIMIT -1"
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pipeline/sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var records []*job.Record
	for rows.Next() {
		r, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("pipeline/sqlite: scan job row: %w", scanErr)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline/sqlite: iterate job rows: %w", err)
	}
	return records, nil
}

// AppendLog appends a log entry to the job's log.
func (s *Store) AppendLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_job_logs (job_id, ts, level, message, detail)
		SELECT ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM pipeline_jobs WHERE id = ?)`,
		jobID.String(), entry.Timestamp, string(entry.Level), entry.Message, entry.Detail,
		jobID.String(),
	)
	if err != nil {
		return fmt.Errorf("pipeline/sqlite: append log: %w", err)
	}
	rows, _ := res.RowsAffected() //nolint:errcheck // driver always returns nil
	if rows == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// GetLogs returns the job's log entries in append order.
func (s *Store) GetLogs(ctx context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM pipeline_jobs WHERE id = ?)`,
		jobID.String(),
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("pipeline/sqlite: check job: %w", err)
	}
	if !exists {
		return nil, pipeline.ErrJobNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, level, message, detail
		FROM pipeline_job_logs
		WHERE job_id = ?
		ORDER BY id ASC`,
		jobID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("pipeline/sqlite: get logs: %w", err)
	}
	defer rows.Close()

	var entries []job.LogEntry
	for rows.Next() {
		var (
			e        job.LogEntry
			levelStr string
		)
		if err := rows.Scan(&e.Timestamp, &levelStr, &e.Message, &e.Detail); err != nil {
			return nil, fmt.Errorf("pipeline/sqlite: scan log row: %w", err)
		}
		e.Level = job.LogLevel(levelStr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pipeline/sqlite: iterate log rows: %w", err)
	}
	return entries, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM pipeline_jobs WHERE 1=1`
	args := []any{}

	if opts.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, opts.ProjectID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("pipeline/sqlite: count jobs: %w", err)
	}
	return count, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanJob.
type scanner interface {
	Scan(dest ...any) error
}

// scanJob scans a single job row.
func scanJob(row scanner) (*job.Record, error) {
	var (
		r          job.Record
		idStr      string
		statusStr  string
		workerStr  string
		delayNs    int64
		md         sql.NullString
		enqueuedAt sql.NullTime
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&idStr, &r.ProjectID, &r.Name, &r.Payload, &statusStr,
		&r.Progress, &r.Message,
		&r.Result, &r.Error, &r.Attempts, &r.MaxAttempts, &delayNs,
		&workerStr, &md, &enqueuedAt, &startedAt, &finishedAt,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = job.Status(statusStr)
	r.RetryDelay = time.Duration(delayNs)
	r.EnqueuedAt = timePtr(enqueuedAt)
	r.StartedAt = timePtr(startedAt)
	r.FinishedAt = timePtr(finishedAt)

	if md.Valid && md.String != "" {
		if err := json.Unmarshal([]byte(md.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("pipeline/sqlite: decode metadata: %w", err)
		}
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("pipeline/sqlite: parse job id %q: %w", idStr, parseErr)
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

// marshalMetadata encodes job metadata as JSON text. nil maps store as NULL.
func marshalMetadata(md map[string]string) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}


func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
