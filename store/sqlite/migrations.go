package sqlite

// migrations holds the schema statements executed in order by Migrate.
// Statements are idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_jobs (
		id              TEXT PRIMARY KEY,
		project_id      TEXT NOT NULL DEFAULT '',
		name            TEXT NOT NULL,
		payload         BLOB,
		status          TEXT NOT NULL DEFAULT 'pending',
		progress        INTEGER NOT NULL DEFAULT 0,
		message         TEXT NOT NULL DEFAULT '',
		result          BLOB,
		error           TEXT NOT NULL DEFAULT '',
		attempts        INTEGER NOT NULL DEFAULT 0,
		max_attempts    INTEGER NOT NULL DEFAULT 3,
		retry_delay     INTEGER NOT NULL DEFAULT 0,
		worker_id       TEXT NOT NULL DEFAULT '',
		metadata        TEXT,
		enqueued_at     TIMESTAMP,
		started_at      TIMESTAMP,
		finished_at     TIMESTAMP,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_status
		ON pipeline_jobs (status, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_jobs_project
		ON pipeline_jobs (project_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS pipeline_job_logs (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id      TEXT NOT NULL REFERENCES pipeline_jobs(id) ON DELETE CASCADE,
		ts          TIMESTAMP NOT NULL,
		level       TEXT NOT NULL,
		message     TEXT NOT NULL,
		detail      TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_pipeline_job_logs_job
		ON pipeline_job_logs (job_id, id ASC)`,
}
