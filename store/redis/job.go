package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

// CreateJob stores the record as a Hash and adds it to the ID index.
func (s *Store) CreateJob(ctx context.Context, r *job.Record) error {
	jID := r.ID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipeline/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return pipeline.ErrJobAlreadyExists
	}

	fields, err := jobToMap(r)
	if err != nil {
		return fmt.Errorf("pipeline/redis: encode job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.SAdd(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline/redis: create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Record, error) {
	return s.getJobByKey(ctx, jobKey(jobID.String()))
}

// UpdateJob persists changes to an existing job record.
func (s *Store) UpdateJob(ctx context.Context, r *job.Record) error {
	key := jobKey(r.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipeline/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return pipeline.ErrJobNotFound
	}

	fields, err := jobToMap(r)
	if err != nil {
		return fmt.Errorf("pipeline/redis: encode job: %w", err)
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	// Timestamps that went back to nil must clear their fields.
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	for _, field := range []string{"enqueued_at", "started_at", "finished_at"} {
		if _, ok := fields[field]; !ok {
			pipe.HDel(ctx, key, field)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline/redis: update job: %w", err)
	}
	return nil
}

// DeleteJob removes a job, its index entry, and its logs.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jID := jobID.String()
	key := jobKey(jID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("pipeline/redis: delete job exists: %w", err)
	}
	if exists == 0 {
		return pipeline.ErrJobNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, jobLogsKey(jID))
	pipe.SRem(ctx, jobIDsKey, jID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("pipeline/redis: delete job: %w", err)
	}
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Record, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline/redis: list jobs smembers: %w", err)
	}

	records := make([]*job.Record, 0, len(ids))
	for _, jID := range ids {
		r, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.ProjectID != "" && r.ProjectID != opts.ProjectID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		records = append(records, r)
	}

	sort.Slice(records, func(i, k int) bool {
		return records[i].CreatedAt.After(records[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(records) {
			return nil, nil
		}
		records = records[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records, nil
}

// AppendLog pushes a JSON-encoded entry onto the job's log list.
func (s *Store) AppendLog(ctx context.Context, jobID id.JobID, entry job.LogEntry) error {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return fmt.Errorf("pipeline/redis: append log exists: %w", err)
	}
	if exists == 0 {
		return pipeline.ErrJobNotFound
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pipeline/redis: encode log entry: %w", err)
	}
	if err := s.client.RPush(ctx, jobLogsKey(jID), data).Err(); err != nil {
		return fmt.Errorf("pipeline/redis: append log: %w", err)
	}
	return nil
}

// GetLogs returns the job's log entries in append order.
func (s *Store) GetLogs(ctx context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	jID := jobID.String()

	exists, err := s.client.Exists(ctx, jobKey(jID)).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline/redis: get logs exists: %w", err)
	}
	if exists == 0 {
		return nil, pipeline.ErrJobNotFound
	}

	raw, err := s.client.LRange(ctx, jobLogsKey(jID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("pipeline/redis: get logs: %w", err)
	}

	entries := make([]job.LogEntry, 0, len(raw))
	for _, item := range raw {
		var e job.LogEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("pipeline/redis: decode log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	// Fast path: no filters means the index cardinality is the answer.
	if opts.ProjectID == "" && opts.Status == "" {
		n, err := s.client.SCard(ctx, jobIDsKey).Result()
		if err != nil {
			return 0, fmt.Errorf("pipeline/redis: count scard: %w", err)
		}
		return n, nil
	}

	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("pipeline/redis: count smembers: %w", err)
	}

	var count int64
	for _, jID := range ids {
		r, getErr := s.getJobByKey(ctx, jobKey(jID))
		if getErr != nil {
			continue
		}
		if opts.ProjectID != "" && r.ProjectID != opts.ProjectID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// ── helpers ──

func jobToMap(r *job.Record) (map[string]any, error) {
	m := map[string]any{
		"id":           r.ID.String(),
		"project_id":   r.ProjectID,
		"name":         r.Name,
		"payload":      string(r.Payload),
		"status":       string(r.Status),
		"progress":     strconv.Itoa(r.Progress),
		"message":      r.Message,
		"result":       string(r.Result),
		"error":        r.Error,
		"attempts":     strconv.Itoa(r.Attempts),
		"max_attempts": strconv.Itoa(r.MaxAttempts),
		"retry_delay":  strconv.FormatInt(int64(r.RetryDelay), 10),
		"worker_id":    r.WorkerID.String(),
		"created_at":   r.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   r.UpdatedAt.Format(time.RFC3339Nano),
	}
	if len(r.Metadata) > 0 {
		md, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, err
		}
		m["metadata"] = string(md)
	}
	if r.EnqueuedAt != nil {
		m["enqueued_at"] = r.EnqueuedAt.Format(time.RFC3339Nano)
	}
	if r.StartedAt != nil {
		m["started_at"] = r.StartedAt.Format(time.RFC3339Nano)
	}
	if r.FinishedAt != nil {
		m["finished_at"] = r.FinishedAt.Format(time.RFC3339Nano)
	}
	return m, nil
}

func (s *Store) getJobByKey(ctx context.Context, key string) (*job.Record, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, pipeline.ErrJobNotFound
		}
		return nil, fmt.Errorf("pipeline/redis: get job: %w", err)
	}
	if len(vals) == 0 {
		return nil, pipeline.ErrJobNotFound
	}
	return mapToJob(vals)
}

func mapToJob(m map[string]string) (*job.Record, error) {
	jID, err := id.ParseJobID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("pipeline/redis: parse job id: %w", err)
	}

	progress, _ := strconv.Atoi(m["progress"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	attempts, _ := strconv.Atoi(m["attempts"])                 //nolint:errcheck // best-effort parse from trusted Redis data
	maxAttempts, _ := strconv.Atoi(m["max_attempts"])          //nolint:errcheck // best-effort parse from trusted Redis data
	delayNs, _ := strconv.ParseInt(m["retry_delay"], 10, 64)   //nolint:errcheck // best-effort parse from trusted Redis data

	r := &job.Record{
		ID:          jID,
		ProjectID:   m["project_id"],
		Name:        m["name"],
		Status:      job.Status(m["status"]),
		Progress:    progress,
		Message:     m["message"],
		Error:       m["error"],
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		RetryDelay:  time.Duration(delayNs),
	}
	if m["payload"] != "" {
		r.Payload = []byte(m["payload"])
	}
	if m["result"] != "" {
		r.Result = []byte(m["result"])
	}
	if m["metadata"] != "" {
		if err := json.Unmarshal([]byte(m["metadata"]), &r.Metadata); err != nil {
			return nil, fmt.Errorf("pipeline/redis: decode metadata: %w", err)
		}
	}
	if m["worker_id"] != "" {
		if w, wErr := id.ParseWorkerID(m["worker_id"]); wErr == nil {
			r.WorkerID = w
		}
	}

	r.CreatedAt = parseTime(m["created_at"])
	r.UpdatedAt = parseTime(m["updated_at"])
	r.EnqueuedAt = parseTimePtr(m["enqueued_at"])
	r.StartedAt = parseTimePtr(m["started_at"])
	r.FinishedAt = parseTimePtr(m["finished_at"])

	return r, nil
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // zero time for missing fields
	return t
}

func parseTimePtr(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}
