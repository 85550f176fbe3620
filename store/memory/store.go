package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify the subsystem.
var _ job.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs map[string]*job.Record
	logs map[string][]job.LogEntry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs: make(map[string]*job.Record),
		logs: make(map[string][]job.LogEntry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new job record.
func (m *Store) CreateJob(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.jobs[key]; exists {
		return pipeline.ErrJobAlreadyExists
	}
	m.jobs[key] = r.Clone()
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, pipeline.ErrJobNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	return r.Clone(), nil
}

// UpdateJob persists changes to an existing job record.
func (m *Store) UpdateJob(_ context.Context, r *job.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return pipeline.ErrJobNotFound
	}
	cp := r.Clone()
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// DeleteJob removes a job and its logs by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return pipeline.ErrJobNotFound
	}
	delete(m.jobs, key)
	delete(m.logs, key)
	return nil
}

// ListJobs returns jobs matching the given options, newest first.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Record, 0, len(m.jobs))
	for _, r := range m.jobs {
		if opts.ProjectID != "" && r.ProjectID != opts.ProjectID {
			continue
		}
		if opts.Status != "" && r.Status != opts.Status {
			continue
		}
		result = append(result, r.Clone())
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// AppendLog appends a log entry to the job's log.
func (m *Store) AppendLog(_ context.Context, jobID id.JobID, entry job.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return pipeline.ErrJobNotFound
	}
	m.logs[key] = append(m.logs[key], entry)
	return nil
}

// GetLogs returns the job's log entries in append order.
func (m *Store) GetLogs(_ context.Context, jobID id.JobID) ([]job.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return nil, pipeline.ErrJobNotFound
	}
	entries := make([]job.LogEntry, len(m.logs[key]))
	copy(entries, m.logs[key])
	return entries, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, r := range m.jobs {
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
