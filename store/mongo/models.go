package mongo

import (
	"fmt"
	"time"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

// now returns the current UTC time, the timezone all stored timestamps use.
func now() time.Time {
	return time.Now().UTC()
}

// ── Job model ─────────────────────────────────────────────────────

type jobModel struct {
	ID          string            `bson:"_id"`
	ProjectID   string            `bson:"project_id,omitempty"`
	Name        string            `bson:"name"`
	Payload     []byte            `bson:"payload,omitempty"`
	Status      string            `bson:"status"`
	Progress    int               `bson:"progress"`
	Message     string            `bson:"message,omitempty"`
	Result      []byte            `bson:"result,omitempty"`
	Error       string            `bson:"error,omitempty"`
	Attempts    int               `bson:"attempts"`
	MaxAttempts int               `bson:"max_attempts"`
	RetryDelay  int64             `bson:"retry_delay"`
	WorkerID    string            `bson:"worker_id,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	Logs        []logModel        `bson:"logs,omitempty"`
	EnqueuedAt  *time.Time        `bson:"enqueued_at,omitempty"`
	StartedAt   *time.Time        `bson:"started_at,omitempty"`
	FinishedAt  *time.Time        `bson:"finished_at,omitempty"`
	CreatedAt   time.Time         `bson:"created_at"`
	UpdatedAt   time.Time         `bson:"updated_at"`
}

type logModel struct {
	Timestamp time.Time `bson:"ts"`
	Level     string    `bson:"level"`
	Message   string    `bson:"message"`
	Detail    string    `bson:"detail,omitempty"`
}

func toJobModel(r *job.Record) *jobModel {
	return &jobModel{
		ID:          r.ID.String(),
		ProjectID:   r.ProjectID,
		Name:        r.Name,
		Payload:     r.Payload,
		Status:      string(r.Status),
		Progress:    r.Progress,
		Message:     r.Message,
		Result:      r.Result,
		Error:       r.Error,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		RetryDelay:  r.RetryDelay.Nanoseconds(),
		WorkerID:    r.WorkerID.String(),
		Metadata:    r.Metadata,
		EnqueuedAt:  r.EnqueuedAt,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func fromJobModel(m *jobModel) (*job.Record, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("pipeline/mongo: parse job id %q: %w", m.ID, err)
	}

	r := &job.Record{
		Entity: pipeline.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:          parsedID,
		ProjectID:   m.ProjectID,
		Name:        m.Name,
		Payload:     m.Payload,
		Status:      job.Status(m.Status),
		Progress:    m.Progress,
		Message:     m.Message,
		Result:      m.Result,
		Error:       m.Error,
		Attempts:    m.Attempts,
		MaxAttempts: m.MaxAttempts,
		RetryDelay:  time.Duration(m.RetryDelay),
		Metadata:    m.Metadata,
		EnqueuedAt:  m.EnqueuedAt,
		StartedAt:   m.StartedAt,
		FinishedAt:  m.FinishedAt,
	}

	if m.WorkerID != "" {
		if w, wErr := id.ParseWorkerID(m.WorkerID); wErr == nil {
			r.WorkerID = w
		}
	}

	return r, nil
}

func toLogModel(e job.LogEntry) logModel {
	return logModel{
		Timestamp: e.Timestamp,
		Level:     string(e.Level),
		Message:   e.Message,
		Detail:    e.Detail,
	}
}

func fromLogModels(models []logModel) []job.LogEntry {
	entries := make([]job.LogEntry, len(models))
	for i, m := range models {
		entries[i] = job.LogEntry{
			Timestamp: m.Timestamp,
			Level:     job.LogLevel(m.Level),
			Message:   m.Message,
			Detail:    m.Detail,
		}
	}
	return entries
}
