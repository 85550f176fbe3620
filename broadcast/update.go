// Package broadcast provides the real-time progress broker. It bridges
// the hook system to connected clients via topic-based pub/sub: every job
// status or progress change becomes an [Update] fanned out to the job's
// subscribers.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/clipforge/pipeline/job"
)

// Update is the flat progress message delivered to subscribers. It is a
// point-in-time view of a job; clients render the latest Update they have
// seen for each job.
type Update struct {
	JobID     string            `json:"job_id"`
	ProjectID string            `json:"project_id,omitempty"`
	Name      string            `json:"name,omitempty"`
	Status    job.Status        `json:"status"`
	Progress  int               `json:"progress"`
	Message   string            `json:"message,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewUpdate builds an Update snapshot from a job record.
func NewUpdate(r *job.Record) *Update {
	return &Update{
		JobID:     r.ID.String(),
		ProjectID: r.ProjectID,
		Name:      r.Name,
		Status:    r.Status,
		Progress:  r.Progress,
		Message:   r.Message,
		Result:    r.Result,
		Error:     r.Error,
		Attempt:   r.Attempts,
		Timestamp: time.Now().UTC(),
		Metadata:  r.Metadata,
	}
}
