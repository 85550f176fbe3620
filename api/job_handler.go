package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/pipeline/id"
	"github.com/clipforge/pipeline/job"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// EnqueueJobRequest is the body for POST /v1/jobs.
type EnqueueJobRequest struct {
	Name         string          `json:"name" binding:"required"`
	Payload      json.RawMessage `json:"payload"`
	ProjectID    string          `json:"project_id"`
	MaxAttempts  int             `json:"max_attempts"`
	RetryDelayMS int             `json:"retry_delay_ms"`
}

func (a *API) enqueueJob(c *gin.Context) {
	var req EnqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	var opts []job.Option
	if req.ProjectID != "" {
		opts = append(opts, job.WithProjectID(req.ProjectID))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(req.MaxAttempts))
	}
	if req.RetryDelayMS > 0 {
		opts = append(opts, job.WithRetryDelay(time.Duration(req.RetryDelayMS)*time.Millisecond))
	}

	// Non-blocking enqueue: a full queue surfaces as backpressure to the
	// caller instead of a hung request.
	rec, err := a.eng.TryEnqueueRaw(c.Request.Context(), req.Name, req.Payload, opts...)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (a *API) getJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id: " + err.Error()})
		return
	}

	rec, err := a.eng.Get(c.Request.Context(), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *API) listJobs(c *gin.Context) {
	opts := job.ListOpts{
		Limit:     defaultListLimit,
		ProjectID: c.Query("project_id"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = min(n, maxListLimit)
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		opts.Offset = n
	}
	if raw := c.Query("status"); raw != "" {
		status := job.Status(raw)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + raw})
			return
		}
		opts.Status = status
	}

	jobs, err := a.eng.List(c.Request.Context(), opts)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (a *API) jobLogs(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id: " + err.Error()})
		return
	}

	logs, err := a.eng.Logs(c.Request.Context(), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, logs)
}

func (a *API) cancelJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id: " + err.Error()})
		return
	}

	if err := a.eng.Cancel(c.Request.Context(), jobID); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) requeueJob(c *gin.Context) {
	jobID, err := id.ParseJobID(c.Param("jobId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id: " + err.Error()})
		return
	}

	rec, err := a.eng.Requeue(c.Request.Context(), jobID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// JobCountsResponse groups job counts by status.
type JobCountsResponse struct {
	Pending    int64 `json:"pending"`
	Queued     int64 `json:"queued"`
	InProgress int64 `json:"in_progress"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

func (a *API) jobCounts(c *gin.Context) {
	ctx := c.Request.Context()
	projectID := c.Query("project_id")

	var resp JobCountsResponse
	for _, pair := range []struct {
		status job.Status
		dst    *int64
	}{
		{job.StatusPending, &resp.Pending},
		{job.StatusQueued, &resp.Queued},
		{job.StatusInProgress, &resp.InProgress},
		{job.StatusCompleted, &resp.Completed},
		{job.StatusFailed, &resp.Failed},
		{job.StatusCancelled, &resp.Cancelled},
	} {
		count, err := a.eng.Store().CountJobs(ctx, job.CountOpts{
			ProjectID: projectID,
			Status:    pair.status,
		})
		if err != nil {
			a.writeError(c, err)
			return
		}
		*pair.dst = count
	}
	c.JSON(http.StatusOK, resp)
}
