// Package api exposes the pipeline over a REST surface: enqueueing jobs,
// inspecting and listing them, cancellation, requeueing, and aggregate
// statistics. Live progress is not served here; that is the transport
// package's job.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/engine"
)

// API wires the HTTP handlers for the pipeline engine.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// New creates an API from a pipeline Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{eng: eng, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterRoutes mounts all API routes on a gin router.
func (a *API) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")

	v1.POST("/jobs", a.enqueueJob)
	v1.GET("/jobs", a.listJobs)
	v1.GET("/jobs/counts", a.jobCounts)
	v1.GET("/jobs/:jobId", a.getJob)
	v1.GET("/jobs/:jobId/logs", a.jobLogs)
	v1.POST("/jobs/:jobId/cancel", a.cancelJob)
	v1.POST("/jobs/:jobId/requeue", a.requeueJob)

	v1.GET("/handlers", a.listHandlers)
	v1.GET("/stats", a.stats)
}

// writeError maps pipeline sentinel errors to HTTP status codes.
func (a *API) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrJobTerminal),
		errors.Is(err, pipeline.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrJobAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrQueueFull),
		errors.Is(err, pipeline.ErrQueueClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, pipeline.ErrRateLimited):
		status = http.StatusTooManyRequests
	}

	if status == http.StatusInternalServerError {
		a.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
