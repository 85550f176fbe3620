package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/clipforge/pipeline/engine"
	"github.com/clipforge/pipeline/job"
)

type mediaInput struct {
	Source string `json:"source"`
	// SimulatedMS controls how long the handler pretends to work.
	SimulatedMS int `json:"simulated_ms"`
}

// registerHandlers installs the built-in demonstration handlers. They
// simulate media work stage by stage: real codec invocations live outside
// this service, but the progress reporting and cancellation behavior here
// is exactly what a production handler is expected to do.
func registerHandlers(eng *engine.Engine, logger *slog.Logger) {
	register := func(name string, steps []string, opts ...job.Option) {
		engine.Register(eng, job.NewDefinition(name, func(ctx context.Context, in mediaInput) ([]byte, error) {
			return simulateStages(ctx, name, in, steps)
		}, opts...))
	}

	register("preprocess", []string{"probing source", "normalizing audio", "building index"})
	register("transcribe", []string{"loading model", "decoding audio", "running inference", "aligning segments"},
		job.WithMaxAttempts(5), job.WithRetryDelay(10*time.Second))
	register("thumbnail", []string{"seeking keyframes", "rendering stills", "writing sprites"})
	register("export", []string{"composing timeline", "encoding output", "uploading artifact"})

	logger.Info("handlers registered",
		slog.Any("handlers", []string{"preprocess", "transcribe", "thumbnail", "export"}))
}

// simulateStages walks the named stages, reporting progress and a log line
// for each, and bails out as soon as the job context is cancelled.
func simulateStages(ctx context.Context, name string, in mediaInput, stages []string) ([]byte, error) {
	total := in.SimulatedMS
	if total <= 0 {
		total = 2000
	}
	stageDur := time.Duration(total/len(stages)) * time.Millisecond

	rep := job.ReporterFrom(ctx)
	for i, stage := range stages {
		_ = rep.Log(ctx, job.LogLevelInfo, stage)
		_ = rep.Progress(ctx, i*100/len(stages), stage)
		select {
		case <-time.After(stageDur):
		case <-ctx.Done():
			return nil, fmt.Errorf("%s interrupted during %q: %w", name, stage, ctx.Err())
		}
	}
	_ = rep.Progress(ctx, 100, "done")

	return json.Marshal(map[string]any{
		"source":     in.Source,
		"stages":     len(stages),
		"elapsed_ms": total,
	})
}
