package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/clipforge/pipeline/job"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace, so a
// panicking handler fails its job like any other error instead of taking
// the worker down.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) (result []byte, retErr error) {
		defer func() {
			if rec := recover(); rec != nil {
				stack := string(debug.Stack())
				logger.Error("job handler panicked",
					slog.String("job_name", r.Name),
					slog.String("job_id", r.ID.String()),
					slog.Any("panic", rec),
					slog.String("stack", stack),
				)
				result = nil
				retErr = fmt.Errorf("panic in job %s: %v", r.Name, rec)
			}
		}()
		return next(ctx)
	}
}
