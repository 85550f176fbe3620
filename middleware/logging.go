package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/clipforge/pipeline/job"
)

// Logging returns middleware that logs job start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) ([]byte, error) {
		logger.Info("job started",
			slog.String("job_name", r.Name),
			slog.String("job_id", r.ID.String()),
			slog.Int("attempt", r.Attempts),
		)

		start := time.Now()
		result, err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("job attempt failed",
				slog.String("job_name", r.Name),
				slog.String("job_id", r.ID.String()),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("job completed",
				slog.String("job_name", r.Name),
				slog.String("job_id", r.ID.String()),
				slog.Duration("elapsed", elapsed),
			)
		}

		return result, err
	}
}
