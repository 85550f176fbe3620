package middleware

import (
	"context"

	"github.com/clipforge/pipeline/job"
	"github.com/clipforge/pipeline/scope"
)

// Scope returns middleware that restores project scope from the job's
// ProjectID field into the context. This ensures handlers see the same
// scope as the original enqueue caller.
func Scope() Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) ([]byte, error) {
		ctx = scope.Restore(ctx, r.ProjectID)
		return next(ctx)
	}
}
