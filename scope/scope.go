// Package scope provides helpers to capture and restore the project
// identity a job belongs to from/to context.Context.
//
// The API surface (enqueue calls, transport connections) attaches the
// caller's project to the context; the worker restores it from the Job
// record's ProjectID field so handlers see the same scope as the
// original enqueue caller.
package scope

import "context"

type projectKey struct{}

// WithProject attaches a project identity to the context.
func WithProject(ctx context.Context, projectID string) context.Context {
	if projectID == "" {
		return ctx
	}
	return context.WithValue(ctx, projectKey{}, projectID)
}

// Capture extracts the project identifier from the context.
// Returns an empty string if no scope is present.
func Capture(ctx context.Context) string {
	if v, ok := ctx.Value(projectKey{}).(string); ok {
		return v
	}
	return ""
}

// Restore attaches a scope to the context using the given project ID.
// If it is empty, the context is returned unchanged (no-op).
func Restore(ctx context.Context, projectID string) context.Context {
	return WithProject(ctx, projectID)
}
