package job

import "time"

// Options configures per-job behavior such as retry budget and scoping.
type Options struct {
	// MaxAttempts is the total number of execution attempts before the job
	// is left in failed state permanently.
	MaxAttempts int

	// RetryDelay is the base delay between attempts. The actual wait grows
	// linearly: RetryDelay * attempts.
	RetryDelay time.Duration

	// ProjectID scopes the job to a project. Empty means unscoped.
	ProjectID string

	// Metadata carries arbitrary key/value pairs surfaced on progress
	// updates and in list responses.
	Metadata map[string]string
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
	}
}

// Option is a functional option for configuring a job definition or a
// single enqueue call.
type Option func(*Options)

// WithMaxAttempts sets the total number of execution attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.MaxAttempts = n
	}
}

// WithRetryDelay sets the base delay between retry attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(o *Options) {
		o.RetryDelay = d
	}
}

// WithProjectID scopes the job to a project.
func WithProjectID(projectID string) Option {
	return func(o *Options) {
		o.ProjectID = projectID
	}
}

// WithMetadata attaches key/value metadata to the job.
func WithMetadata(md map[string]string) Option {
	return func(o *Options) {
		o.Metadata = md
	}
}
