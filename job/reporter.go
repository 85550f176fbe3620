package job

import "context"

// Reporter lets a running handler publish progress and log lines for its
// job. The worker installs a Reporter into the handler context before
// each attempt; handlers retrieve it with [ReporterFrom].
type Reporter interface {
	// Progress reports completion percentage (clamped to [0,100]) and an
	// optional human-readable message. Progress never moves backward
	// within an attempt. Metadata maps, if given, are merged into the
	// record and travel with the broadcast update.
	Progress(ctx context.Context, percent int, message string, metadata ...map[string]string) error

	// Log appends a line to the job's append-only log. An optional detail
	// string carries structured or verbose context alongside the message.
	Log(ctx context.Context, level LogLevel, message string, detail ...string) error
}

type reporterKey struct{}

// WithReporter returns a context carrying the given Reporter.
func WithReporter(ctx context.Context, r Reporter) context.Context {
	return context.WithValue(ctx, reporterKey{}, r)
}

// ReporterFrom extracts the Reporter from ctx. Returns a no-op Reporter
// when none is installed, so handlers can report unconditionally.
func ReporterFrom(ctx context.Context) Reporter {
	if r, ok := ctx.Value(reporterKey{}).(Reporter); ok {
		return r
	}
	return nopReporter{}
}

type nopReporter struct{}

func (nopReporter) Progress(context.Context, int, string, ...map[string]string) error {
	return nil
}

func (nopReporter) Log(context.Context, LogLevel, string, ...string) error { return nil }
