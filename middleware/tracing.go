package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/clipforge/pipeline/job"
)

// tracerName is the instrumentation scope name for pipeline tracing.
const tracerName = "github.com/clipforge/pipeline"

// Tracing returns middleware that wraps job execution in an OpenTelemetry span.
// If no TracerProvider is configured globally, the default noop tracer is used
// and this middleware becomes a pass-through with zero overhead.
//
// Span attributes include: pipeline.job.id, pipeline.job.name,
// pipeline.job.attempt, pipeline.project_id. On error, the span status is
// set to codes.Error with the error message.
func Tracing() Middleware {
	tracer := otel.Tracer(tracerName)
	return TracingWithTracer(tracer)
}

// TracingWithTracer returns tracing middleware using the provided tracer.
// This variant allows injecting a specific TracerProvider for testing or
// when multiple providers are in use.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, r *job.Record, next Handler) ([]byte, error) {
		ctx, span := tracer.Start(ctx, "pipeline.job.execute",
			trace.WithAttributes(
				attribute.String("pipeline.job.id", r.ID.String()),
				attribute.String("pipeline.job.name", r.Name),
				attribute.Int("pipeline.job.attempt", r.Attempts),
				attribute.String("pipeline.project_id", r.ProjectID),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		result, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return result, err
	}
}
