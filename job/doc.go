// Package job defines the job record, status machine, typed definitions,
// and store interface.
//
// # Job Record
//
// A [Record] represents a unit of work. It embeds [pipeline.Entity] for
// timestamps, carries a typed payload (JSON), and progresses through a
// status machine:
//
//	pending → queued → in_progress → completed
//	pending → queued → in_progress → failed → queued → ...
//	pending → queued → in_progress → cancelled
//
// Completed and cancelled are terminal. Failed jobs with retry budget
// remaining re-enter the queue after a linearly growing delay
// (RetryDelay * attempts).
//
// Fields of note:
//   - Progress / Message: handler-reported progress, [0,100], monotone
//   - Result / Error: outcome payload, mutually exclusive
//   - Attempts / MaxAttempts: retry budget
//   - ProjectID: project scoping for list queries and fan-out
//
// # Defining a Job
//
// Use [Definition] with a typed handler. The payload is JSON-serialized
// at enqueue time and deserialized before the handler runs. Handlers pull
// a [Reporter] from the context to publish progress:
//
//	var ExtractClip = job.NewDefinition("extract_clip",
//	    func(ctx context.Context, input ClipInput) ([]byte, error) {
//	        rep := job.ReporterFrom(ctx)
//	        rep.Progress(ctx, 10, "probing source")
//	        ...
//	        return json.Marshal(output)
//	    },
//	)
//
// # Registry
//
// [Registry] maps job names to type-erased [HandlerFunc] values.
// Register definitions at startup via [RegisterDefinition]:
//
//	job.RegisterDefinition(registry, ExtractClip)
//	job.RegisterDefinition(registry, RenderCaptions)
//
// The engine package provides higher-level engine.Register and
// engine.Enqueue wrappers.
package job
