// Package queue provides the bounded in-process job queue and per-project
// admission limits.
//
// # Queue
//
// [Queue] is a fixed-capacity FIFO between producers (enqueue calls) and
// the worker pool. A full queue blocks Enqueue, so backpressure propagates
// to producers instead of buffering without bound:
//
//	q := queue.New(256)
//	if err := q.Enqueue(ctx, record); err != nil { ... }
//
// [Queue.TryEnqueue] is the non-blocking variant for callers that prefer
// an immediate [pipeline.ErrQueueFull] over waiting.
//
// # Limiter
//
// [Limiter] enforces per-project rate limits and concurrency caps on top
// of the shared queue. It uses a token-bucket rate limiter
// (golang.org/x/time/rate) and an active-count gate:
//
//	l := queue.NewLimiter(
//	    queue.LimitConfig{ProjectID: "p1", RateLimit: 10, MaxConcurrency: 4},
//	)
//	if l.Acquire(projectID) {
//	    defer l.Release(projectID)
//	    // process the job
//	}
//
// Projects without a [LimitConfig] have no limits beyond the pool-wide
// concurrency.
package queue
