package queue

import (
	"context"
	"sync"

	"github.com/clipforge/pipeline"
	"github.com/clipforge/pipeline/job"
)

// Queue is a bounded in-process FIFO of jobs awaiting a worker. When the
// queue is full, Enqueue blocks until a worker drains a slot, giving
// producers natural backpressure instead of unbounded memory growth.
//
// It is safe for concurrent use by any number of producers and consumers.
type Queue struct {
	ch   chan *job.Record
	done chan struct{}
	once sync.Once
}

// New creates a bounded queue with the given capacity. Capacities below 1
// are raised to 1.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan *job.Record, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a job to the tail of the queue. If the queue is full it
// blocks until a slot frees up or ctx is done. Returns
// [pipeline.ErrQueueClosed] after Close.
func (q *Queue) Enqueue(ctx context.Context, r *job.Record) error {
	select {
	case <-q.done:
		return pipeline.ErrQueueClosed
	default:
	}

	select {
	case q.ch <- r:
		return nil
	case <-q.done:
		return pipeline.ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue adds a job without blocking. Returns [pipeline.ErrQueueFull]
// if no slot is free and [pipeline.ErrQueueClosed] after Close.
func (q *Queue) TryEnqueue(r *job.Record) error {
	select {
	case <-q.done:
		return pipeline.ErrQueueClosed
	default:
	}

	select {
	case q.ch <- r:
		return nil
	default:
		return pipeline.ErrQueueFull
	}
}

// Dequeue removes and returns the job at the head of the queue, blocking
// until one is available or ctx is done. After Close, buffered jobs are
// still drained; once empty, Dequeue returns [pipeline.ErrQueueClosed].
func (q *Queue) Dequeue(ctx context.Context) (*job.Record, error) {
	select {
	case r := <-q.ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		// Closed: drain whatever is still buffered without blocking.
		select {
		case r := <-q.ch:
			return r, nil
		default:
			return nil, pipeline.ErrQueueClosed
		}
	}
}

// Close marks the queue closed. Subsequent Enqueue calls fail; buffered
// jobs remain dequeueable until drained. Close is idempotent.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of jobs currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
