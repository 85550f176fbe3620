package pipeline

import "errors"

var (
	// Wiring errors.
	ErrNoStore = errors.New("pipeline: no store configured")
	ErrNoPool  = errors.New("pipeline: no worker pool wired; build the engine first")

	// Store errors.
	ErrStoreClosed = errors.New("pipeline: store closed")
	ErrStoreWrite  = errors.New("pipeline: store write failed")

	// Not found errors.
	ErrJobNotFound     = errors.New("pipeline: job not found")
	ErrHandlerNotFound = errors.New("pipeline: no handler registered for job type")

	// Conflict errors.
	ErrJobAlreadyExists = errors.New("pipeline: job already exists")

	// Capacity errors. Surfaced synchronously to the enqueuing caller and
	// never retried internally.
	ErrQueueFull   = errors.New("pipeline: queue full")
	ErrQueueClosed = errors.New("pipeline: queue closed")
	ErrRateLimited = errors.New("pipeline: project enqueue rate exceeded")

	// State errors.
	ErrInvalidTransition  = errors.New("pipeline: invalid status transition")
	ErrJobTerminal        = errors.New("pipeline: job already in a terminal status")
	ErrMaxAttemptsReached = errors.New("pipeline: max attempts reached")
)
