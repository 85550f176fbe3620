package pipeline

import "time"

// Config holds configuration for the pipeline coordinator.
type Config struct {
	// Concurrency is the number of worker goroutines pulling from the queue.
	Concurrency int

	// QueueSize bounds the number of queued records held in memory.
	// Enqueue blocks (backpressure) once the queue is full.
	QueueSize int

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// DefaultMaxAttempts is applied to jobs enqueued without an explicit
	// retry budget.
	DefaultMaxAttempts int

	// DefaultRetryDelay is the base backoff applied to jobs enqueued
	// without an explicit delay. The effective delay before attempt n+1 is
	// DefaultRetryDelay * n (linear).
	DefaultRetryDelay time.Duration

	// HeartbeatInterval is how long a WebSocket connection may be silent
	// before the server sends an unsolicited heartbeat.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a WebSocket connection may be silent
	// before the server closes it. Must exceed HeartbeatInterval. This is
	// the only hard timeout in the pipeline; job execution itself has no
	// imposed wall-clock limit.
	HeartbeatTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		QueueSize:          256,
		ShutdownTimeout:    30 * time.Second,
		DefaultMaxAttempts: 3,
		DefaultRetryDelay:  5 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		HeartbeatTimeout:   90 * time.Second,
	}
}
