// Package store defines the aggregate persistence interface. The job
// subsystem defines its own store interface; the composite Store adds
// lifecycle methods. Backends: Postgres, SQLite, Redis, Mongo, and
// Memory.
package store

import (
	"context"

	"github.com/clipforge/pipeline/job"
)

// Store is the aggregate persistence interface. A single backend
// (postgres, sqlite, redis, mongo, memory) implements all of it.
type Store interface {
	job.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
