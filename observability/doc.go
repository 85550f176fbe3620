// Package observability provides OTel-backed lifecycle metrics for the
// pipeline: a hook that counts job state changes and observable gauges for
// queue depth, active workers, and subscriber counts.
//
// All instruments degrade to noops when no MeterProvider is configured, so
// the hook can be registered unconditionally.
package observability
