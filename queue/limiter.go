package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// LimitConfig defines enqueue rate limits and concurrency caps for a
// project, identified by the job's ProjectID.
type LimitConfig struct {
	// ProjectID is the project the limits apply to. Empty configures the
	// global default applied to unscoped jobs.
	ProjectID string

	// RateLimit is the maximum sustained enqueues per second for the
	// project. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int

	// MaxConcurrency limits how many jobs for the project may run
	// simultaneously. Zero means no project-specific limit (pool-wide
	// concurrency still applies).
	MaxConcurrency int
}

// projectState tracks runtime state for a single project.
type projectState struct {
	config  LimitConfig
	limiter *rate.Limiter
	active  int
}

// Limiter enforces per-project rate limits and concurrency caps. It is
// safe for concurrent use.
//
// The worker pool calls Acquire before starting a job and Release when it
// finishes; the engine calls Allow at enqueue time to reject floods early.
type Limiter struct {
	mu       sync.Mutex
	projects map[string]*projectState
}

// NewLimiter creates a Limiter with the given project configurations.
// Projects not listed here have no limits.
func NewLimiter(configs ...LimitConfig) *Limiter {
	l := &Limiter{
		projects: make(map[string]*projectState, len(configs)),
	}
	for _, cfg := range configs {
		l.projects[cfg.ProjectID] = newProjectState(cfg)
	}
	return l
}

func newProjectState(cfg LimitConfig) *projectState {
	ps := &projectState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ps.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ps
}

// Allow checks only the rate limit for the given project. Used at enqueue
// time so over-limit producers are rejected before the queue fills.
func (l *Limiter) Allow(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ps := l.projects[projectID]
	if ps == nil || ps.limiter == nil {
		return true
	}
	return ps.limiter.Allow()
}

// Acquire checks the concurrency cap for the given project. If the job
// may proceed it increments the active counter and returns true. The
// caller MUST call Release when the job completes.
func (l *Limiter) Acquire(projectID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	ps := l.projects[projectID]
	if ps == nil {
		return true
	}
	if ps.config.MaxConcurrency > 0 && ps.active >= ps.config.MaxConcurrency {
		return false
	}
	ps.active++
	return true
}

// Release decrements the active job count for the project.
func (l *Limiter) Release(projectID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ps := l.projects[projectID]; ps != nil && ps.active > 0 {
		ps.active--
	}
}

// SetConfig dynamically updates (or creates) a project configuration.
func (l *Limiter) SetConfig(cfg LimitConfig) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing := l.projects[cfg.ProjectID]
	ps := newProjectState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ps.active = existing.active
	}
	l.projects[cfg.ProjectID] = ps
}

// ActiveCount returns the current number of active jobs for a project.
func (l *Limiter) ActiveCount(projectID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ps := l.projects[projectID]; ps != nil {
		return ps.active
	}
	return 0
}
