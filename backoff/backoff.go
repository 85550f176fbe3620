// Package backoff provides pluggable retry delay strategies for job
// execution. Strategies take the job's configured base delay so each job
// type can tune its own retry cadence. All strategies are safe for
// concurrent use (they are stateless).
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed),
	// given the job's configured base delay. Attempt 1 is the first retry
	// after the initial failure.
	Delay(base time.Duration, attempt int) time.Duration
}

// ──────────────────────────────────────────────────
// Constant
// ──────────────────────────────────────────────────

// Constant always returns the base delay regardless of attempt number.
type Constant struct{}

// NewConstant creates a constant backoff strategy.
func NewConstant() *Constant {
	return &Constant{}
}

// Delay returns the base delay unchanged.
func (c *Constant) Delay(base time.Duration, _ int) time.Duration {
	return base
}

// ──────────────────────────────────────────────────
// Linear
// ──────────────────────────────────────────────────

// Linear increases the delay linearly with the attempt number.
// Delay = min(base * attempt, Max).
type Linear struct {
	// Max caps the delay. Zero means no cap.
	Max time.Duration
}

// NewLinear creates a linear backoff strategy with the given cap.
// A zero cap means the delay grows without bound.
func NewLinear(maxDelay time.Duration) *Linear {
	return &Linear{Max: maxDelay}
}

// Delay returns base * attempt, capped at Max.
func (l *Linear) Delay(base time.Duration, attempt int) time.Duration {
	d := base * time.Duration(attempt)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// Exponential
// ──────────────────────────────────────────────────

// Exponential doubles the delay each attempt.
// Delay = min(base * 2^(attempt-1), Max).
type Exponential struct {
	Max time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(maxDelay time.Duration) *Exponential {
	return &Exponential{Max: maxDelay}
}

// Delay returns base * 2^(attempt-1), capped at Max.
func (e *Exponential) Delay(base time.Duration, attempt int) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// ──────────────────────────────────────────────────
// ExponentialWithJitter (full jitter)
// ──────────────────────────────────────────────────

// ExponentialWithJitter applies full jitter to an exponential base.
// Delay = random value in [0, min(base * 2^(attempt-1), Max)].
// This prevents thundering herd when many retries happen simultaneously.
type ExponentialWithJitter struct {
	Max time.Duration
}

// NewExponentialWithJitter creates an exponential backoff with full jitter.
func NewExponentialWithJitter(maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Max: maxDelay}
}

// Delay returns a random duration in [0, min(base * 2^(attempt-1), Max)].
func (e *ExponentialWithJitter) Delay(base time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	return time.Duration(rand.Float64() * d) //nolint:gosec // jitter intentionally uses non-crypto rand
}

// ──────────────────────────────────────────────────
// Default
// ──────────────────────────────────────────────────

// DefaultStrategy returns the default backoff used by the engine:
// uncapped Linear, so the wait grows as retry_delay * attempts.
func DefaultStrategy() Strategy {
	return NewLinear(0)
}
