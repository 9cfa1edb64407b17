package workerpool

import (
	"sync"
	"time"

	"github.com/pkg/errors"
)

// BreakerState mirrors the teacher's email circuit breaker states, trimmed
// to what a per-topic admission gate needs (no SMTP error classifier).
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

// ErrBreakerOpen names the tripped-breaker condition as an Admission-kind
// error (spec §7), not a handler failure. Allow itself reports a tripped
// breaker by returning false, not this error.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker trips per topic when handlers fail repeatedly, so a supervisor
// stops leasing new work for that topic until timeout elapses and a
// half-open probe succeeds.
type Breaker struct {
	mu sync.Mutex

	maxFailures  int64
	timeout      time.Duration
	resetTimeout time.Duration

	state       BreakerState
	failures    int64
	successes   int64
	nextAttempt time.Time
}

// NewBreaker builds a Breaker; maxFailures <= 0 defaults to 5, timeout <= 0
// defaults to 30s, matching the teacher's circuit breaker defaults scaled
// down from SMTP's 60s since job attempts complete faster than email sends.
func NewBreaker(maxFailures int64, timeout time.Duration) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Breaker{
		maxFailures:  maxFailures,
		timeout:      timeout,
		resetTimeout: timeout * 2,
		state:        Closed,
	}
}

// Allow reports whether a worker may lease and run the next job for this
// topic, transitioning Open -> HalfOpen once the timeout has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Now().After(b.nextAttempt) {
			b.state = HalfOpen
			return true
		}
		return false
	case HalfOpen:
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker from HalfOpen and decays the failure
// count while Closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successes++
	switch b.state {
	case HalfOpen:
		b.state = Closed
		b.failures = 0
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	}
}

// RecordFailure counts a failed attempt and trips the breaker once
// maxFailures is reached, or re-opens it on a failed half-open probe.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch b.state {
	case Closed:
		if b.failures >= b.maxFailures {
			b.state = Open
			b.nextAttempt = time.Now().Add(b.timeout)
		}
	case HalfOpen:
		b.state = Open
		b.nextAttempt = time.Now().Add(b.resetTimeout)
	}
}

// State returns the current breaker state for diagnostics/health roll-up.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
