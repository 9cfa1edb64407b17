// Package types holds the data model shared across every component of the
// background execution substrate: jobs, topics, workers, scheduled
// definitions, and the small value types layered on top of them.
package types

import "time"

// JobState is one of the terminal or non-terminal states a Job moves
// through. The DAG is: waiting -> [delayed -> waiting]* -> active ->
// {completed | failed | cancelled}, plus active -> waiting on lease expiry.
type JobState string

const (
	StateWaiting   JobState = "waiting"
	StateDelayed   JobState = "delayed"
	StateActive    JobState = "active"
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
	StateCancelled JobState = "cancelled"
)

// IsTerminal reports whether a state has no further transitions.
func (s JobState) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Job is a single unit of work submitted to a topic.
type Job struct {
	ID          string
	Topic       string
	Payload     []byte
	Priority    int
	DelayUntil  time.Time
	Attempts    int
	MaxAttempts int
	Timeout     time.Duration
	State       JobState
	Progress    *int

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	LastError string
	Result    []byte

	// LeaseOwner and LeaseExpiresAt are set while State == StateActive.
	LeaseOwner     string
	LeaseExpiresAt time.Time

	// Cancelled is a cooperative flag observed by a running handler's
	// cancellation context. Setting it does not interrupt the handler.
	Cancelled bool

	// MemoryRequirement and CPUWeight feed the resource manager's
	// admission accounting (spec §3 ResourceLedger "Per-job" fields).
	MemoryRequirement int64
	CPUWeight         float64
}

// MemoryRequirementOr returns j.MemoryRequirement, or def when unset.
func (j Job) MemoryRequirementOr(def int64) int64 {
	if j.MemoryRequirement > 0 {
		return j.MemoryRequirement
	}
	return def
}

// Snapshot is the read-only view returned by status queries; it is a plain
// copy of Job so callers cannot mutate manager-owned state through it.
type Snapshot struct {
	ID          string
	Topic       string
	State       JobState
	Attempts    int
	MaxAttempts int
	Priority    int
	Progress    *int
	Result      []byte
	LastError   string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// ToSnapshot copies the externally visible fields of a Job.
func (j Job) ToSnapshot() Snapshot {
	return Snapshot{
		ID:          j.ID,
		Topic:       j.Topic,
		State:       j.State,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Priority:    j.Priority,
		Progress:    j.Progress,
		Result:      j.Result,
		LastError:   j.LastError,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
	}
}

// BackoffKind selects the retry-delay formula for a topic.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// BackoffPolicy computes the delay before a retried job becomes visible
// again, per spec §4.1. The zero value is fixed(0).
type BackoffPolicy struct {
	Kind BackoffKind
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the backoff duration for the given attempt count (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Kind {
	case BackoffExponential:
		d := p.Base * time.Duration(uint64(1)<<uint(attempt-1))
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		return d
	default:
		d := p.Base
		if p.Cap > 0 && d > p.Cap {
			d = p.Cap
		}
		return d
	}
}

// Topic is the configuration of a named queue.
type Topic struct {
	Name               string
	Concurrency        int
	DefaultMaxAttempts int
	Backoff            BackoffPolicy
	RetainCompleted    int
	RetainFailed       int
	VisibilityTimeout  time.Duration
	MemoryRequirement  int64
	CPUWeight          float64
}

// WorkerState is the lifecycle state of a single worker goroutine.
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerBusy       WorkerState = "busy"
	WorkerRestarting WorkerState = "restarting"
	WorkerStopped    WorkerState = "stopped"
)

// WorkerStats are the per-worker rolling counters; only the owning worker
// goroutine writes to them, a roll-up reader combines them eventually
// consistently (spec §5).
type WorkerStats struct {
	ID        string
	Topic     string
	State     WorkerState
	JobID     string
	Processed int64
	Completed int64
	Failed    int64
	// ProcessingWindow holds the most recent per-job processing durations,
	// bounded to a small ring for a rolling average.
	ProcessingWindow []time.Duration
	MemorySample     int64
}
