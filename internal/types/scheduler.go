package types

import "time"

// ScheduledDefinition is a cron-triggered template for jobs the scheduler
// submits through the job manager.
type ScheduledDefinition struct {
	ID                    string
	Name                  string
	CronExpr              string
	Timezone              string
	Topic                 string
	Payload               []byte
	Enabled               bool
	MaxConcurrentInstances int
	Dependencies          []string
	Priority              int
	NextFireAt            time.Time
	// Filter is an optional expr-lang boolean expression evaluated against
	// the variables Running, Priority and Hour at each tick; a definition whose
	// filter evaluates false is skipped that tick even if its cron and
	// dependencies are satisfied.
	Filter string
}

// ExecutionState is the lifecycle of one firing of a ScheduledDefinition.
type ExecutionState string

const (
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
)

// ExecutionRecord is one historical firing of a ScheduledDefinition.
type ExecutionRecord struct {
	ID         string
	DefID      string
	JobID      string
	StartedAt  time.Time
	FinishedAt time.Time
	State      ExecutionState
	Duration   time.Duration
	Error      string
}
