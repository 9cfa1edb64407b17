// Package resource implements the admission-control and autoscaling
// advisor described in spec §4.4 (C3): it gates how many jobs may run
// concurrently and how much memory they may reserve, and periodically
// recommends a worker-count adjustment to the supervisor.
package resource

import (
	"sync"
	"time"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrBudgetExhausted is the Admission-kind error (spec §7) returned when a
// reservation cannot be granted immediately.
var ErrBudgetExhausted = errors.New("resource budget exhausted")

// Config configures one Manager instance.
type Config struct {
	MaxConcurrentJobs int
	MemoryBudgetBytes int64
	CPUThreshold      float64 // spec's cpu_threshold, e.g. 0.8
	AutoscaleInterval time.Duration
	Policy            types.ScalingPolicy
	// AdmissionRatePerSecond throttles how many reservations may be
	// granted per second; 0 disables throttling.
	AdmissionRatePerSecond int
}

// Manager gates admission and advises autoscaling for one topic's worker
// pool. cmd/jobforge creates one Manager per topic that has a resources
// entry in its config.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	ledger types.ResourceLedger
	log    *logrus.Logger

	limiter *rate.Limiter

	cpuSample float64 // EWMA, 0..1
}

// New builds a Manager with the given config, defaulting unset fields the
// way the teacher's pool/rate-limit constructors do.
func New(cfg Config, log *logrus.Logger) *Manager {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 10
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 0.8
	}
	if cfg.AutoscaleInterval <= 0 {
		cfg.AutoscaleInterval = 10 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = types.PolicyConservative
	}
	if log == nil {
		log = logrus.New()
	}

	var limiter *rate.Limiter
	if cfg.AdmissionRatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.AdmissionRatePerSecond), cfg.AdmissionRatePerSecond)
	} else {
		limiter = rate.NewLimiter(rate.Inf, 0)
	}

	return &Manager{
		cfg:     cfg,
		log:     log,
		limiter: limiter,
		ledger:  types.ResourceLedger{MemoryBudgetBytes: cfg.MemoryBudgetBytes, WorkerCount: 1},
	}
}

// TryAcquire attempts to reserve capacity for a job. It returns
// ErrBudgetExhausted (an Admission-kind error, not a transport failure)
// when the caller should park or reject the submission per its own
// preference (spec §7).
func (m *Manager) TryAcquire(job *types.Job) error {
	if !m.limiter.Allow() {
		return ErrBudgetExhausted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ledger.ActiveJobs >= m.cfg.MaxConcurrentJobs {
		return ErrBudgetExhausted
	}
	if m.cfg.MemoryBudgetBytes > 0 &&
		m.ledger.MemoryReservedBytes+job.MemoryRequirementOr(0) > m.cfg.MemoryBudgetBytes {
		return ErrBudgetExhausted
	}

	m.ledger.ActiveJobs++
	m.ledger.MemoryReservedBytes += job.MemoryRequirementOr(0)
	return nil
}

// Release returns a job's reservation to the budget on terminal state.
func (m *Manager) Release(job *types.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ledger.ActiveJobs > 0 {
		m.ledger.ActiveJobs--
	}
	m.ledger.MemoryReservedBytes -= job.MemoryRequirementOr(0)
	if m.ledger.MemoryReservedBytes < 0 {
		m.ledger.MemoryReservedBytes = 0
	}
}

// SetQueuedJobs records the current queue depth, sampled by the caller
// ahead of an Evaluate call.
func (m *Manager) SetQueuedJobs(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger.QueuedJobs = n
}

// SampleLoad feeds a fresh cpu reading into the EWMA used by Evaluate;
// memory utilization is not sampled here but derived from reservations. alpha is fixed at 0.3, matching the smoothing the teacher's
// SMTP pool health checker applies to idle-connection judgments.
func (m *Manager) SampleLoad(cpu float64) {
	const alpha = 0.3
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpuSample = alpha*cpu + (1-alpha)*m.cpuSample
	m.ledger.CPULoadEstimate = m.cpuSample
}

// memoryUtilization returns reserved/budget, or 0 when no budget is set.
func (m *Manager) memoryUtilization() float64 {
	if m.cfg.MemoryBudgetBytes <= 0 {
		return 0
	}
	return float64(m.ledger.MemoryReservedBytes) / float64(m.cfg.MemoryBudgetBytes)
}

// Evaluate computes an autoscale decision per the rule table in spec
// §4.4. current is the worker count the caller currently runs.
func (m *Manager) Evaluate(current int) types.AutoscaleDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	mem := m.memoryUtilization()
	cpu := m.ledger.CPULoadEstimate
	queued := m.ledger.QueuedJobs
	active := m.ledger.ActiveJobs
	max := m.cfg.MaxConcurrentJobs

	switch {
	case (cpu > m.cfg.CPUThreshold || mem > 0.9) && active < max:
		return types.AutoscaleDecision{
			Action: types.ActionScaleUp, Target: current + 2, Priority: types.PriorityHigh,
			Reason: "cpu or memory under stress",
		}
	case queued > 0 && active < max && cpu < m.cfg.CPUThreshold && mem < 0.8:
		priority := types.PriorityMedium
		if queued > 5 {
			priority = types.PriorityHigh
		}
		return types.AutoscaleDecision{
			Action: types.ActionScaleUp, Target: current + 1, Priority: priority,
			Reason: "queued work with headroom",
		}
	case active == 0 && queued == 0 && current > 1:
		return types.AutoscaleDecision{
			Action: types.ActionScaleDown, Target: 1, Priority: types.PriorityLow,
			Reason: "idle pool",
		}
	case cpu < 0.3 && mem < 0.4 && queued == 0 && current > 1:
		return types.AutoscaleDecision{
			Action: types.ActionScaleDown, Target: current - 1, Priority: types.PriorityLow,
			Reason: "sustained low utilization",
		}
	default:
		return types.AutoscaleDecision{Action: types.ActionNone, Target: current}
	}
}

// Allowed reports whether cfg.Policy permits enacting decision without
// further operator confirmation (spec §4.4: aggressive/conservative/manual).
func (cfg Config) Allowed(decision types.AutoscaleDecision) bool {
	switch cfg.Policy {
	case types.PolicyAggressive:
		return decision.Action != types.ActionNone
	case types.PolicyConservative:
		return decision.Priority == types.PriorityHigh
	default: // manual
		return false
	}
}

// Ledger returns a snapshot of the current counters.
func (m *Manager) Ledger() types.ResourceLedger {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger
}
