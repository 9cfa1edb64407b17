package jobmanager

import (
	"sync"
	"time"

	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/jobforge/jobforge/internal/workerpool"
	"github.com/jobforge/jobforge/logger"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTopic             = errors.New("unknown topic")
	ErrUnknownJob               = errors.New("unknown job")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered for topic")
	ErrNotInitialized           = errors.New("job manager not initialized")
)

// SubmitOptions are the caller-tunable knobs for one submission (spec
// §4.3 "priority, delay, max_attempts, timeout").
type SubmitOptions struct {
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	Timeout     time.Duration
	MemoryBytes int64
	CPUWeight   float64
}

// Manager is the C5 component: it owns the topic/handler registry,
// accepts submissions, answers status/progress/cancel queries, and fans
// lifecycle events out to subscribers.
type Manager struct {
	mu           sync.RWMutex
	q            *queue.Queue
	sup          *workerpool.Supervisor
	log          *logrus.Logger
	stats        *health.Metrics
	topics       map[string]types.Topic
	handlers     map[string]bool
	subs         map[string][]*subscription
	lastProgress map[string]int
	ready        bool
}

// New builds a Manager wired to q and sup. Call Start once topics and
// handlers are registered to begin processing.
func New(q *queue.Queue, sup *workerpool.Supervisor, log *logrus.Logger, stats *health.Metrics) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{
		q:            q,
		sup:          sup,
		log:          log,
		stats:        stats,
		topics:       make(map[string]types.Topic),
		handlers:     make(map[string]bool),
		subs:         make(map[string][]*subscription),
		lastProgress: make(map[string]int),
	}
}

// RegisterTopic declares a topic's queue configuration.
func (m *Manager) RegisterTopic(cfg types.Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[cfg.Name] = cfg
	m.q.RegisterTopic(cfg)
}

// RegisterHandler attaches the single allowed handler for a topic and
// starts its worker pool. It wraps handler so that started/progress/
// completed/failed/retry events reach subscribers (spec §4.3 "at most
// one handler per topic").
func (m *Manager) RegisterHandler(topicName string, handler workerpool.Handler, poolCfg workerpool.TopicConfig) error {
	m.mu.Lock()
	if _, ok := m.topics[topicName]; !ok {
		m.mu.Unlock()
		return ErrUnknownTopic
	}
	if m.handlers[topicName] {
		m.mu.Unlock()
		return ErrHandlerAlreadyRegistered
	}
	m.handlers[topicName] = true
	m.mu.Unlock()

	poolCfg.Handler = m.wrapHandler(topicName, handler)
	poolCfg.OnProgress = func(jobID, topic string, percent int) {
		percent = m.clampProgress(jobID, percent)
		m.publish(topic, Event{Type: EventProgress, JobID: jobID, Topic: topic, Percent: percent, At: time.Now()})
	}
	m.sup.RegisterTopic(topicName, poolCfg)
	return nil
}

// clampProgress enforces spec §4.3's progress contract: clamped to
// [0,100] and monotone non-decreasing across a job's reported attempts,
// even across a retry that resets the handler's own counter.
func (m *Manager) clampProgress(jobID string, percent int) int {
	if percent < 0 {
		percent = 0
	} else if percent > 100 {
		percent = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if last, ok := m.lastProgress[jobID]; ok && percent < last {
		percent = last
	}
	m.lastProgress[jobID] = percent
	return percent
}

// clearProgress drops a finished job's last-seen progress entry so the
// map does not grow unbounded across a long-running topic's lifetime.
func (m *Manager) clearProgress(jobID string) {
	m.mu.Lock()
	delete(m.lastProgress, jobID)
	m.mu.Unlock()
}

// wrapHandler decorates a domain handler with lifecycle event emission.
// Completed/failed/retry are inferred from the handler's own return value
// here, at the call site, rather than from the queue afterward, since
// that is the only place both the job ID and the error are in hand
// together with whether the error is retryable. An error is retried
// unless it is a HandlerError without Retryable or the job is on its last
// attempt, the same rule the worker and queue apply.
func (m *Manager) wrapHandler(topic string, handler workerpool.Handler) workerpool.Handler {
	return func(ctx *workerpool.Context, payload []byte) ([]byte, error) {
		m.publish(topic, Event{Type: EventStarted, JobID: ctx.JobID(), Topic: topic, At: time.Now()})

		result, err := handler(ctx, payload)

		if err == nil {
			m.publish(topic, Event{Type: EventCompleted, JobID: ctx.JobID(), Topic: topic, At: time.Now()})
			logger.LogJobCompleted(ctx.JobID(), topic)
			m.clearProgress(ctx.JobID())
			return result, nil
		}

		evtType := EventFailed
		retryable := true
		if he, ok := err.(*workerpool.HandlerError); ok {
			retryable = he.Retryable
		}
		if retryable {
			if snap, gerr := m.q.GetJob(ctx.JobID()); gerr == nil && snap.Attempts+1 < snap.MaxAttempts {
				evtType = EventRetry
			}
		}
		m.publish(topic, Event{Type: evtType, JobID: ctx.JobID(), Topic: topic, Error: err.Error(), At: time.Now()})
		if evtType == EventFailed {
			logger.LogJobFailed(ctx.JobID(), topic, err.Error())
			m.clearProgress(ctx.JobID())
		}
		return result, err
	}
}

// Start flips the manager into the ready state; submissions and queries
// made before Start return ErrNotInitialized.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = true
}

func (m *Manager) checkReady() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready {
		return ErrNotInitialized
	}
	return nil
}

// Submit enqueues a new job under topic and returns its ID.
func (m *Manager) Submit(topic string, payload []byte, opts SubmitOptions) (string, error) {
	if err := m.checkReady(); err != nil {
		return "", err
	}
	m.mu.RLock()
	cfg, ok := m.topics[topic]
	m.mu.RUnlock()
	if !ok {
		return "", ErrUnknownTopic
	}

	job := &types.Job{
		Topic:             topic,
		Payload:           payload,
		Priority:          opts.Priority,
		MaxAttempts:       opts.MaxAttempts,
		Timeout:           opts.Timeout,
		MemoryRequirement: opts.MemoryBytes,
		CPUWeight:         opts.CPUWeight,
	}
	if job.MemoryRequirement == 0 {
		job.MemoryRequirement = cfg.MemoryRequirement
	}
	if job.CPUWeight == 0 {
		job.CPUWeight = cfg.CPUWeight
	}
	if opts.Delay > 0 {
		job.DelayUntil = time.Now().Add(opts.Delay)
	}

	if err := m.q.Enqueue(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Status returns a point-in-time snapshot of a job, in any state spec §3
// defines — waiting, delayed, active, or terminal (completed/failed/
// cancelled) within its topic's retention window.
func (m *Manager) Status(jobID string) (types.Snapshot, error) {
	if err := m.checkReady(); err != nil {
		return types.Snapshot{}, err
	}
	snap, err := m.q.GetJob(jobID)
	if err != nil {
		return types.Snapshot{}, ErrUnknownJob
	}
	return snap, nil
}

// Cancel requests cancellation of a job by ID (spec §4.3 cancel
// semantics: immediate removal while pending, cooperative flag while
// active).
func (m *Manager) Cancel(jobID string) (bool, error) {
	if err := m.checkReady(); err != nil {
		return false, err
	}
	return m.q.Cancel(jobID)
}

// Subscribe returns a channel of lifecycle events for topic, and an
// unsubscribe function the caller must eventually call.
func (m *Manager) Subscribe(topic string) (<-chan Event, func(), error) {
	m.mu.Lock()
	if _, ok := m.topics[topic]; !ok {
		m.mu.Unlock()
		return nil, nil, ErrUnknownTopic
	}
	sub := newSubscription()
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	unsub := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[topic]
		for i, s := range list {
			if s == sub {
				m.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return sub.ch, unsub, nil
}

func (m *Manager) publish(topic string, evt Event) {
	m.mu.RLock()
	subs := m.subs[topic]
	m.mu.RUnlock()
	for _, s := range subs {
		s.publish(evt)
	}
}
