// Package queue implements the per-topic durable ordered store of pending
// jobs described in spec §4.1 (C2): priority/delay/retry ordering and a
// single-owner lease discipline that gives at-least-once execution.
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownTopic = errors.New("unknown topic")
	ErrUnknownJob   = errors.New("unknown job")
	ErrNotWaiting   = errors.New("job is not in a cancellable state")
)

// topicState holds one topic's pending and active jobs. All access is
// serialized behind Queue.mu — the spec requires Queue state transitions
// to be linearizable (§5), and per-topic scale here does not justify
// finer-grained locking.
type topicState struct {
	cfg       types.Topic
	pending   map[string]*types.Job // waiting + delayed
	active    map[string]*types.Job
	terminal  map[string]*types.Job // completed/failed/cancelled, retained jobs only
	completed []string              // retention order, oldest first
	failed    []string
	cancelled []string
}

// Queue is the durable, priority-ordered job store for every topic.
type Queue struct {
	mu     sync.Mutex
	topics map[string]*topicState
	store  Store
	log    *logrus.Logger
	stats  *health.Metrics

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a Queue backed by store and reads the store's persisted jobs.
// Only jobs whose topic is already registered are put back in pending
// (active ones reset to waiting, since no worker holds their lease any
// more); New runs before any RegisterTopic call, so in practice no stored
// job is loaded back into the in-memory queue.
func New(store Store, log *logrus.Logger, stats *health.Metrics) (*Queue, error) {
	if log == nil {
		log = logrus.New()
	}
	q := &Queue{
		topics: make(map[string]*topicState),
		store:  store,
		log:    log,
		stats:  stats,
		quit:   make(chan struct{}),
	}
	jobs, err := store.LoadJobs()
	if err != nil {
		return nil, errors.Wrap(err, "load persisted jobs")
	}
	for _, j := range jobs {
		t := q.topics[j.Topic]
		if t == nil {
			continue // topic not yet registered; dropped on restart
		}
		if j.State == types.StateActive {
			j.State = types.StateWaiting
			j.LeaseOwner = ""
		}
		if !j.State.IsTerminal() {
			t.pending[j.ID] = j
		}
	}
	q.wg.Add(1)
	go q.sweepLoop()
	return q, nil
}

// RegisterTopic creates (or replaces the config of) a topic.
func (q *Queue) RegisterTopic(cfg types.Topic) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[cfg.Name]
	if !ok {
		q.topics[cfg.Name] = &topicState{
			cfg:      cfg,
			pending:  make(map[string]*types.Job),
			active:   make(map[string]*types.Job),
			terminal: make(map[string]*types.Job),
		}
		return
	}
	t.cfg = cfg
}

// Enqueue admits a new job into its topic.
func (q *Queue) Enqueue(job *types.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[job.Topic]
	if !ok {
		return ErrUnknownTopic
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = t.cfg.DefaultMaxAttempts
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 1
		}
	}
	if job.DelayUntil.After(time.Now()) {
		job.State = types.StateDelayed
	} else {
		job.State = types.StateWaiting
	}
	t.pending[job.ID] = job
	if err := q.store.SaveJob(job); err != nil {
		return errors.Wrap(err, "persist enqueued job")
	}
	if q.stats != nil {
		q.stats.RecordEnqueued(job.Topic)
	}
	return nil
}

// Lease atomically hands out the single highest-priority ready job in a
// topic, or (nil, nil) when nothing is ready. It blocks up to
// pollInterval waiting for one to become available.
func (q *Queue) Lease(topic, workerID string, visibilityTimeout, pollInterval time.Duration) (*types.Job, error) {
	deadline := time.Now().Add(pollInterval)
	for {
		job, err := q.tryLease(topic, workerID, visibilityTimeout)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if time.Now().After(deadline) || pollInterval <= 0 {
			return nil, nil
		}
		time.Sleep(minDuration(25*time.Millisecond, pollInterval))
	}
}

func (q *Queue) tryLease(topic, workerID string, visibilityTimeout time.Duration) (*types.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}

	now := time.Now()
	var best *types.Job
	for _, j := range t.pending {
		if j.DelayUntil.After(now) {
			continue // still delayed, not ready
		}
		if best == nil || less(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	delete(t.pending, best.ID)
	best.State = types.StateActive
	best.LeaseOwner = workerID
	best.LeaseExpiresAt = now.Add(visibilityTimeout)
	if best.StartedAt.IsZero() {
		best.StartedAt = now
	}
	t.active[best.ID] = best
	if err := q.store.SaveJob(best); err != nil {
		return nil, errors.Wrap(err, "persist leased job")
	}
	if q.stats != nil {
		q.stats.RecordDispatched(topic)
	}
	return best, nil
}

// Complete marks a leased job as successfully finished.
func (q *Queue) Complete(jobID string, result []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, job, err := q.findActive(jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	job.State = types.StateCompleted
	job.Result = result
	job.FinishedAt = time.Now()
	delete(t.active, jobID)
	t.terminal[jobID] = job
	q.retain(t, jobID, &t.completed, t.cfg.RetainCompleted)
	if q.stats != nil {
		q.stats.RecordCompleted(job.Topic)
	}
	return errors.Wrap(q.store.SaveJob(job), "persist completed job")
}

// Fail records a failed attempt. When attempts remain (and the handler
// did not mark the error terminal), the job re-enters delayed state with
// a backoff-computed delay_until; otherwise it terminates failed.
func (q *Queue) Fail(jobID string, errMsg string, terminal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, job, err := q.findActive(jobID)
	if err != nil {
		return err
	}
	job.Attempts++
	job.LastError = errMsg
	delete(t.active, jobID)

	if !terminal && job.Attempts < job.MaxAttempts {
		job.State = types.StateDelayed
		job.DelayUntil = time.Now().Add(t.cfg.Backoff.Delay(job.Attempts))
		t.pending[jobID] = job
		if q.stats != nil {
			q.stats.RecordRetried(job.Topic)
		}
		return errors.Wrap(q.store.SaveJob(job), "persist retried job")
	}

	job.State = types.StateFailed
	job.FinishedAt = time.Now()
	t.terminal[jobID] = job
	q.retain(t, jobID, &t.failed, t.cfg.RetainFailed)
	if q.stats != nil {
		q.stats.RecordFailed(job.Topic)
	}
	return errors.Wrap(q.store.SaveJob(job), "persist failed job")
}

// Cancel removes a waiting/delayed job immediately, or sets the
// cooperative cancellation flag on an active one. Returns false if the
// job is unknown or already terminal.
func (q *Queue) Cancel(jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.topics {
		if job, ok := t.pending[jobID]; ok {
			delete(t.pending, jobID)
			job.State = types.StateCancelled
			job.FinishedAt = time.Now()
			t.terminal[jobID] = job
			q.retain(t, jobID, &t.cancelled, t.cfg.RetainFailed)
			if q.stats != nil {
				q.stats.RecordCancelled(job.Topic)
			}
			return true, errors.Wrap(q.store.SaveJob(job), "persist cancelled job")
		}
		if job, ok := t.active[jobID]; ok {
			job.Cancelled = true
			return true, errors.Wrap(q.store.SaveJob(job), "persist cancellation flag")
		}
	}
	return false, nil
}

// Peek returns a dispatch-ordered snapshot of a topic's non-terminal jobs.
func (q *Queue) Peek(topic string) ([]types.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok {
		return nil, ErrUnknownTopic
	}
	jobs := make([]*types.Job, 0, len(t.pending)+len(t.active))
	for _, j := range t.pending {
		jobs = append(jobs, j)
	}
	for _, j := range t.active {
		jobs = append(jobs, j)
	}
	sortJobs(jobs)
	out := make([]types.Snapshot, len(jobs))
	for i, j := range jobs {
		out[i] = j.ToSnapshot()
	}
	return out, nil
}

// PatternRemove deletes pending (waiting/delayed) jobs across every topic
// whose ID matches a glob, returning the count removed (spec §4.1).
func (q *Queue) PatternRemove(pattern string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, t := range q.topics {
		for id, job := range t.pending {
			if !globMatch(pattern, id) {
				continue
			}
			delete(t.pending, id)
			job.State = types.StateCancelled
			job.FinishedAt = time.Now()
			t.terminal[id] = job
			q.retain(t, id, &t.cancelled, t.cfg.RetainFailed)
			if err := q.store.SaveJob(job); err != nil {
				return removed, errors.Wrap(err, "persist pattern-removed job")
			}
			removed++
		}
	}
	return removed, nil
}

// findActive locates a job currently leased out. Caller must hold q.mu.
func (q *Queue) findActive(jobID string) (*topicState, *types.Job, error) {
	for _, t := range q.topics {
		if job, ok := t.active[jobID]; ok {
			return t, job, nil
		}
	}
	return nil, nil, ErrUnknownJob
}

// retain appends id to the retention list, pruning the oldest entries
// (and their terminal-index/store records) past the configured retain
// count. A non-positive limit means unlimited retention.
func (q *Queue) retain(t *topicState, id string, list *[]string, limit int) {
	*list = append(*list, id)
	if limit <= 0 {
		return
	}
	for len(*list) > limit {
		oldest := (*list)[0]
		*list = (*list)[1:]
		delete(t.terminal, oldest)
		_ = q.store.DeleteJob(oldest)
	}
}

// GetJob returns a point-in-time snapshot of any job known to the queue,
// whether it is waiting, delayed, active, or terminal within its topic's
// retention window (spec §4.3 status(job_id) must cover every Job state).
func (q *Queue) GetJob(jobID string) (types.Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.topics {
		if job, ok := t.pending[jobID]; ok {
			return job.ToSnapshot(), nil
		}
		if job, ok := t.active[jobID]; ok {
			return job.ToSnapshot(), nil
		}
		if job, ok := t.terminal[jobID]; ok {
			return job.ToSnapshot(), nil
		}
	}
	return types.Snapshot{}, ErrUnknownJob
}

// sweepLoop requeues leases that have expired without a complete/fail
// call, incrementing attempts per spec §4.1.
func (q *Queue) sweepLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			q.sweepOnce()
		}
	}
}

func (q *Queue) sweepOnce() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, t := range q.topics {
		for id, job := range t.active {
			if now.Before(job.LeaseExpiresAt) {
				continue
			}
			job.Attempts++
			delete(t.active, id)
			if job.Attempts >= job.MaxAttempts {
				job.State = types.StateFailed
				job.LastError = "lease expired"
				job.FinishedAt = now
				t.terminal[id] = job
				q.retain(t, id, &t.failed, t.cfg.RetainFailed)
				if q.stats != nil {
					q.stats.RecordFailed(job.Topic)
				}
			} else {
				job.State = types.StateWaiting
				job.LeaseOwner = ""
				t.pending[id] = job
				q.log.Warnf("lease expired for job %s, requeued (attempt %d/%d)", id, job.Attempts, job.MaxAttempts)
			}
			if err := q.store.SaveJob(job); err != nil {
				q.log.Errorf("persist lease-expired job %s: %v", id, err)
			}
		}
	}
}

// Stop halts the background lease sweep.
func (q *Queue) Stop() {
	close(q.quit)
	q.wg.Wait()
}

func sortJobs(jobs []*types.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && less(jobs[j], jobs[j-1]); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func globMatch(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}
	parts := strings.SplitN(pattern, "*", 2)
	return strings.HasPrefix(key, parts[0]) && strings.HasSuffix(key, parts[1]) &&
		len(key) >= len(parts[0])+len(parts[1])
}
