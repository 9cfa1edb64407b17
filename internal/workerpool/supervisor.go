package workerpool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/resource"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrUnknownTopic is returned when a pool operation names a topic that was
// never registered via Supervisor.RegisterTopic.
var ErrUnknownTopic = errors.New("unknown topic")

// TopicConfig configures the worker pool for one topic (spec §4.2).
type TopicConfig struct {
	Handler              Handler
	InitialWorkers       int
	MaxWorkers           int
	MemoryThresholdBytes int64
	SelfReportMemory     func() int64 // defaults to a zero-reading stub
	BreakerMaxFailures   int64
	BreakerTimeout       int64 // seconds; 0 uses Breaker's default
	OnProgress           func(jobID, topic string, percent int)
	VisibilityTimeout    time.Duration // 0 defaults to 30s
	Resource             *resource.Manager
}

// pool is the live state the Supervisor tracks for one topic.
type pool struct {
	cfg     TopicConfig
	breaker *Breaker
	workers map[string]*runningWorker
}

type runningWorker struct {
	w      *worker
	killed bool
}

// Supervisor keeps each topic's worker count at its target, restarting
// crashed workers and applying adjust_worker_count scale decisions
// (spec §4.2, §4.4). It is the C4 component.
type Supervisor struct {
	mu    sync.Mutex
	q     *queue.Queue
	log   *logrus.Logger
	stats *health.Metrics
	pools map[string]*pool
	wg    sync.WaitGroup
}

// New builds a Supervisor driving workers against q.
func New(q *queue.Queue, log *logrus.Logger, stats *health.Metrics) *Supervisor {
	if log == nil {
		log = logrus.New()
	}
	return &Supervisor{
		q:     q,
		log:   log,
		stats: stats,
		pools: make(map[string]*pool),
	}
}

// RegisterTopic starts a topic's initial worker count. Calling it again
// replaces the config but leaves already-running workers alone; use
// AdjustWorkerCount to reconcile afterward.
func (s *Supervisor) RegisterTopic(name string, cfg TopicConfig) {
	if cfg.InitialWorkers <= 0 {
		cfg.InitialWorkers = 1
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = cfg.InitialWorkers
	}
	if cfg.SelfReportMemory == nil {
		cfg.SelfReportMemory = func() int64 { return 0 }
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}

	s.mu.Lock()
	p, ok := s.pools[name]
	if !ok {
		p = &pool{
			cfg:     cfg,
			breaker: NewBreaker(cfg.BreakerMaxFailures, time.Duration(cfg.BreakerTimeout)*time.Second),
			workers: make(map[string]*runningWorker),
		}
		s.pools[name] = p
	} else {
		p.cfg = cfg
	}
	s.mu.Unlock()

	s.AdjustWorkerCount(name, cfg.InitialWorkers)
}

// AdjustWorkerCount scales a topic's live worker count toward target,
// capped at MaxWorkers. Scaling down prefers idle workers first; a busy
// worker finishes its current job before the supervisor stops it (spec
// §4.2 "adjust_worker_count").
func (s *Supervisor) AdjustWorkerCount(topic string, target int) error {
	s.mu.Lock()
	p, ok := s.pools[topic]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownTopic
	}
	if target > p.cfg.MaxWorkers {
		target = p.cfg.MaxWorkers
	}
	if target < 0 {
		target = 0
	}
	current := len(p.workers)
	s.mu.Unlock()

	switch {
	case target > current:
		for i := 0; i < target-current; i++ {
			s.spawnWorker(topic)
		}
	case target < current:
		s.mu.Lock()
		toStop := current - target
		ids := make([]string, 0, toStop)
		for _, wantIdle := range []bool{true, false} {
			for id, rw := range p.workers {
				if len(ids) >= toStop {
					break
				}
				if (rw.w.snapshot().State == types.WorkerIdle) != wantIdle {
					continue
				}
				ids = append(ids, id)
			}
		}
		s.mu.Unlock()
		for _, id := range ids {
			s.stopWorker(topic, id)
		}
	}
	return nil
}

// spawnWorker starts one worker goroutine under a restart wrapper that
// recovers a panicking worker loop and relaunches it under a fresh ID,
// matching "panic recovery restarts the worker" in spec §4.2.
func (s *Supervisor) spawnWorker(topic string) {
	s.mu.Lock()
	p := s.pools[topic]
	if p == nil {
		s.mu.Unlock()
		return
	}
	id := uuid.NewString()
	rw := &runningWorker{}
	w := &worker{
		id:                id,
		topic:             topic,
		q:                 s.q,
		handler:           p.cfg.Handler,
		breaker:           p.breaker,
		log:               s.log,
		stats:             s.stats,
		memoryThreshold:   p.cfg.MemoryThresholdBytes,
		selfReport:        p.cfg.SelfReportMemory,
		onProgress:        p.cfg.OnProgress,
		visibilityTimeout: p.cfg.VisibilityTimeout,
		res:               p.cfg.Resource,
		stop:              make(chan struct{}),
	}
	rw.w = w
	p.workers[id] = rw
	s.mu.Unlock()

	if s.stats != nil {
		s.stats.RecordWorkerStart(topic)
	}

	s.wg.Add(1)
	go s.supervise(topic, id)
}

// supervise runs a worker's loop, restarting it (under a new ID) if it
// returns due to a panic or a memory-threshold drain, unless the
// supervisor is shutting that worker down deliberately.
func (s *Supervisor) supervise(topic, id string) {
	defer s.wg.Done()

	s.mu.Lock()
	p := s.pools[topic]
	if p == nil {
		s.mu.Unlock()
		return
	}
	rw, ok := p.workers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	w := rw.w
	s.mu.Unlock()

	s.runWithRecover(w)
	if s.stats != nil {
		s.stats.RecordWorkerStop(topic)
	}

	s.mu.Lock()
	rw, stillTracked := p.workers[id]
	deliberate := !stillTracked || rw.killed
	if stillTracked {
		delete(p.workers, id)
	}
	s.mu.Unlock()
	if deliberate {
		return
	}

	s.log.Warnf("worker %s (topic %s) exited unexpectedly, restarting", id, topic)
	s.spawnWorker(topic)
}

func (s *Supervisor) runWithRecover(w *worker) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("worker %s panicked: %v", w.id, r)
		}
	}()
	w.run()
}

// stopWorker signals one worker to stop after its current job and drops it
// from the live set; it does not wait for the worker goroutine to exit.
func (s *Supervisor) stopWorker(topic, id string) {
	s.mu.Lock()
	p := s.pools[topic]
	if p == nil {
		s.mu.Unlock()
		return
	}
	rw, ok := p.workers[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	rw.killed = true
	close(rw.w.stop)
	delete(p.workers, id)
	s.mu.Unlock()
}

// WorkerCount reports the live worker count for a topic.
func (s *Supervisor) WorkerCount(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[topic]
	if !ok {
		return 0
	}
	return len(p.workers)
}

// Stats returns a rolling snapshot of every live worker across all topics.
func (s *Supervisor) Stats() []types.WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.WorkerStats, 0)
	for _, p := range s.pools {
		for _, rw := range p.workers {
			out = append(out, rw.w.snapshot())
		}
	}
	return out
}

// Stop halts every worker in every topic and waits for their goroutines
// to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	topics := make([]string, 0, len(s.pools))
	for t := range s.pools {
		topics = append(topics, t)
	}
	s.mu.Unlock()

	for _, topic := range topics {
		s.AdjustWorkerCount(topic, 0)
	}
	s.wg.Wait()
}
