package scheduler

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/jobforge/jobforge/internal/cache"
	"github.com/jobforge/jobforge/internal/jobmanager"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownDefinition = errors.New("unknown scheduled definition")
	ErrInvalidCron       = errors.New("invalid cron expression")
)

// Submitter is the slice of jobmanager.Manager the scheduler depends on,
// named narrowly so tests can stub it without a full Manager.
type Submitter interface {
	Submit(topic string, payload []byte, opts jobmanager.SubmitOptions) (string, error)
}

// EventSource is the slice of jobmanager.Manager needed to learn when a
// submitted job finishes, so an ExecutionRecord can move from running to
// completed/failed once the job actually runs rather than at submit time.
type EventSource interface {
	Subscribe(topic string) (<-chan jobmanager.Event, func(), error)
}

// Config tunes the dispatch loop (spec §4.5).
type Config struct {
	CheckInterval time.Duration // default 1s
	LockTTL       time.Duration // default 2x CheckInterval
	RetainHistory int           // execution records kept per definition; 0 = unlimited
}

// entry is the live state the scheduler keeps for one registered
// definition: its parsed cron schedule alongside the persisted record.
type entry struct {
	def    *types.ScheduledDefinition
	sched  cron.Schedule
	filter *vm.Program // compiled from def.Filter; nil when Filter is empty
}

// filterEnv is the expr-lang evaluation environment for a definition's
// Filter expression, the same compile-once/Run-many-times pattern
// parser/expr.go uses for recipient filtering.
type filterEnv struct {
	Running  int
	Priority int
	Hour     int
}

// evalFilter reports whether e's Filter expression (if any) passes for
// now. A filter that fails to evaluate is treated as passing, so a bad
// expression degrades to "always fire" rather than silently starving a
// definition.
func (s *Scheduler) evalFilter(e *entry, now time.Time) bool {
	if e.filter == nil {
		return true
	}
	out, err := expr.Run(e.filter, filterEnv{
		Running:  s.running[e.def.ID],
		Priority: e.def.Priority,
		Hour:     now.Hour(),
	})
	if err != nil {
		s.log.Warnf("scheduler: filter for %s: %v", e.def.ID, err)
		return true
	}
	b, ok := out.(bool)
	return !ok || b
}

// Scheduler fires ScheduledDefinitions on their cron schedule and submits
// the resulting jobs through a Submitter (the job manager). It is the C6
// component.
type Scheduler struct {
	mu      sync.RWMutex
	store   Store
	locker  *cache.Locker
	submit  Submitter
	events  EventSource
	log     *logrus.Logger
	cfg     Config
	entries map[string]*entry
	running map[string]int // defID -> count of in-flight executions

	pending       map[string]*types.ExecutionRecord // jobID -> its open record
	watchedTopics map[string]bool

	instanceID string

	quit chan struct{}
	wg   sync.WaitGroup
}

// New builds a Scheduler, restoring definitions from store and parsing
// each one's cron and filter expressions. Invalid expressions are logged and skipped
// rather than aborting startup.
func New(store Store, lockBackend cache.Backend, submit Submitter, cfg Config, log *logrus.Logger) (*Scheduler, error) {
	if log == nil {
		log = logrus.New()
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * cfg.CheckInterval
	}

	s := &Scheduler{
		store:         store,
		locker:        cache.NewLocker(lockBackend),
		submit:        submit,
		log:           log,
		cfg:           cfg,
		entries:       make(map[string]*entry),
		running:       make(map[string]int),
		pending:       make(map[string]*types.ExecutionRecord),
		watchedTopics: make(map[string]bool),
		instanceID:    newInstanceID(),
		quit:          make(chan struct{}),
	}

	defs, err := store.LoadDefinitions()
	if err != nil {
		return nil, errors.Wrap(err, "load persisted definitions")
	}
	for _, def := range defs {
		if sched, perr := parseCron(def.CronExpr); perr == nil {
			e := &entry{def: def, sched: sched}
			if def.Filter != "" {
				prog, ferr := expr.Compile(def.Filter, expr.Env(filterEnv{}), expr.AsBool())
				if ferr != nil {
					s.log.Errorf("scheduler: dropping definition %s, invalid filter %q: %v", def.ID, def.Filter, ferr)
					continue
				}
				e.filter = prog
			}
			s.entries[def.ID] = e
		} else {
			s.log.Errorf("scheduler: dropping definition %s, invalid cron %q: %v", def.ID, def.CronExpr, perr)
		}
	}

	s.wg.Add(1)
	go s.dispatchLoop()
	return s, nil
}

func newInstanceID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), rand.Int())
}

// AttachEvents wires the scheduler to the job manager's event stream so
// execution records resolve to completed/failed when the submitted job
// actually finishes, instead of at submit time.
func (s *Scheduler) AttachEvents(src EventSource) {
	s.mu.Lock()
	s.events = src
	s.mu.Unlock()
}

// watchTopic starts (once) a goroutine draining topic's events and
// resolving any pending execution record whose JobID matches.
func (s *Scheduler) watchTopic(topic string) {
	s.mu.Lock()
	if s.watchedTopics[topic] || s.events == nil {
		s.mu.Unlock()
		return
	}
	s.watchedTopics[topic] = true
	src := s.events
	s.mu.Unlock()

	ch, _, err := src.Subscribe(topic)
	if err != nil {
		s.log.Errorf("scheduler: subscribe to topic %s: %v", topic, err)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.quit:
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				s.resolve(evt)
			}
		}
	}()
}

// resolve finalizes the execution record for evt.JobID, if the scheduler
// submitted that job and is still waiting on it.
func (s *Scheduler) resolve(evt jobmanager.Event) {
	if evt.Type != jobmanager.EventCompleted && evt.Type != jobmanager.EventFailed {
		return
	}
	s.mu.Lock()
	rec, ok := s.pending[evt.JobID]
	if ok {
		delete(s.pending, evt.JobID)
		s.running[rec.DefID]--
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	rec.FinishedAt = evt.At
	rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
	if evt.Type == jobmanager.EventCompleted {
		rec.State = types.ExecutionCompleted
	} else {
		rec.State = types.ExecutionFailed
		rec.Error = evt.Error
	}

	if err := s.store.SaveExecution(rec); err != nil {
		s.log.Errorf("scheduler: persist resolved execution for %s: %v", rec.DefID, err)
	}
	if s.cfg.RetainHistory > 0 {
		if err := s.store.PruneExecutions(rec.DefID, s.cfg.RetainHistory); err != nil {
			s.log.Errorf("scheduler: prune execution history for %s: %v", rec.DefID, err)
		}
	}
}

// RegisterDefinition validates and persists a new ScheduledDefinition,
// computing its initial next_fire_at.
func (s *Scheduler) RegisterDefinition(def types.ScheduledDefinition) (string, error) {
	sched, err := parseCron(def.CronExpr)
	if err != nil {
		return "", errors.Wrap(ErrInvalidCron, err.Error())
	}
	if def.ID == "" {
		def.ID = newInstanceID()
	}
	def.NextFireAt = nextFire(sched, time.Now(), def.Timezone)

	var filter *vm.Program
	if def.Filter != "" {
		prog, err := expr.Compile(def.Filter, expr.Env(filterEnv{}), expr.AsBool())
		if err != nil {
			return "", errors.Wrap(err, "compile filter expression")
		}
		filter = prog
	}

	s.mu.Lock()
	s.entries[def.ID] = &entry{def: &def, sched: sched, filter: filter}
	s.mu.Unlock()

	if err := s.store.SaveDefinition(&def); err != nil {
		return "", errors.Wrap(err, "persist definition")
	}
	return def.ID, nil
}

// SetEnabled toggles whether a definition fires on its schedule.
func (s *Scheduler) SetEnabled(defID string, enabled bool) error {
	s.mu.Lock()
	e, ok := s.entries[defID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownDefinition
	}
	e.def.Enabled = enabled
	def := *e.def
	s.mu.Unlock()
	return s.store.SaveDefinition(&def)
}

// History returns the execution records for a definition, oldest first.
func (s *Scheduler) History(defID string) ([]*types.ExecutionRecord, error) {
	return s.store.LoadExecutions(defID)
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick finds every definition due to fire and dispatches it. Each due
// definition runs under its own distributed lock so multiple scheduler
// instances sharing a store never double-fire one definition (spec §4.5,
// grounded the same way the teacher's dispatchLoop guards execution).
func (s *Scheduler) tick() {
	now := time.Now()

	s.mu.RLock()
	due := make([]*entry, 0)
	for _, e := range s.entries {
		if !e.def.Enabled {
			continue
		}
		if e.def.NextFireAt.After(now) {
			continue
		}
		if !s.dependenciesSatisfied(e.def) {
			continue
		}
		if s.running[e.def.ID] >= maxInstancesOr(e.def.MaxConcurrentInstances, 1) {
			continue
		}
		if !s.evalFilter(e, now) {
			continue
		}
		due = append(due, e)
	}
	s.mu.RUnlock()

	for _, e := range due {
		s.fire(e, now)
	}
}

func maxInstancesOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

// dependenciesSatisfied reports whether every dependency's most recent
// execution is completed (spec §4.5). Caller must hold s.mu for reading.
func (s *Scheduler) dependenciesSatisfied(def *types.ScheduledDefinition) bool {
	for _, depID := range def.Dependencies {
		recs, err := s.store.LoadExecutions(depID)
		if err != nil || len(recs) == 0 {
			return false
		}
		latest := recs[len(recs)-1]
		if latest.State != types.ExecutionCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) fire(e *entry, now time.Time) {
	held, token, err := s.locker.Acquire(e.def.ID, s.cfg.LockTTL)
	if err != nil {
		s.log.Errorf("scheduler: lock acquire for %s: %v", e.def.ID, err)
		return
	}
	if !held {
		return
	}
	defer func() {
		if rerr := s.locker.Release(e.def.ID, token); rerr != nil {
			s.log.Errorf("scheduler: lock release for %s: %v", e.def.ID, rerr)
		}
	}()

	s.mu.Lock()
	s.running[e.def.ID]++
	e.def.NextFireAt = nextFire(e.sched, now, e.def.Timezone)
	defSnapshot := *e.def
	s.mu.Unlock()

	if err := s.store.SaveDefinition(&defSnapshot); err != nil {
		s.log.Errorf("scheduler: persist next_fire_at for %s: %v", e.def.ID, err)
	}

	s.watchTopic(e.def.Topic)

	rec := &types.ExecutionRecord{
		ID:        newInstanceID(),
		DefID:     e.def.ID,
		StartedAt: now,
		State:     types.ExecutionRunning,
	}

	jobID, err := s.submit.Submit(e.def.Topic, e.def.Payload, jobmanager.SubmitOptions{Priority: e.def.Priority})
	if err != nil {
		rec.State = types.ExecutionFailed
		rec.Error = err.Error()
		rec.FinishedAt = time.Now()
		rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
		if serr := s.store.SaveExecution(rec); serr != nil {
			s.log.Errorf("scheduler: persist execution record for %s: %v", e.def.ID, serr)
		}
		s.log.Errorf("scheduler: submit for definition %s: %v", e.def.ID, err)
		s.mu.Lock()
		s.running[e.def.ID]--
		s.mu.Unlock()
		return
	}
	rec.JobID = jobID

	if s.events == nil {
		// No event source attached: the best this scheduler can do is
		// record that submission succeeded and immediately free the
		// running-instance slot, since it has no way to observe the
		// job's actual completion.
		rec.State = types.ExecutionCompleted
		rec.FinishedAt = time.Now()
		rec.Duration = rec.FinishedAt.Sub(rec.StartedAt)
		if serr := s.store.SaveExecution(rec); serr != nil {
			s.log.Errorf("scheduler: persist execution record for %s: %v", e.def.ID, serr)
		}
		s.mu.Lock()
		s.running[e.def.ID]--
		s.mu.Unlock()
		return
	}

	if serr := s.store.SaveExecution(rec); serr != nil {
		s.log.Errorf("scheduler: persist execution record for %s: %v", e.def.ID, serr)
	}
	s.mu.Lock()
	s.pending[jobID] = rec
	s.mu.Unlock()
}

// hasActivity reports whether any definition has an in-flight execution
// or is due to fire within the next check interval, the same idle signal
// the teacher's monitorActivity polls for before scheduling auto-shutdown.
func (s *Scheduler) hasActivity() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.running {
		if n > 0 {
			return true
		}
	}
	horizon := time.Now().Add(s.cfg.CheckInterval)
	for _, e := range s.entries {
		if e.def.Enabled && !e.def.NextFireAt.After(horizon) {
			return true
		}
	}
	return false
}

// Stop halts the dispatch loop.
func (s *Scheduler) Stop() {
	close(s.quit)
	s.wg.Wait()
}
