// Package health aggregates per-topic and per-worker counters into the
// roll-up surface (C9) and exposes them over HTTP alongside liveness and
// readiness probes, generalizing the teacher's internal/metrics package
// from email-send counters to job-substrate counters.
package health

import (
	"context"
	"expvar"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds process-wide counters. It is safe for concurrent use; the
// expvar types already serialize their own increments, the mutex only
// guards the per-topic map.
type Metrics struct {
	mu sync.RWMutex

	JobsEnqueued  *expvar.Int
	JobsCompleted *expvar.Int
	JobsFailed    *expvar.Int
	JobsCancelled *expvar.Int
	JobsRetried   *expvar.Int
	ActiveWorkers *expvar.Int
	ResponseTimes *expvar.Map
	ErrorCounts   *expvar.Map

	topics    map[string]*TopicStats
	startTime time.Time
	log       *logrus.Logger
}

// TopicStats is the per-topic roll-up bucket.
type TopicStats struct {
	Queued    int64
	Active    int64
	Completed int64
	Failed    int64
	Workers   int64
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics singleton.
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			JobsEnqueued:  expvar.NewInt("jobs_enqueued_total"),
			JobsCompleted: expvar.NewInt("jobs_completed_total"),
			JobsFailed:    expvar.NewInt("jobs_failed_total"),
			JobsCancelled: expvar.NewInt("jobs_cancelled_total"),
			JobsRetried:   expvar.NewInt("jobs_retried_total"),
			ActiveWorkers: expvar.NewInt("workers_active"),
			ResponseTimes: expvar.NewMap("response_times_ms"),
			ErrorCounts:   expvar.NewMap("error_counts"),
			topics:        make(map[string]*TopicStats),
			startTime:     time.Now(),
			log:           logrus.New(),
		}
		expvar.Publish("uptime_seconds", expvar.Func(func() any {
			return int64(time.Since(instance.startTime).Seconds())
		}))
	})
	return instance
}

func (m *Metrics) topic(name string) *TopicStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[name]
	if !ok {
		t = &TopicStats{}
		m.topics[name] = t
	}
	return t
}

// RecordEnqueued increments the queued depth for a topic.
func (m *Metrics) RecordEnqueued(topic string) {
	m.JobsEnqueued.Add(1)
	t := m.topic(topic)
	m.mu.Lock()
	t.Queued++
	m.mu.Unlock()
}

// RecordDispatched moves a job from queued to active in the roll-up.
func (m *Metrics) RecordDispatched(topic string) {
	t := m.topic(topic)
	m.mu.Lock()
	if t.Queued > 0 {
		t.Queued--
	}
	t.Active++
	m.mu.Unlock()
}

// RecordCompleted records a terminal success for a topic.
func (m *Metrics) RecordCompleted(topic string) {
	m.JobsCompleted.Add(1)
	t := m.topic(topic)
	m.mu.Lock()
	if t.Active > 0 {
		t.Active--
	}
	t.Completed++
	m.mu.Unlock()
}

// RecordFailed records a terminal failure for a topic.
func (m *Metrics) RecordFailed(topic string) {
	m.JobsFailed.Add(1)
	t := m.topic(topic)
	m.mu.Lock()
	if t.Active > 0 {
		t.Active--
	}
	t.Failed++
	m.mu.Unlock()
}

// RecordCancelled records a cancellation for a topic.
func (m *Metrics) RecordCancelled(topic string) {
	m.JobsCancelled.Add(1)
}

// RecordRetried records a scheduled retry for a topic.
func (m *Metrics) RecordRetried(topic string) {
	m.JobsRetried.Add(1)
}

// RecordWorkerStart/Stop maintain the active-worker gauge, globally and
// per topic.
func (m *Metrics) RecordWorkerStart(topic string) {
	m.ActiveWorkers.Add(1)
	t := m.topic(topic)
	m.mu.Lock()
	t.Workers++
	m.mu.Unlock()
}

func (m *Metrics) RecordWorkerStop(topic string) {
	m.ActiveWorkers.Add(-1)
	t := m.topic(topic)
	m.mu.Lock()
	if t.Workers > 0 {
		t.Workers--
	}
	m.mu.Unlock()
}

// RecordResponseTime records a named operation's duration.
func (m *Metrics) RecordResponseTime(operation string, d time.Duration) {
	m.ResponseTimes.Add(operation, d.Milliseconds())
}

// RecordError records an error by kind (spec §7 taxonomy).
func (m *Metrics) RecordError(kind string) {
	m.ErrorCounts.Add(kind, 1)
}

// Snapshot returns a copy of the per-topic roll-up table.
func (m *Metrics) Snapshot() map[string]TopicStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]TopicStats, len(m.topics))
	for k, v := range m.topics {
		out[k] = *v
	}
	return out
}

// Server exposes /metrics, /health, /ready the way the teacher's
// metrics.Server does.
type Server struct {
	metrics *Metrics
	srv     *http.Server
	log     *logrus.Logger
}

// NewServer builds an HTTP server bound to the given port.
func NewServer(m *Metrics, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{metrics: m, log: m.log}
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	return s
}

// Start runs the server until it is stopped or fails.
func (s *Server) Start() error {
	s.log.Infof("health server starting on %s", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	active := s.metrics.ActiveWorkers.Value()
	w.Header().Set("Content-Type", "application/json")
	if active > 0 {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ready","active_workers":%s}`, strconv.FormatInt(active, 10))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"not_ready","active_workers":0}`)
}
