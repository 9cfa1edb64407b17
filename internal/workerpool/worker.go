package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/resource"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/sirupsen/logrus"
)

// PollInterval bounds how long a single Lease call blocks waiting for
// work before the worker loop re-checks for shutdown/breaker state.
const PollInterval = 250 * time.Millisecond

// processingWindowSize bounds how many recent per-job durations a worker
// keeps for its rolling ProcessingWindow stat.
const processingWindowSize = 20

// worker runs one goroutine leasing and executing jobs for a single topic.
// Its lifecycle is owned by a Supervisor, which restarts it on crash.
type worker struct {
	id      string
	topic   string
	q       *queue.Queue
	handler Handler
	breaker *Breaker
	log     *logrus.Logger
	stats   *health.Metrics
	res     *resource.Manager // admission gate; nil disables gating

	memoryThreshold   int64 // bytes; 0 disables the drain-and-replace check
	selfReport        func() int64
	onProgress        func(jobID, topic string, percent int)
	visibilityTimeout time.Duration

	stop chan struct{}

	// statsMu guards the rolling stats below, read by Supervisor.Stats()
	// from a different goroutine than the one that writes them (spec §5:
	// "eventually consistent" roll-up).
	statsMu   sync.Mutex
	state     types.WorkerState
	jobID     string
	processed int64
	completed int64
	failed    int64
	window    []time.Duration
	memSample int64
}

func (w *worker) setState(state types.WorkerState, jobID string) {
	w.statsMu.Lock()
	w.state = state
	w.jobID = jobID
	w.statsMu.Unlock()
}

func (w *worker) recordAttempt(elapsed time.Duration) {
	w.statsMu.Lock()
	w.processed++
	w.window = append(w.window, elapsed)
	if len(w.window) > processingWindowSize {
		w.window = w.window[len(w.window)-processingWindowSize:]
	}
	if w.selfReport != nil {
		w.memSample = w.selfReport()
	}
	w.statsMu.Unlock()
}

func (w *worker) recordOutcome(success bool) {
	w.statsMu.Lock()
	if success {
		w.completed++
	} else {
		w.failed++
	}
	w.statsMu.Unlock()
}

// snapshot returns a point-in-time copy of this worker's rolling stats.
func (w *worker) snapshot() types.WorkerStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	window := make([]time.Duration, len(w.window))
	copy(window, w.window)
	return types.WorkerStats{
		ID:               w.id,
		Topic:            w.topic,
		State:            w.state,
		JobID:            w.jobID,
		Processed:        w.processed,
		Completed:        w.completed,
		Failed:           w.failed,
		ProcessingWindow: window,
		MemorySample:     w.memSample,
	}
}

// run is the worker's main loop. It returns when stop is closed or after a
// memory-threshold drain; the supervisor's restart wrapper recovers panics
// around this call.
func (w *worker) run() {
	w.setState(types.WorkerIdle, "")
	for {
		select {
		case <-w.stop:
			w.setState(types.WorkerStopped, "")
			return
		default:
		}

		if w.breaker != nil && !w.breaker.Allow() {
			time.Sleep(PollInterval)
			continue
		}

		job, err := w.q.Lease(w.topic, w.id, w.visibilityTimeout, PollInterval)
		if err != nil {
			w.log.Errorf("worker %s: lease failed: %v", w.id, err)
			time.Sleep(PollInterval)
			continue
		}
		if job == nil {
			continue
		}

		w.setState(types.WorkerBusy, job.ID)

		if w.res != nil {
			w.awaitAdmission(job)
		}

		w.runJob(job)
		w.setState(types.WorkerIdle, "")

		if w.res != nil {
			w.res.Release(job)
		}

		if w.memoryThreshold > 0 && w.selfReport != nil && w.selfReport() > w.memoryThreshold {
			w.log.Warnf("worker %s: memory sample exceeds threshold, draining and stopping", w.id)
			w.setState(types.WorkerRestarting, "")
			return
		}
	}
}

// runJob executes a single leased job's attempt: it races the handler
// against the job's configured timeout, recovers from handler panics by
// converting them into a failed attempt (the worker itself survives; only
// a panic escaping runJob crashes the goroutine), and reports the outcome
// to the queue and breaker.
func (w *worker) runJob(job *types.Job) {
	start := time.Now()
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	parent, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	lastProgress := 0
	hctx := NewContext(parent, job.ID, job.Topic, func(p int) {
		lastProgress = p
		if w.onProgress != nil {
			w.onProgress(job.ID, job.Topic, p)
		}
	})
	if job.Cancelled {
		hctx.SetCancelled()
	}
	defer hctx.cancelTimeout()

	type outcome struct {
		result []byte
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())}
			}
		}()
		res, err := w.handler(hctx, job.Payload)
		done <- outcome{result: res, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-parent.Done():
		out = outcome{err: fmt.Errorf("handler timed out after %s", timeout)}
	}

	job.Progress = &lastProgress
	w.finish(job, out.result, out.err, time.Since(start))
}

func (w *worker) finish(job *types.Job, result []byte, err error, elapsed time.Duration) {
	w.recordAttempt(elapsed)

	if err == nil {
		if cerr := w.q.Complete(job.ID, result); cerr != nil {
			w.log.Errorf("worker %s: complete %s: %v", w.id, job.ID, cerr)
		}
		if w.breaker != nil {
			w.breaker.RecordSuccess()
		}
		w.recordOutcome(true)
		return
	}

	terminal := false
	if he, ok := err.(*HandlerError); ok {
		terminal = he.Terminal()
	}
	if ferr := w.q.Fail(job.ID, err.Error(), terminal); ferr != nil {
		w.log.Errorf("worker %s: fail %s: %v", w.id, job.ID, ferr)
	}
	if w.breaker != nil {
		w.breaker.RecordFailure()
	}
	w.recordOutcome(false)
}

// awaitAdmission blocks until the resource manager grants a reservation
// for job, or the worker is asked to stop. The job's lease is already
// held, so a slow budget only delays this attempt; the queue's lease
// sweep will reclaim it if admission takes longer than the visibility
// timeout (spec §4.4 "obtains a reservation or is told to wait").
func (w *worker) awaitAdmission(job *types.Job) {
	for {
		if err := w.res.TryAcquire(job); err == nil {
			return
		}
		select {
		case <-w.stop:
			return
		case <-time.After(25 * time.Millisecond):
		}
	}
}
