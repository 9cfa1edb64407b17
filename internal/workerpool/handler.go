// Package workerpool implements the supervisor that keeps N runnable
// workers per topic, mediates between the queue and handler invocations,
// and restarts workers on crash or excess memory use (spec §4.2, C4).
package workerpool

import (
	"context"
	"sync/atomic"
)

// HandlerError is the error type handlers return to distinguish a
// terminal business failure from one the retry policy should act on
// (spec §6 handler contract: "message + optional retryable flag").
type HandlerError struct {
	Message   string
	Retryable bool
}

func (e *HandlerError) Error() string { return e.Message }

// Terminal reports whether the retry policy should skip further attempts.
func (e *HandlerError) Terminal() bool { return !e.Retryable }

// Context is the cancellation/progress surface passed to a running
// handler (spec §6: "context bearing cancelled() and
// report_progress(percent)").
type Context struct {
	ctx      context.Context
	cancel   context.CancelFunc
	progress func(percent int)

	jobID string
	topic string

	flag int32 // cooperative cancellation, set by the job's Cancelled field
}

// NewContext wraps a Go context with the job-level cancellation flag and
// progress callback the job manager exposes.
func NewContext(ctx context.Context, jobID, topic string, progress func(percent int)) *Context {
	c, cancel := context.WithCancel(ctx)
	return &Context{ctx: c, cancel: cancel, progress: progress, jobID: jobID, topic: topic}
}

// JobID returns the ID of the job the running handler was invoked for.
func (c *Context) JobID() string { return c.jobID }

// Topic returns the topic the running handler was invoked for.
func (c *Context) Topic() string { return c.topic }

// Done returns the underlying context's Done channel, for select
// statements inside long-running handlers.
func (c *Context) Done() <-chan struct{} { return c.ctx.Done() }

// Cancelled reports whether the job's cooperative cancellation flag has
// been set, or the attempt's timeout/parent context has fired.
func (c *Context) Cancelled() bool {
	if atomic.LoadInt32(&c.flag) != 0 {
		return true
	}
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// SetCancelled is called by the worker loop when it observes the job
// record's Cancelled flag.
func (c *Context) SetCancelled() {
	atomic.StoreInt32(&c.flag, 1)
}

// ReportProgress clamps percent to [0,100] and forwards it; monotonicity
// is enforced by the job manager, not here (spec §4.3).
func (c *Context) ReportProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if c.progress != nil {
		c.progress(percent)
	}
}

// cancelTimeout releases the internal context's resources; called by the
// worker after each attempt concludes.
func (c *Context) cancelTimeout() { c.cancel() }

// Handler is the capability callers register per topic (spec §6). It is
// the only place domain-specific code — repository conversion, static
// analysis, report generation — enters the substrate.
type Handler func(ctx *Context, payload []byte) (result []byte, err error)
