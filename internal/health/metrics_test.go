package health

import (
	"expvar"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// newTestMetrics builds a Metrics with unpublished expvar variables, so
// tests never collide with the process-wide names Get() registers or with
// each other.
func newTestMetrics() *Metrics {
	return &Metrics{
		JobsEnqueued:  new(expvar.Int),
		JobsCompleted: new(expvar.Int),
		JobsFailed:    new(expvar.Int),
		JobsCancelled: new(expvar.Int),
		JobsRetried:   new(expvar.Int),
		ActiveWorkers: new(expvar.Int),
		ResponseTimes: new(expvar.Map).Init(),
		ErrorCounts:   new(expvar.Map).Init(),
		topics:        make(map[string]*TopicStats),
		log:           logrus.New(),
	}
}

func TestRecordEnqueuedThenDispatchedMovesQueuedToActive(t *testing.T) {
	m := newTestMetrics()
	m.RecordEnqueued("reports")
	m.RecordDispatched("reports")

	snap := m.Snapshot()["reports"]
	require.Equal(t, int64(0), snap.Queued)
	require.Equal(t, int64(1), snap.Active)
}

func TestRecordCompletedDecrementsActiveAndIncrementsCompleted(t *testing.T) {
	m := newTestMetrics()
	m.RecordEnqueued("reports")
	m.RecordDispatched("reports")
	m.RecordCompleted("reports")

	snap := m.Snapshot()["reports"]
	require.Equal(t, int64(0), snap.Active)
	require.Equal(t, int64(1), snap.Completed)
	require.Equal(t, int64(1), m.JobsCompleted.Value())
}

func TestRecordFailedDecrementsActiveAndIncrementsFailed(t *testing.T) {
	m := newTestMetrics()
	m.RecordEnqueued("reports")
	m.RecordDispatched("reports")
	m.RecordFailed("reports")

	snap := m.Snapshot()["reports"]
	require.Equal(t, int64(0), snap.Active)
	require.Equal(t, int64(1), snap.Failed)
}

func TestRecordWorkerStartStopTracksPerTopicGauge(t *testing.T) {
	m := newTestMetrics()
	m.RecordWorkerStart("reports")
	m.RecordWorkerStart("reports")
	m.RecordWorkerStop("reports")

	snap := m.Snapshot()["reports"]
	require.Equal(t, int64(1), snap.Workers)
	require.Equal(t, int64(1), m.ActiveWorkers.Value())
}

func TestHandleReadyReflectsActiveWorkerCount(t *testing.T) {
	m := newTestMetrics()
	s := &Server{metrics: m, log: m.log}

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	s.handleReady(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	m.RecordWorkerStart("reports")
	rec = httptest.NewRecorder()
	s.handleReady(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleHealthAlwaysReportsOK(t *testing.T) {
	s := &Server{metrics: newTestMetrics()}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
