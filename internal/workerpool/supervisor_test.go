package workerpool

import (
	"testing"
	"time"

	"github.com/jobforge/jobforge/internal/health"
	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *queue.Queue) {
	t.Helper()
	q, err := queue.New(queue.NewMemStore(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	s := New(q, nil, nil)
	t.Cleanup(s.Stop)
	return s, q
}

func TestSupervisorRunsJobToCompletion(t *testing.T) {
	s, q := newTestSupervisor(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, VisibilityTimeout: time.Second})

	done := make(chan struct{})
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 1,
		Handler: func(ctx *Context, payload []byte) ([]byte, error) {
			close(done)
			return []byte("ok"), nil
		},
	})

	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T"}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	require.Eventually(t, func() bool {
		snap, _ := q.Peek("T")
		return len(snap) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSupervisorKeepsWorkerAfterHandlerPanic(t *testing.T) {
	s, q := newTestSupervisor(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 2, VisibilityTimeout: time.Second})

	var calls int
	first := make(chan struct{})
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 1,
		Handler: func(ctx *Context, payload []byte) ([]byte, error) {
			calls++
			if calls == 1 {
				close(first)
				panic("boom")
			}
			return []byte("ok"), nil
		},
	})

	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T", MaxAttempts: 2}))

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never invoked")
	}

	require.Eventually(t, func() bool {
		return s.WorkerCount("T") >= 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAdjustWorkerCountCapsAtMax(t *testing.T) {
	s, q := newTestSupervisor(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 1,
		MaxWorkers:     2,
		Handler:        func(ctx *Context, payload []byte) ([]byte, error) { return nil, nil },
	})

	require.NoError(t, s.AdjustWorkerCount("T", 10))
	require.Eventually(t, func() bool { return s.WorkerCount("T") == 2 }, time.Second, 10*time.Millisecond)
}

func TestStatsReportsRealPerWorkerCounters(t *testing.T) {
	q, err := queue.New(queue.NewMemStore(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, VisibilityTimeout: time.Second})

	s := New(q, nil, nil)
	t.Cleanup(s.Stop)

	done := make(chan struct{})
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 1,
		Handler: func(ctx *Context, payload []byte) ([]byte, error) {
			defer close(done)
			return []byte("ok"), nil
		},
	})

	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T"}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		stats := s.Stats()
		if len(stats) != 1 {
			return false
		}
		return stats[0].Processed == 1 && stats[0].Completed == 1 && stats[0].State == types.WorkerIdle
	}, time.Second, 10*time.Millisecond)
}

func TestSpawnAndStopWorkerUpdateActiveWorkerGauge(t *testing.T) {
	q, err := queue.New(queue.NewMemStore(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})

	m := health.Get()
	before := m.ActiveWorkers.Value()

	s := New(q, nil, m)
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 1,
		Handler:        func(ctx *Context, payload []byte) ([]byte, error) { return nil, nil },
	})

	require.Eventually(t, func() bool {
		return m.ActiveWorkers.Value() == before+1
	}, time.Second, 10*time.Millisecond)

	s.Stop()

	require.Eventually(t, func() bool {
		return m.ActiveWorkers.Value() == before
	}, time.Second, 10*time.Millisecond)
}

func TestAdjustWorkerCountScalesDown(t *testing.T) {
	s, q := newTestSupervisor(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	s.RegisterTopic("T", TopicConfig{
		InitialWorkers: 3,
		MaxWorkers:     3,
		Handler:        func(ctx *Context, payload []byte) ([]byte, error) { return nil, nil },
	})
	require.Eventually(t, func() bool { return s.WorkerCount("T") == 3 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.AdjustWorkerCount("T", 1))
	require.Eventually(t, func() bool { return s.WorkerCount("T") == 1 }, time.Second, 10*time.Millisecond)
}
