package queue

import (
	"testing"
	"time"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := New(NewMemStore(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	return q
}

// TestPriorityOrdering covers spec scenario S1: J2(prio10), J1(prio5),
// J3(prio1) must dispatch in that order under concurrency 1.
func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})

	j1 := &types.Job{ID: "j1", Topic: "T", Priority: 5}
	j2 := &types.Job{ID: "j2", Topic: "T", Priority: 10}
	j3 := &types.Job{ID: "j3", Topic: "T", Priority: 1}
	require.NoError(t, q.Enqueue(j1))
	require.NoError(t, q.Enqueue(j2))
	require.NoError(t, q.Enqueue(j3))

	order := []string{}
	for i := 0; i < 3; i++ {
		job, err := q.Lease("T", "w1", time.Second, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		order = append(order, job.ID)
		require.NoError(t, q.Complete(job.ID, nil))
	}
	require.Equal(t, []string{"j2", "j1", "j3"}, order)
}

func TestDelayedJobNotDispatchedEarly(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})

	future := &types.Job{ID: "future", Topic: "T", Priority: 100, DelayUntil: time.Now().Add(time.Hour)}
	ready := &types.Job{ID: "ready", Topic: "T", Priority: 1}
	require.NoError(t, q.Enqueue(future))
	require.NoError(t, q.Enqueue(ready))

	job, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.Equal(t, "ready", job.ID)
}

// TestRetryWithBackoff covers spec scenario S2 in spirit: attempts
// accumulate across fail()/lease() cycles and terminate completed once
// the handler succeeds.
func TestRetryWithBackoff(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{
		Name:               "T",
		DefaultMaxAttempts: 3,
		Backoff:            types.BackoffPolicy{Kind: types.BackoffFixed, Base: 10 * time.Millisecond},
	})
	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T", MaxAttempts: 3}))

	for i := 0; i < 2; i++ {
		job, err := q.Lease("T", "w1", time.Second, 0)
		require.NoError(t, err)
		require.NotNil(t, job)
		require.NoError(t, q.Fail(job.ID, "boom", false))
		time.Sleep(15 * time.Millisecond)
	}

	job, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, q.Complete(job.ID, []byte("ok")))

	snap, err := q.Peek("T")
	require.NoError(t, err)
	require.Empty(t, snap) // terminal jobs are not pending/active

	final, err := q.GetJob("j1")
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, final.State)
	require.Equal(t, 3, final.Attempts)
}

func TestGetJobCoversEveryTerminalState(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, RetainCompleted: 10, RetainFailed: 10})

	require.NoError(t, q.Enqueue(&types.Job{ID: "done", Topic: "T"}))
	job, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, q.Complete(job.ID, []byte("ok")))

	require.NoError(t, q.Enqueue(&types.Job{ID: "boom", Topic: "T"}))
	job, err = q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.ID, "permanent", true))

	require.NoError(t, q.Enqueue(&types.Job{ID: "cancelled", Topic: "T"}))
	ok, err := q.Cancel("cancelled")
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := q.GetJob("done")
	require.NoError(t, err)
	require.Equal(t, types.StateCompleted, snap.State)

	snap, err = q.GetJob("boom")
	require.NoError(t, err)
	require.Equal(t, types.StateFailed, snap.State)

	snap, err = q.GetJob("cancelled")
	require.NoError(t, err)
	require.Equal(t, types.StateCancelled, snap.State)

	_, err = q.GetJob("nope")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestFailExhaustsAttempts(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T", MaxAttempts: 1}))

	job, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.NoError(t, q.Fail(job.ID, "permanent", false))

	job2, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.Nil(t, job2) // exhausted, no longer pending
}

// TestCancelWaitingJob covers spec scenario S4.
func TestCancelWaitingJob(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T"}))

	ok, err := q.Cancel("j1")
	require.NoError(t, err)
	require.True(t, ok)

	job, err := q.Lease("T", "w1", time.Second, 0)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestLeaseExpiryRequeues(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 2})
	require.NoError(t, q.Enqueue(&types.Job{ID: "j1", Topic: "T", MaxAttempts: 2}))

	job, err := q.Lease("T", "w1", 50*time.Millisecond, 0)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.Eventually(t, func() bool {
		snap, _ := q.Peek("T")
		for _, s := range snap {
			if s.ID == "j1" && s.State == types.StateWaiting && s.Attempts == 1 {
				return true
			}
		}
		return false
	}, 2*time.Second, 25*time.Millisecond)
}

func TestPatternRemove(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	require.NoError(t, q.Enqueue(&types.Job{ID: "batch-1", Topic: "T"}))
	require.NoError(t, q.Enqueue(&types.Job{ID: "batch-2", Topic: "T"}))
	require.NoError(t, q.Enqueue(&types.Job{ID: "other", Topic: "T"}))

	n, err := q.PatternRemove("batch-*")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snap, err := q.Peek("T")
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, "other", snap[0].ID)
}
