package jobmanager

import (
	"testing"
	"time"

	"github.com/jobforge/jobforge/internal/queue"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/jobforge/jobforge/internal/workerpool"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	q, err := queue.New(queue.NewMemStore(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	sup := workerpool.New(q, nil, nil)
	t.Cleanup(sup.Stop)
	m := New(q, sup, nil, nil)
	m.Start()
	return m
}

func TestSubmitBeforeStartIsRejected(t *testing.T) {
	q, err := queue.New(queue.NewMemStore(), nil, nil)
	require.NoError(t, err)
	defer q.Stop()
	sup := workerpool.New(q, nil, nil)
	defer sup.Stop()
	m := New(q, sup, nil, nil)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})

	_, err = m.Submit("T", nil, SubmitOptions{})
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestSubmitUnknownTopic(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Submit("ghost", nil, SubmitOptions{})
	require.ErrorIs(t, err, ErrUnknownTopic)
}

func TestRegisterHandlerTwiceFails(t *testing.T) {
	m := newTestManager(t)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})
	h := func(ctx *workerpool.Context, payload []byte) ([]byte, error) { return nil, nil }

	require.NoError(t, m.RegisterHandler("T", h, workerpool.TopicConfig{InitialWorkers: 1}))
	err := m.RegisterHandler("T", h, workerpool.TopicConfig{InitialWorkers: 1})
	require.ErrorIs(t, err, ErrHandlerAlreadyRegistered)
}

func TestSubmitAndStatusLifecycle(t *testing.T) {
	m := newTestManager(t)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, VisibilityTimeout: time.Second})

	events, unsub, err := m.Subscribe("T")
	require.NoError(t, err)
	defer unsub()

	h := func(ctx *workerpool.Context, payload []byte) ([]byte, error) {
		ctx.ReportProgress(50)
		return []byte("done"), nil
	}
	require.NoError(t, m.RegisterHandler("T", h, workerpool.TopicConfig{InitialWorkers: 1}))

	id, err := m.Submit("T", []byte("payload"), SubmitOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	seen := map[EventType]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case evt := <-events:
			seen[evt.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw: %v", seen)
		}
	}
	require.True(t, seen[EventStarted])
	require.True(t, seen[EventProgress])
	require.True(t, seen[EventCompleted])
}

func TestStatusReturnsSnapshotForCompletedJob(t *testing.T) {
	m := newTestManager(t)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, VisibilityTimeout: time.Second, RetainCompleted: 10})

	done := make(chan struct{})
	h := func(ctx *workerpool.Context, payload []byte) ([]byte, error) {
		defer close(done)
		return []byte("done"), nil
	}
	require.NoError(t, m.RegisterHandler("T", h, workerpool.TopicConfig{InitialWorkers: 1}))

	id, err := m.Submit("T", nil, SubmitOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}

	require.Eventually(t, func() bool {
		snap, err := m.Status(id)
		return err == nil && snap.State == types.StateCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestStatusUnknownJobReturnsError(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Status("ghost")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestProgressIsClampedAndMonotone(t *testing.T) {
	m := newTestManager(t)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1, VisibilityTimeout: time.Second})

	events, unsub, err := m.Subscribe("T")
	require.NoError(t, err)
	defer unsub()

	h := func(ctx *workerpool.Context, payload []byte) ([]byte, error) {
		ctx.ReportProgress(70)
		ctx.ReportProgress(30) // out of order; must clamp to the last-seen 70
		ctx.ReportProgress(150) // clamps to 100
		return nil, nil
	}
	require.NoError(t, m.RegisterHandler("T", h, workerpool.TopicConfig{InitialWorkers: 1}))

	_, err = m.Submit("T", nil, SubmitOptions{})
	require.NoError(t, err)

	var seenProgress []int
	timeout := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == EventProgress {
				seenProgress = append(seenProgress, evt.Percent)
			}
			if evt.Type == EventCompleted {
				require.Equal(t, []int{70, 70, 100}, seenProgress)
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for completion, saw progress: %v", seenProgress)
		}
	}
}

func TestCancelWaitingJobViaManager(t *testing.T) {
	m := newTestManager(t)
	m.RegisterTopic(types.Topic{Name: "T", DefaultMaxAttempts: 1})

	id, err := m.Submit("T", nil, SubmitOptions{Delay: time.Hour})
	require.NoError(t, err)

	ok, err := m.Cancel(id)
	require.NoError(t, err)
	require.True(t, ok)
}
