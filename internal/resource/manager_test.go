package resource

import (
	"testing"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsMemoryBudget(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10, MemoryBudgetBytes: 100}, nil)

	require.NoError(t, m.TryAcquire(&types.Job{MemoryRequirement: 60}))
	err := m.TryAcquire(&types.Job{MemoryRequirement: 60})
	require.ErrorIs(t, err, ErrBudgetExhausted)
}

func TestReleaseReturnsBudget(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 1}, nil)
	job := &types.Job{MemoryRequirement: 10}
	require.NoError(t, m.TryAcquire(job))
	require.ErrorIs(t, m.TryAcquire(job), ErrBudgetExhausted)
	m.Release(job)
	require.NoError(t, m.TryAcquire(job))
}

func TestEvaluateScaleUpOnQueueBacklog(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10}, nil)
	m.SetQueuedJobs(8)
	decision := m.Evaluate(2)
	require.Equal(t, types.ActionScaleUp, decision.Action)
	require.Equal(t, types.PriorityHigh, decision.Priority)
	require.Equal(t, 3, decision.Target)
}

func TestEvaluateScaleDownWhenIdle(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10}, nil)
	decision := m.Evaluate(3)
	require.Equal(t, types.ActionScaleDown, decision.Action)
	require.Equal(t, 1, decision.Target)
}

func TestEvaluateNoActionAtOne(t *testing.T) {
	m := New(Config{MaxConcurrentJobs: 10}, nil)
	decision := m.Evaluate(1)
	require.Equal(t, types.ActionNone, decision.Action)
}

func TestPolicyGating(t *testing.T) {
	high := types.AutoscaleDecision{Action: types.ActionScaleUp, Priority: types.PriorityHigh}
	medium := types.AutoscaleDecision{Action: types.ActionScaleUp, Priority: types.PriorityMedium}

	require.True(t, Config{Policy: types.PolicyAggressive}.Allowed(medium))
	require.False(t, Config{Policy: types.PolicyConservative}.Allowed(medium))
	require.True(t, Config{Policy: types.PolicyConservative}.Allowed(high))
	require.False(t, Config{Policy: types.PolicyManual}.Allowed(high))
}
