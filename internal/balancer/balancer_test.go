package balancer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBackends(n int) []*Backend {
	out := make([]*Backend, n)
	for i := 0; i < n; i++ {
		out[i] = NewBackend(string(rune('a'+i)), "addr", 1)
	}
	return out
}

func TestRoundRobinCyclesEvenly(t *testing.T) {
	backends := newBackends(3)
	b := New(Config{Algorithm: RoundRobin}, backends, nil)
	t.Cleanup(b.Stop)

	counts := map[string]int{}
	for i := 0; i < 30; i++ {
		picked, err := b.Pick("")
		require.NoError(t, err)
		counts[picked.ID]++
	}
	for _, c := range counts {
		require.Equal(t, 10, c)
	}
}

func TestWeightedFavorsHigherWeight(t *testing.T) {
	heavy := NewBackend("heavy", "addr", 9)
	light := NewBackend("light", "addr", 1)
	b := New(Config{Algorithm: Weighted}, []*Backend{heavy, light}, nil)
	t.Cleanup(b.Stop)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		picked, err := b.Pick("")
		require.NoError(t, err)
		counts[picked.ID]++
	}
	require.Greater(t, counts["heavy"], counts["light"])
}

func TestLeastConnsPicksLeastBusy(t *testing.T) {
	busy := NewBackend("busy", "addr", 1)
	idle := NewBackend("idle", "addr", 1)
	busy.recordStart()
	busy.recordStart()

	b := New(Config{Algorithm: LeastConns}, []*Backend{busy, idle}, nil)
	t.Cleanup(b.Stop)

	picked, err := b.Pick("")
	require.NoError(t, err)
	require.Equal(t, "idle", picked.ID)
}

func TestIPHashIsSticky(t *testing.T) {
	backends := newBackends(5)
	b := New(Config{Algorithm: IPHash}, backends, nil)
	t.Cleanup(b.Stop)

	first, err := b.Pick("session-42")
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Pick("session-42")
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
	}
}

func TestNoBackendsAvailableWhenAllUnhealthy(t *testing.T) {
	backends := newBackends(2)
	for _, bk := range backends {
		bk.setHealthy(false)
	}
	b := New(Config{Algorithm: RoundRobin}, backends, nil)
	t.Cleanup(b.Stop)

	_, err := b.Pick("")
	require.ErrorIs(t, err, ErrNoBackendsAvailable)
}

func TestHealthProbeMarksFailedBackendUnhealthy(t *testing.T) {
	good := NewBackend("good", "addr", 1)
	bad := NewBackend("bad", "addr", 1)

	prober := func(bk *Backend) error {
		if bk.ID == "bad" {
			return errors.New("unreachable")
		}
		return nil
	}

	b := New(Config{
		Algorithm:     RoundRobin,
		ProbeInterval: 10 * time.Millisecond,
		Prober:        prober,
	}, []*Backend{good, bad}, nil)
	t.Cleanup(b.Stop)

	require.Eventually(t, func() bool {
		return !bad.isHealthy() && good.isHealthy()
	}, time.Second, 5*time.Millisecond)

	picked, err := b.Pick("")
	require.NoError(t, err)
	require.Equal(t, "good", picked.ID)
}

func TestDispatchTracksConnectionsAndResponseTime(t *testing.T) {
	backends := newBackends(1)
	b := New(Config{Algorithm: RoundRobin}, backends, nil)
	t.Cleanup(b.Stop)

	err := b.Dispatch("", func(bk *Backend) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	all, total := b.Stats()
	require.Len(t, all, 1)
	require.Equal(t, int64(1), all[0].RequestCount)
	require.Equal(t, int64(0), all[0].ActiveConns)
	require.Greater(t, total.EWMAResponseMs, 0.0)
}
