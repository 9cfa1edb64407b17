package workerpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerTripsAfterMaxFailures(t *testing.T) {
	b := NewBreaker(2, 50*time.Millisecond)
	require.True(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Closed, b.State())
	b.RecordFailure()
	require.Equal(t, Open, b.State())
	require.False(t, b.Allow())
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	require.Eventually(t, func() bool {
		return b.Allow()
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	require.Equal(t, Closed, b.State())
}

func TestBreakerFailureInHalfOpenReopens(t *testing.T) {
	b := NewBreaker(1, 20*time.Millisecond)
	b.RecordFailure()
	require.Eventually(t, func() bool { return b.Allow() }, time.Second, 5*time.Millisecond)
	b.RecordFailure()
	require.Equal(t, Open, b.State())
}
