package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/stretchr/testify/require"
)

func TestManagerLazyStartsOnFirstRegistration(t *testing.T) {
	sub := &stubSubmitter{}
	m := NewManager(ManagerConfig{
		StorePath:    filepath.Join(t.TempDir(), "sched.db"),
		SchedulerCfg: Config{CheckInterval: 20 * time.Millisecond},
	}, sub, nil, nil)
	t.Cleanup(m.Stop)

	require.False(t, m.IsRunning())

	_, err := m.RegisterDefinition(types.ScheduledDefinition{
		Name:     "once",
		CronExpr: "* * * * * *",
		Topic:    "t",
		Enabled:  true,
	})
	require.NoError(t, err)
	require.True(t, m.IsRunning())

	require.Eventually(t, func() bool { return sub.count() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestManagerAutoShutsDownAfterIdle(t *testing.T) {
	sub := &stubSubmitter{}
	m := NewManager(ManagerConfig{
		StorePath:     filepath.Join(t.TempDir(), "sched.db"),
		SchedulerCfg:  Config{CheckInterval: 20 * time.Millisecond},
		ShutdownDelay: 50 * time.Millisecond,
	}, sub, nil, nil)
	t.Cleanup(m.Stop)

	_, err := m.RegisterDefinition(types.ScheduledDefinition{
		Name:     "disabled",
		CronExpr: "0 0 1 1 *",
		Topic:    "t",
		Enabled:  false,
	})
	require.NoError(t, err)
	require.True(t, m.IsRunning())

	require.Eventually(t, func() bool { return !m.IsRunning() }, 3*time.Second, 20*time.Millisecond)
}
