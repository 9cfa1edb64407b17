package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/jobforge/jobforge/internal/cache"
	"github.com/jobforge/jobforge/internal/types"
	"github.com/sirupsen/logrus"
)

// ManagerConfig configures a Manager's auto-lifecycle behavior, mirroring
// the teacher's SchedulerManager defaults.
type ManagerConfig struct {
	StorePath     string
	SchedulerCfg  Config
	ShutdownDelay time.Duration // idle time before auto-stop; 0 disables
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		StorePath:     "scheduler.db",
		SchedulerCfg:  Config{CheckInterval: time.Second, RetainHistory: 100},
		ShutdownDelay: 5 * time.Minute,
	}
}

// Manager lazily starts a Scheduler the first time a definition is
// registered, and auto-stops it after ShutdownDelay of no due
// definitions, the way the teacher's SchedulerManager does for the SMTP
// dispatch scheduler.
type Manager struct {
	mu            sync.Mutex
	cfg           ManagerConfig
	submit        Submitter
	events        EventSource
	log           *logrus.Logger
	sched         *Scheduler
	store         *BoltStore
	running       bool
	shutdownTimer *time.Timer
	monitorQuit   chan struct{}
}

// NewManager builds a Manager; the underlying Scheduler is not started
// until the first call that needs it.
func NewManager(cfg ManagerConfig, submit Submitter, events EventSource, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.New()
	}
	return &Manager{cfg: cfg, submit: submit, events: events, log: log}
}

// ensureStarted opens the durable store and starts the Scheduler if it
// is not already running, cancelling any pending auto-shutdown.
func (m *Manager) ensureStarted() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		if m.shutdownTimer != nil {
			m.shutdownTimer.Stop()
			m.shutdownTimer = nil
		}
		return nil
	}

	store, err := NewBoltStore(m.cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	// A distinct bbolt file: bbolt's file lock is exclusive per path, so
	// the definitions store and the lock backend cannot share one handle.
	lockBackend, err := cache.OpenBoltBackend(m.cfg.StorePath + ".locks")
	if err != nil {
		store.Close()
		return fmt.Errorf("open scheduler lock backend: %w", err)
	}

	sched, err := New(store, lockBackend, m.submit, m.cfg.SchedulerCfg, m.log)
	if err != nil {
		store.Close()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if m.events != nil {
		sched.AttachEvents(m.events)
	}

	m.store = store
	m.sched = sched
	m.running = true
	m.monitorQuit = make(chan struct{})
	go m.monitorActivity()

	m.log.Infof("scheduler started automatically, store: %s", m.cfg.StorePath)
	return nil
}

// monitorActivity schedules an auto-shutdown once no definition has any
// in-flight or imminently due execution, the same idle-detection shape
// as the teacher's SchedulerManager.monitorActivity.
func (m *Manager) monitorActivity() {
	ticker := time.NewTicker(monitorInterval(m.cfg.ShutdownDelay))
	defer ticker.Stop()
	for {
		select {
		case <-m.monitorQuit:
			return
		case <-ticker.C:
			m.mu.Lock()
			sched := m.sched
			m.mu.Unlock()
			if sched == nil {
				return
			}
			if m.cfg.ShutdownDelay <= 0 {
				continue
			}
			if sched.hasActivity() {
				m.mu.Lock()
				if m.shutdownTimer != nil {
					m.shutdownTimer.Stop()
					m.shutdownTimer = nil
				}
				m.mu.Unlock()
				continue
			}
			m.scheduleShutdown()
		}
	}
}

// monitorInterval scales the idle-poll frequency to ShutdownDelay so a
// short delay (as in tests) is actually observed, capping at 30s for the
// multi-minute defaults the teacher's SchedulerManager used.
func monitorInterval(shutdownDelay time.Duration) time.Duration {
	if shutdownDelay <= 0 {
		return 30 * time.Second
	}
	interval := shutdownDelay / 5
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func (m *Manager) scheduleShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdownTimer != nil {
		return
	}
	m.shutdownTimer = time.AfterFunc(m.cfg.ShutdownDelay, func() {
		m.log.Infof("scheduler auto-shutting down after %v idle", m.cfg.ShutdownDelay)
		m.Stop()
	})
}

// RegisterDefinition ensures the scheduler is running and adds def.
func (m *Manager) RegisterDefinition(def types.ScheduledDefinition) (string, error) {
	if err := m.ensureStarted(); err != nil {
		return "", err
	}
	m.mu.Lock()
	sched := m.sched
	m.mu.Unlock()
	return sched.RegisterDefinition(def)
}

// IsRunning reports whether the scheduler is currently live.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Stop halts the scheduler and releases its durable store.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	if m.shutdownTimer != nil {
		m.shutdownTimer.Stop()
		m.shutdownTimer = nil
	}
	close(m.monitorQuit)
	m.sched.Stop()
	m.store.Close()
	m.sched = nil
	m.store = nil
	m.running = false
	m.log.Infof("scheduler stopped")
}
