// Package balancer implements the outbound load balancer of spec §4.7
// (C7): it chooses a backend instance for dispatch to a pool of
// homogeneous executors, tracking health and per-backend stats the way
// the teacher's SMTPPool tracks connection health.
package balancer

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoBackendsAvailable is returned when every backend is unhealthy.
var ErrNoBackendsAvailable = errors.New("no backends available")

// Algorithm selects which strategy Balancer.Pick uses.
type Algorithm string

const (
	RoundRobin      Algorithm = "round_robin"
	Weighted        Algorithm = "weighted"
	LeastConns      Algorithm = "least_conn"
	IPHash          Algorithm = "ip_hash"
)

// Backend is one homogeneous executor instance in the pool.
type Backend struct {
	ID     string
	Addr   string
	Weight int // used by Weighted; <= 0 treated as 1

	mu             sync.Mutex
	healthy        bool
	activeConns    int64
	requestCount   int64
	ewmaRespTimeMs float64
}

func newBackend(id, addr string, weight int) *Backend {
	if weight <= 0 {
		weight = 1
	}
	return &Backend{ID: id, Addr: addr, Weight: weight, healthy: true}
}

// Stats is a point-in-time snapshot of one backend's load.
type Stats struct {
	ID              string
	Healthy         bool
	ActiveConns     int64
	RequestCount    int64
	EWMAResponseMs  float64
}

func (b *Backend) snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ID:             b.ID,
		Healthy:        b.healthy,
		ActiveConns:    b.activeConns,
		RequestCount:   b.requestCount,
		EWMAResponseMs: b.ewmaRespTimeMs,
	}
}

func (b *Backend) isHealthy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.healthy
}

func (b *Backend) setHealthy(healthy bool) {
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}

// recordStart bumps the active-connection counter; callers call Release
// when the dispatched call completes.
func (b *Backend) recordStart() {
	atomic.AddInt64(&b.activeConns, 1)
	b.mu.Lock()
	b.requestCount++
	b.mu.Unlock()
}

func (b *Backend) recordFinish(elapsed time.Duration) {
	atomic.AddInt64(&b.activeConns, -1)
	b.mu.Lock()
	ms := float64(elapsed.Milliseconds())
	if b.ewmaRespTimeMs == 0 {
		b.ewmaRespTimeMs = ms
	} else {
		const alpha = 0.3
		b.ewmaRespTimeMs = alpha*ms + (1-alpha)*b.ewmaRespTimeMs
	}
	b.mu.Unlock()
}

// HealthProber checks one backend's reachability; the Balancer calls it
// on a ticker the same shape as SMTPPool.healthChecker.
type HealthProber func(b *Backend) error

// Config configures health probing and the unhealthy threshold.
type Config struct {
	Algorithm          Algorithm
	ProbeInterval      time.Duration // default 30s
	UnhealthyThreshold time.Duration // response time above this marks unhealthy
	Prober             HealthProber  // nil disables probing
}

// Balancer picks a Backend per the configured Algorithm among currently
// healthy backends, and runs an independently cancellable health-probe
// loop.
type Balancer struct {
	cfg Config
	log *logrus.Logger

	mu       sync.RWMutex
	backends []*Backend
	rrIndex  uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a Balancer over the given backends.
func New(cfg Config, backends []*Backend, log *logrus.Logger) *Balancer {
	if log == nil {
		log = logrus.New()
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = RoundRobin
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 30 * time.Second
	}
	b := &Balancer{cfg: cfg, log: log, backends: backends, stop: make(chan struct{})}
	if cfg.Prober != nil {
		b.wg.Add(1)
		go b.healthLoop()
	}
	return b
}

// NewBackend constructs a Backend for registration with a Balancer.
func NewBackend(id, addr string, weight int) *Backend {
	return newBackend(id, addr, weight)
}

// Add registers a new backend, taking a copy-on-write snapshot of the ring
// so concurrent reads never observe a partially built slice.
func (b *Balancer) Add(backend *Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*Backend, len(b.backends)+1)
	copy(next, b.backends)
	next[len(b.backends)] = backend
	b.backends = next
}

// Remove drops a backend by ID.
func (b *Balancer) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := make([]*Backend, 0, len(b.backends))
	for _, bk := range b.backends {
		if bk.ID != id {
			next = append(next, bk)
		}
	}
	b.backends = next
}

func (b *Balancer) healthySnapshot() []*Backend {
	b.mu.RLock()
	ring := b.backends
	b.mu.RUnlock()

	healthy := make([]*Backend, 0, len(ring))
	for _, bk := range ring {
		if bk.isHealthy() {
			healthy = append(healthy, bk)
		}
	}
	return healthy
}

// Pick selects a backend for the given session key (used only by IPHash;
// ignored by the other algorithms).
func (b *Balancer) Pick(sessionKey string) (*Backend, error) {
	healthy := b.healthySnapshot()
	if len(healthy) == 0 {
		return nil, ErrNoBackendsAvailable
	}

	switch b.cfg.Algorithm {
	case Weighted:
		return pickWeighted(healthy), nil
	case LeastConns:
		return pickLeastConns(healthy), nil
	case IPHash:
		return pickIPHash(healthy, sessionKey), nil
	default:
		return b.pickRoundRobin(healthy), nil
	}
}

func (b *Balancer) pickRoundRobin(healthy []*Backend) *Backend {
	idx := atomic.AddUint64(&b.rrIndex, 1)
	return healthy[int(idx)%len(healthy)]
}

func pickWeighted(healthy []*Backend) *Backend {
	total := 0
	for _, bk := range healthy {
		total += bk.Weight
	}
	if total <= 0 {
		return healthy[0]
	}
	r := rand.Intn(total)
	for _, bk := range healthy {
		r -= bk.Weight
		if r < 0 {
			return bk
		}
	}
	return healthy[len(healthy)-1]
}

func pickLeastConns(healthy []*Backend) *Backend {
	best := healthy[0]
	bestStats := best.snapshot()
	for _, bk := range healthy[1:] {
		s := bk.snapshot()
		if s.ActiveConns < bestStats.ActiveConns ||
			(s.ActiveConns == bestStats.ActiveConns && s.EWMAResponseMs < bestStats.EWMAResponseMs) {
			best, bestStats = bk, s
		}
	}
	return best
}

func pickIPHash(healthy []*Backend, sessionKey string) *Backend {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionKey))
	return healthy[int(h.Sum32())%len(healthy)]
}

// Dispatch picks a backend, runs fn against it with connection/timing
// tracking, and returns fn's error.
func (b *Balancer) Dispatch(sessionKey string, fn func(*Backend) error) error {
	backend, err := b.Pick(sessionKey)
	if err != nil {
		return err
	}
	backend.recordStart()
	start := time.Now()
	err = fn(backend)
	backend.recordFinish(time.Since(start))
	return err
}

func (b *Balancer) healthLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.probeAll()
		}
	}
}

func (b *Balancer) probeAll() {
	b.mu.RLock()
	ring := b.backends
	b.mu.RUnlock()

	for _, bk := range ring {
		start := time.Now()
		err := b.cfg.Prober(bk)
		elapsed := time.Since(start)
		if err != nil {
			bk.setHealthy(false)
			b.log.Warnf("balancer: backend %s failed health probe: %v", bk.ID, err)
			continue
		}
		if b.cfg.UnhealthyThreshold > 0 && elapsed > b.cfg.UnhealthyThreshold {
			bk.setHealthy(false)
			b.log.Warnf("balancer: backend %s exceeded unhealthy threshold (%v)", bk.ID, elapsed)
			continue
		}
		bk.setHealthy(true)
	}
}

// Stats returns a snapshot of every backend plus totals/averages.
func (b *Balancer) Stats() ([]Stats, Stats) {
	b.mu.RLock()
	ring := b.backends
	b.mu.RUnlock()

	all := make([]Stats, 0, len(ring))
	var total Stats
	for _, bk := range ring {
		s := bk.snapshot()
		all = append(all, s)
		total.RequestCount += s.RequestCount
		total.ActiveConns += s.ActiveConns
		total.EWMAResponseMs += s.EWMAResponseMs
	}
	if len(all) > 0 {
		total.EWMAResponseMs /= float64(len(all))
	}
	return all, total
}

// Stop halts the health-probe loop.
func (b *Balancer) Stop() {
	close(b.stop)
	b.wg.Wait()
}
