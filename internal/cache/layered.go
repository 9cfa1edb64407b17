package cache

import (
	"sync"
	"time"
)

// Layered walks an ordered list of backends shallowest-first (spec §4.6).
// A hit in a deeper layer is promoted to every shallower layer; writes and
// deletes propagate to all layers.
type Layered struct {
	backends []Backend

	mu    sync.Mutex
	stats Stats
}

// NewLayered builds a cache over backends ordered shallow to deep (memory
// first, external KV last, matching spec §3's CacheLayer ordering).
func NewLayered(backends ...Backend) *Layered {
	return &Layered{backends: backends}
}

// Get returns the first non-null value found, promoting it to shallower
// layers on a deep hit.
func (l *Layered) Get(key string) ([]byte, bool) {
	for i, b := range l.backends {
		val, found, err := b.Get(key)
		if err != nil || !found {
			continue
		}
		if i > 0 {
			for j := 0; j < i; j++ {
				_ = l.backends[j].Set(key, val, 0)
			}
		}
		l.mu.Lock()
		l.stats.Hits++
		l.mu.Unlock()
		return val, true
	}
	l.mu.Lock()
	l.stats.Misses++
	l.mu.Unlock()
	return nil, false
}

// Set propagates a write to every layer. It returns the first error
// encountered but still attempts every layer, since a failure in one
// layer (e.g. the memory backend rejecting an oversized value) should not
// prevent the durable layer from holding the value.
func (l *Layered) Set(key string, value []byte, ttl time.Duration) error {
	var firstErr error
	for _, b := range l.backends {
		if err := b.Set(key, value, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.mu.Lock()
	l.stats.Sets++
	l.mu.Unlock()
	return firstErr
}

// Delete removes key from every layer.
func (l *Layered) Delete(key string) error {
	var firstErr error
	for _, b := range l.backends {
		if err := b.Delete(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.mu.Lock()
	l.stats.Deletes++
	l.mu.Unlock()
	return firstErr
}

// DeletePattern removes matching keys from every layer and returns the
// sum of counts actually removed (spec §4.6).
func (l *Layered) DeletePattern(pattern string) (int, error) {
	total := 0
	var firstErr error
	for _, b := range l.backends {
		n, err := b.DeletePattern(pattern)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// Incr delegates to the deepest backend so counters are shared across
// every process using the cache, then mirrors the result to shallower
// layers.
func (l *Layered) Incr(key string) (int64, error) {
	if len(l.backends) == 0 {
		return 0, nil
	}
	deep := l.backends[len(l.backends)-1]
	n, err := deep.Incr(key)
	if err != nil {
		return 0, err
	}
	for i := 0; i < len(l.backends)-1; i++ {
		_ = l.backends[i].Set(key, []byte(formatInt(n)), 0)
	}
	return n, nil
}

// Stats returns a copy of the accumulated hit/miss/set/delete counters.
func (l *Layered) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}
