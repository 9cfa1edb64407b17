// Package cache implements the layered key-value store described in spec
// §4.6: a memory-backed hot layer in front of a durable bbolt-backed deep
// layer, plus the atomic primitives (incr, setnx) used elsewhere in the
// substrate as distributed locks and counters.
package cache

import "time"

// Entry is one stored value plus the bookkeeping spec §3 requires.
type Entry struct {
	Value        []byte
	ExpiryAt     time.Time
	LastAccessed time.Time
	ApproxSize   int64
}

// Backend is implemented by each layer of the cache (memory, bbolt).
// A nil error with found=false means "not present"; it is never used to
// signal a transport failure — those are returned as errors so Transient
// kind handling (spec §7) can distinguish the two.
type Backend interface {
	Get(key string) (value []byte, found bool, err error)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	// DeletePattern removes keys matching a glob with '*' and returns the
	// count actually removed.
	DeletePattern(pattern string) (int, error)
	// Incr atomically increments a numeric counter stored at key and
	// returns the new value.
	Incr(key string) (int64, error)
	// SetNX sets key only if absent, for use as a distributed lock.
	SetNX(key string, value []byte, ttl time.Duration) (bool, error)
	KeyCount() int
	ApproxBytes() int64
}

// Stats tracks hit/miss/set/delete counters for a cache instance.
type Stats struct {
	Hits    int64
	Misses  int64
	Sets    int64
	Deletes int64
}

// HitRate returns hits / (hits+misses), or 0 when there have been no
// lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
