package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTooLarge is returned by Set when a value exceeds MaxBytes on its own.
var ErrTooLarge = errors.New("value exceeds memory backend capacity")

// MemoryBackend is an in-process LRU cache bounded by entry count and total
// byte size (spec §4.6: "Memory backend"). A single mutex guards the map
// and the LRU list, matching the spec's concurrency policy for the cache's
// memory backend.
type MemoryBackend struct {
	mu         sync.Mutex
	maxEntries int
	maxBytes   int64

	entries   map[string]*list.Element
	lru       *list.List // front = most recently used
	totalSize int64
}

type memoryItem struct {
	key   string
	entry Entry
}

// NewMemoryBackend builds a bounded in-memory backend.
func NewMemoryBackend(maxEntries int, maxBytes int64) *MemoryBackend {
	return &MemoryBackend{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
	}
}

func (m *MemoryBackend) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*memoryItem)
	if !item.entry.ExpiryAt.IsZero() && time.Now().After(item.entry.ExpiryAt) {
		m.removeElement(el)
		return nil, false, nil
	}
	item.entry.LastAccessed = time.Now()
	m.lru.MoveToFront(el)

	val := make([]byte, len(item.entry.Value))
	copy(val, item.entry.Value)
	return val, true, nil
}

func (m *MemoryBackend) Set(key string, value []byte, ttl time.Duration) error {
	size := int64(len(value))
	if m.maxBytes > 0 && size > m.maxBytes {
		return ErrTooLarge
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	item := &memoryItem{key: key, entry: Entry{
		Value:        append([]byte(nil), value...),
		ExpiryAt:     expiry,
		LastAccessed: time.Now(),
		ApproxSize:   size,
	}}
	el := m.lru.PushFront(item)
	m.entries[key] = el
	m.totalSize += size

	m.evictUntilWithinCapacity()
	return nil
}

// evictUntilWithinCapacity evicts the least-recently-used entries until the
// backend is within both maxEntries and maxBytes. Caller must hold m.mu.
func (m *MemoryBackend) evictUntilWithinCapacity() {
	for (m.maxEntries > 0 && len(m.entries) > m.maxEntries) ||
		(m.maxBytes > 0 && m.totalSize > m.maxBytes) {
		oldest := m.lru.Back()
		if oldest == nil {
			return
		}
		m.removeElement(oldest)
	}
}

// removeElement deletes an element from both the map and the list. Caller
// must hold m.mu.
func (m *MemoryBackend) removeElement(el *list.Element) {
	item := el.Value.(*memoryItem)
	m.lru.Remove(el)
	delete(m.entries, item.key)
	m.totalSize -= item.entry.ApproxSize
}

func (m *MemoryBackend) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.entries[key]; ok {
		m.removeElement(el)
	}
	return nil
}

// DeletePattern filters keys literally against the glob, since the memory
// backend has no server-side scan (spec §4.6).
func (m *MemoryBackend) DeletePattern(pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var toRemove []*list.Element
	for key, el := range m.entries {
		if globMatch(pattern, key) {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		m.removeElement(el)
	}
	return len(toRemove), nil
}

func (m *MemoryBackend) Incr(key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	if el, ok := m.entries[key]; ok {
		item := el.Value.(*memoryItem)
		n = parseInt(item.entry.Value)
		n++
		item.entry.Value = []byte(formatInt(n))
		m.lru.MoveToFront(el)
		return n, nil
	}
	n = 1
	item := &memoryItem{key: key, entry: Entry{Value: []byte(formatInt(n)), LastAccessed: time.Now()}}
	el := m.lru.PushFront(item)
	m.entries[key] = el
	m.evictUntilWithinCapacity()
	return n, nil
}

func (m *MemoryBackend) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[key]; ok {
		item := el.Value.(*memoryItem)
		if item.entry.ExpiryAt.IsZero() || time.Now().Before(item.entry.ExpiryAt) {
			return false, nil
		}
		m.removeElement(el)
	}

	var expiry time.Time
	if ttl > 0 {
		expiry = time.Now().Add(ttl)
	}
	item := &memoryItem{key: key, entry: Entry{
		Value:        append([]byte(nil), value...),
		ExpiryAt:     expiry,
		LastAccessed: time.Now(),
		ApproxSize:   int64(len(value)),
	}}
	el := m.lru.PushFront(item)
	m.entries[key] = el
	m.totalSize += item.entry.ApproxSize
	m.evictUntilWithinCapacity()
	return true, nil
}

func (m *MemoryBackend) KeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryBackend) ApproxBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalSize
}

// globMatch supports a single '*' wildcard, matching the external
// backend's scan semantics closely enough for literal filtering.
func globMatch(pattern, key string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == key
	}
	parts := strings.SplitN(pattern, "*", 2)
	prefix, suffix := parts[0], parts[1]
	return strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix) && len(key) >= len(prefix)+len(suffix)
}

func parseInt(b []byte) int64 {
	var n int64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}

func formatInt(n int64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
