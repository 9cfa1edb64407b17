package cache

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Locker implements the distributed lock primitive of spec §4.6 on top of
// any Backend's SetNX/Get/Delete, so it works identically whether backed
// by the memory backend (single process) or the bbolt backend (durable
// across restarts).
type Locker struct {
	backend Backend
}

// NewLocker wraps a backend as a lock primitive.
func NewLocker(backend Backend) *Locker {
	return &Locker{backend: backend}
}

// Acquire attempts to take the lock named key for ttl, returning whether it
// succeeded. The holder token is random so Release can verify ownership
// before deleting — callers SHOULD compare-and-delete to avoid releasing
// another holder's lock (spec §4.6).
func (l *Locker) Acquire(key string, ttl time.Duration) (held bool, token string, err error) {
	token = uuid.NewString()
	ok, err := l.backend.SetNX(lockKey(key), []byte(token), ttl)
	if err != nil {
		return false, "", err
	}
	return ok, token, nil
}

// Release deletes the lock only if it is still held by token.
func (l *Locker) Release(key, token string) error {
	current, found, err := l.backend.Get(lockKey(key))
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	if !bytes.Equal(current, []byte(token)) {
		return nil // held by someone else; best-effort no-op
	}
	return l.backend.Delete(lockKey(key))
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}
