package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	dataBucket = "cache"
	lockBucket = "locks"
)

// BoltBackend is the durable deep layer of the cache, and doubles as the
// external key-value store contract described in spec §6: get/setex/del/
// incr/keys(pattern)/set-nx. Generalized from database.BoltDBClient's
// job-persistence bucket layout to arbitrary cache keys.
type BoltBackend struct {
	db *bbolt.DB
}

type boltRecord struct {
	Value    []byte
	ExpiryAt int64 // unix nano, 0 = no expiry
}

// OpenBoltBackend opens (creating if absent) a bbolt-backed cache store.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open bbolt cache at %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(dataBucket)); err != nil {
			return errors.Wrap(err, "create cache bucket")
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(lockBucket)); err != nil {
			return errors.Wrap(err, "create lock bucket")
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "initialize bbolt cache buckets")
	}
	return &BoltBackend{db: db}, nil
}

// Close closes the underlying database.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func encodeRecord(value []byte, ttl time.Duration) []byte {
	var expiry int64
	if ttl > 0 {
		expiry = time.Now().Add(ttl).UnixNano()
	}
	return []byte(fmt.Sprintf("%d:%s", expiry, value))
}

func decodeRecord(raw []byte) (value []byte, expiryAt time.Time, expired bool) {
	s := string(raw)
	idx := strings.IndexByte(s, ':')
	if idx < 0 {
		return raw, time.Time{}, false
	}
	nanos, err := strconv.ParseInt(s[:idx], 10, 64)
	if err != nil {
		return raw, time.Time{}, false
	}
	value = []byte(s[idx+1:])
	if nanos == 0 {
		return value, time.Time{}, false
	}
	expiryAt = time.Unix(0, nanos)
	return value, expiryAt, time.Now().After(expiryAt)
}

func (b *BoltBackend) Get(key string) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket([]byte(dataBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		v, _, expired := decodeRecord(raw)
		if expired {
			return nil
		}
		value = append([]byte(nil), v...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrap(err, "bbolt get")
	}
	return value, found, nil
}

func (b *BoltBackend) Set(key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket([]byte(dataBucket)).Put([]byte(key), encodeRecord(value, ttl)), "bbolt set")
	})
}

func (b *BoltBackend) Delete(key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket([]byte(dataBucket)).Delete([]byte(key)), "bbolt delete")
	})
}

// DeletePattern is the external backend's scan+delete, per spec §4.6.
func (b *BoltBackend) DeletePattern(pattern string) (int, error) {
	removed := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		c := bucket.Cursor()
		var keys [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if globMatch(pattern, string(k)) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return errors.Wrap(err, "bbolt delete pattern")
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (b *BoltBackend) Incr(key string) (int64, error) {
	var n int64
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		raw := bucket.Get([]byte(key))
		if raw != nil {
			v, _, expired := decodeRecord(raw)
			if !expired {
				n = parseInt(v)
			}
		}
		n++
		return errors.Wrap(bucket.Put([]byte(key), encodeRecord([]byte(formatInt(n)), 0)), "bbolt incr")
	})
	return n, err
}

func (b *BoltBackend) SetNX(key string, value []byte, ttl time.Duration) (bool, error) {
	var set bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(dataBucket))
		raw := bucket.Get([]byte(key))
		if raw != nil {
			_, _, expired := decodeRecord(raw)
			if !expired {
				return nil
			}
		}
		set = true
		return errors.Wrap(bucket.Put([]byte(key), encodeRecord(value, ttl)), "bbolt setnx")
	})
	return set, err
}

func (b *BoltBackend) KeyCount() int {
	count := 0
	_ = b.db.View(func(tx *bbolt.Tx) error {
		count = tx.Bucket([]byte(dataBucket)).Stats().KeyN
		return nil
	})
	return count
}

func (b *BoltBackend) ApproxBytes() int64 {
	var total int64
	_ = b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(dataBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			total += int64(len(k) + len(v))
		}
		return nil
	})
	return total
}

// --- distributed lock, generalized from database.BoltDBClient's per-job
// lock bucket to arbitrary keys (spec §4.6 "Distributed lock"). ---

func formatLockToken(instanceID string) string {
	return fmt.Sprintf("%s:%d", instanceID, time.Now().UnixNano())
}

func parseLockToken(raw []byte) (instanceID string, lockedAt time.Time, err error) {
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 {
		return "", time.Time{}, errors.New("malformed lock token")
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "invalid lock timestamp")
	}
	return parts[0], time.Unix(0, nanos), nil
}

// AcquireLock conditionally sets a holder token for key, honoring ttl as
// the lock's expiry. Expired or self-held locks are re-acquired.
func (b *BoltBackend) AcquireLock(key, instanceID string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(lockBucket))
		current := bucket.Get([]byte(key))
		if current == nil {
			acquired = true
			return bucket.Put([]byte(key), []byte(formatLockToken(instanceID)))
		}
		heldBy, lockedAt, err := parseLockToken(current)
		if err != nil {
			return errors.Wrap(err, "parse existing lock")
		}
		if heldBy == instanceID || time.Since(lockedAt) > ttl {
			acquired = true
			return bucket.Put([]byte(key), []byte(formatLockToken(instanceID)))
		}
		return nil
	})
	return acquired, err
}

// ReleaseLock deletes the lock only if still held by instanceID
// (compare-and-delete, per spec's "best-effort" release note).
func (b *BoltBackend) ReleaseLock(key, instanceID string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(lockBucket))
		current := bucket.Get([]byte(key))
		if current == nil {
			return nil
		}
		heldBy, _, err := parseLockToken(current)
		if err != nil {
			return errors.Wrap(bucket.Delete([]byte(key)), "delete malformed lock")
		}
		if heldBy == instanceID {
			return errors.Wrap(bucket.Delete([]byte(key)), "delete lock")
		}
		return nil
	})
}
