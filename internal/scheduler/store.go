// Package scheduler implements the cron-triggered job dispatcher of spec
// §4.5 (C6): it owns ScheduledDefinitions, fires due ones under a
// distributed lock, and submits the resulting jobs through the job
// manager.
package scheduler

import (
	"encoding/json"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const (
	definitionsBucket = "scheduler_definitions"
	executionsBucket  = "scheduler_executions"
)

// Store persists ScheduledDefinitions and their ExecutionRecords,
// generalized from database.BoltDBClient the way queue.Store is.
type Store interface {
	SaveDefinition(def *types.ScheduledDefinition) error
	LoadDefinitions() ([]*types.ScheduledDefinition, error)
	SaveExecution(rec *types.ExecutionRecord) error
	LoadExecutions(defID string) ([]*types.ExecutionRecord, error)
	PruneExecutions(defID string, keep int) error
}

// BoltStore persists definitions and execution history in bbolt buckets.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed scheduler store.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open scheduler store at %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(definitionsBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(executionsBucket))
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "create scheduler buckets")
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) SaveDefinition(def *types.ScheduledDefinition) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(def)
		if err != nil {
			return errors.Wrap(err, "marshal definition")
		}
		return errors.Wrap(tx.Bucket([]byte(definitionsBucket)).Put([]byte(def.ID), encoded), "put definition")
	})
}

func (s *BoltStore) LoadDefinitions() ([]*types.ScheduledDefinition, error) {
	var defs []*types.ScheduledDefinition
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(definitionsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var def types.ScheduledDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return errors.Wrap(err, "unmarshal definition")
			}
			defs = append(defs, &def)
		}
		return nil
	})
	return defs, err
}

// executionKey orders records lexically by def then start time so a
// bucket scan returns each definition's history oldest-first.
func executionKey(rec *types.ExecutionRecord) []byte {
	return []byte(rec.DefID + "|" + rec.StartedAt.UTC().Format("20060102150405.000000000") + "|" + rec.ID)
}

func (s *BoltStore) SaveExecution(rec *types.ExecutionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return errors.Wrap(err, "marshal execution")
		}
		return errors.Wrap(tx.Bucket([]byte(executionsBucket)).Put(executionKey(rec), encoded), "put execution")
	})
}

func (s *BoltStore) LoadExecutions(defID string) ([]*types.ExecutionRecord, error) {
	var recs []*types.ExecutionRecord
	prefix := []byte(defID + "|")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(executionsBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var rec types.ExecutionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return errors.Wrap(err, "unmarshal execution")
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	return recs, err
}

func (s *BoltStore) PruneExecutions(defID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	recs, err := s.LoadExecutions(defID)
	if err != nil {
		return err
	}
	if len(recs) <= keep {
		return nil
	}
	toDrop := recs[:len(recs)-keep]
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(executionsBucket))
		for _, rec := range toDrop {
			if err := b.Delete(executionKey(rec)); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// MemStore is a non-durable Store for tests.
type MemStore struct {
	defs  map[string]*types.ScheduledDefinition
	execs map[string][]*types.ExecutionRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		defs:  make(map[string]*types.ScheduledDefinition),
		execs: make(map[string][]*types.ExecutionRecord),
	}
}

func (s *MemStore) SaveDefinition(def *types.ScheduledDefinition) error {
	cp := *def
	s.defs[def.ID] = &cp
	return nil
}

func (s *MemStore) LoadDefinitions() ([]*types.ScheduledDefinition, error) {
	out := make([]*types.ScheduledDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) SaveExecution(rec *types.ExecutionRecord) error {
	cp := *rec
	s.execs[rec.DefID] = append(s.execs[rec.DefID], &cp)
	return nil
}

func (s *MemStore) LoadExecutions(defID string) ([]*types.ExecutionRecord, error) {
	out := make([]*types.ExecutionRecord, len(s.execs[defID]))
	for i, r := range s.execs[defID] {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

func (s *MemStore) PruneExecutions(defID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	list := s.execs[defID]
	if len(list) > keep {
		s.execs[defID] = list[len(list)-keep:]
	}
	return nil
}
