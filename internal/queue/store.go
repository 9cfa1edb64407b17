package queue

import (
	"encoding/json"

	"github.com/jobforge/jobforge/internal/types"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

const jobsBucket = "jobs"

// Store is the durable record of Job state, generalized from
// database.BoltDBClient's job persistence (spec §6: `job:{id}` records).
// The in-memory Queue is the authority for dispatch ordering; Store exists
// so a process restart can repopulate it.
type Store interface {
	SaveJob(job *types.Job) error
	DeleteJob(id string) error
	LoadJobs() ([]*types.Job, error)
}

// BoltStore persists jobs in a bbolt bucket keyed by job ID.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt-backed job store.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "open queue store at %s", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(jobsBucket))
		return errors.Wrap(err, "create jobs bucket")
	})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) SaveJob(job *types.Job) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(job)
		if err != nil {
			return errors.Wrap(err, "marshal job")
		}
		return errors.Wrap(tx.Bucket([]byte(jobsBucket)).Put([]byte(job.ID), encoded), "put job")
	})
}

func (s *BoltStore) DeleteJob(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return errors.Wrap(tx.Bucket([]byte(jobsBucket)).Delete([]byte(id)), "delete job")
	})
}

func (s *BoltStore) LoadJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(jobsBucket)).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return errors.Wrap(err, "unmarshal job")
			}
			jobs = append(jobs, &job)
		}
		return nil
	})
	return jobs, err
}

// MemStore is a non-durable Store, useful for tests and for callers that
// accept the "no durable recovery beyond the external KV store" non-goal
// (spec §1) without paying for bbolt.
type MemStore struct {
	jobs map[string]*types.Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: make(map[string]*types.Job)}
}

func (s *MemStore) SaveJob(job *types.Job) error {
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemStore) DeleteJob(id string) error {
	delete(s.jobs, id)
	return nil
}

func (s *MemStore) LoadJobs() ([]*types.Job, error) {
	out := make([]*types.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		cp := *j
		out = append(out, &cp)
	}
	return out, nil
}
