package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v3"
)

var jobPrefix = []byte("job:")

// BadgerJournal is a disk-backed Journal keyed by job id
type BadgerJournal struct {
	db *badger.DB
}

var _ Journal = (*BadgerJournal)(nil)

// OpenBadgerJournal opens or creates a journal at path
func OpenBadgerJournal(path string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

func jobKey(id string) []byte {
	return append(append([]byte{}, jobPrefix...), id...)
}

// Put records job, replacing any earlier attempt for the same id
func (j *BadgerJournal) Put(ctx context.Context, job Job) error {
	val, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(job.ID), val)
	})
}

func (j *BadgerJournal) Delete(ctx context.Context, id string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(jobKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Pending returns every journaled job, oldest first
func (j *BadgerJournal) Pending(ctx context.Context) ([]Job, error) {
	jobs := make([]Job, 0)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = jobPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var job Job
			err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &job) })
			if err != nil {
				return err
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool {
		return jobs[a].EnqueuedAt.Before(jobs[b].EnqueuedAt)
	})
	return jobs, nil
}

func (j *BadgerJournal) Close() error {
	return j.db.Close()
}
