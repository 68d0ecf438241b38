// Copyright 2020-present Yarn.social
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store provides typed key/value persistence for every entity in
// the hub's data model (subscriptions, feeds, feed items, external
// subscriptions, user callbacks) over a single embedded
// git.mills.io/prologic/bitcask database, plus the durable task queue's
// message log (see queue.go).
//
// Every secondary index is written atomically with its row, and delete
// erases every index pointing at the row. Bitcask has no native multi-key
// transaction, so atomicity for a single logical node is realized with an
// in-process mutex serializing all writers plus a bounded
// exponential-backoff retry around each commit.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"git.mills.io/prologic/bitcask"
	sync "github.com/sasha-s/go-deadlock"
	log "github.com/sirupsen/logrus"
)

const (
	maxCommitAttempts = 5
	commitBaseDelay   = 10 * time.Millisecond
)

// Store is the hub's durable key/value persistence layer.
type Store struct {
	mu sync.Mutex
	db *bitcask.Bitcask
}

// Open opens (creating if necessary) the bitcask database at path.
func Open(path string) (*Store, error) {
	db, err := bitcask.Open(
		path,
		bitcask.WithMaxKeySize(512),
	)
	if err != nil {
		switch {
		case errors.Is(err, &bitcask.ErrBadConfig{}):
			log.WithError(err).Error("error opening store due to bad config")
			if osErr := os.Remove(filepath.Join(path, "config.json")); osErr != nil {
				log.WithError(osErr).Error("error removing bad config")
			}
		case errors.Is(err, &bitcask.ErrBadMetadata{}):
			log.WithError(err).Error("error opening store due to bad metadata")
			if osErr := os.Remove(filepath.Join(path, "meta.json")); osErr != nil {
				log.WithError(osErr).Error("error removing bad metadata")
			}
		}
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close syncs and closes the underlying database.
func (s *Store) Close() error {
	log.Info("syncing store ...")
	if err := s.db.Sync(); err != nil {
		log.WithError(err).Error("error syncing store")
		return err
	}

	log.Info("closing store ...")
	return s.db.Close()
}

// Merge compacts the underlying log-structured database.
func (s *Store) Merge() error {
	log.Info("merging store ...")
	return s.db.Merge()
}

// mutation is one row write or one row/index deletion applied within a
// commit.
type mutation struct {
	del bool
	key []byte
	val []byte
}

func put(key, val []byte) mutation { return mutation{key: key, val: val} }
func del(key []byte) mutation      { return mutation{del: true, key: key} }

// commit applies every mutation as a unit, retrying with exponential
// backoff up to maxCommitAttempts times on failure.
func (s *Store) commit(muts ...mutation) error {
	return s.commitUnique(nil, muts...)
}

// commitUnique is commit with a compare-and-set-on-absence precondition: it
// checks every key in uniqueKeys for existence in the same critical section
// that applies muts, so a concurrent Create for the same unique key cannot
// observe absence, lose the race, and still write. The check runs once,
// not per retry attempt — if the keys are absent, a later applyOnce
// failure is a storage error, not a fresh conflict, so retrying the
// existence check would be meaningless.
func (s *Store) commitUnique(uniqueKeys [][]byte, muts ...mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range uniqueKeys {
		if s.db.Has(key) {
			return ErrAlreadyExists
		}
	}

	var lastErr error
	for attempt := 0; attempt < maxCommitAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(commitBaseDelay * time.Duration(1<<uint(attempt-1)))
		}

		lastErr = s.applyOnce(muts)
		if lastErr == nil {
			return nil
		}

		log.WithError(lastErr).Warnf("store commit attempt %d/%d failed", attempt+1, maxCommitAttempts)
	}

	return fmt.Errorf("%w: %v", ErrCommitFailed, lastErr)
}

func (s *Store) applyOnce(muts []mutation) error {
	applied := make([]mutation, 0, len(muts))

	rollback := func() {
		for i := len(applied) - 1; i >= 0; i-- {
			m := applied[i]
			if m.del {
				// best-effort: we don't know the prior value, so a failed
				// delete-rollback simply leaves the row deleted.
				continue
			}
			_ = s.db.Delete(m.key)
		}
	}

	for _, m := range muts {
		var err error
		if m.del {
			err = s.db.Delete(m.key)
			if errors.Is(err, bitcask.ErrKeyNotFound) {
				err = nil
			}
		} else {
			err = s.db.Put(m.key, m.val)
		}
		if err != nil {
			rollback()
			return err
		}
		applied = append(applied, m)
	}

	return nil
}

func (s *Store) get(key []byte) ([]byte, error) {
	data, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) scan(prefix []byte, fn func(key []byte) error) error {
	return s.db.Scan(prefix, fn)
}
