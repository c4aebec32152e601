// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxra/storage"
	"github.com/dgraph-io/badger/v4"
)

var _ storage.RecoveryStore = (*Store)(nil)

const (
	idPrefix   = "recovery/ids/"
	counterKey = "recovery/next"
	gcInterval = 5 * time.Minute
)

// Store is a BadgerDB-backed RecoveryStore.
type Store struct {
	db *badger.DB

	// Allocation reads and bumps the counter; serializing it avoids
	// transaction conflicts.
	allocMu sync.Mutex

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
	// InMemory keeps everything in memory; Dir is ignored.
	InMemory bool
}

// New opens the BadgerDB store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Recovery ids must survive a crash.
	opts.SyncWrites = !cfg.InMemory
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open recovery store: %w", err)
	}

	s := &Store{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	go s.runGC()

	return s, nil
}

func idKey(key string) []byte {
	return []byte(idPrefix + key)
}

func encodeID(id int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func decodeID(b []byte) (int, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid recovery id encoding of %d bytes", len(b))
	}
	return int(binary.BigEndian.Uint64(b)), nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RecoveryID returns the id for key, allocating the next counter value if
// key has none.
func (s *Store) RecoveryID(_ context.Context, key string) (int, error) {
	if s.isClosed() {
		return 0, storage.ErrClosed
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()

	var id int
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(idKey(key))
		switch {
		case err == nil:
			return item.Value(func(val []byte) error {
				id, err = decodeID(val)
				return err
			})
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		next := 1
		item, err = txn.Get([]byte(counterKey))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				next, err = decodeID(val)
				return err
			}); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}

		id = next
		if err := txn.Set(idKey(key), encodeID(id)); err != nil {
			return err
		}
		return txn.Set([]byte(counterKey), encodeID(next+1))
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate recovery id for %s: %w", key, err)
	}

	return id, nil
}

func (s *Store) Release(_ context.Context, key string) error {
	if s.isClosed() {
		return storage.ErrClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(idKey(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrNotFound
			}
			return err
		}
		return txn.Delete(idKey(key))
	})
}

func (s *Store) IDs(_ context.Context) (map[string]int, error) {
	if s.isClosed() {
		return nil, storage.ErrClosed
	}

	ids := make(map[string]int)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(idPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), idPrefix)
			if err := item.Value(func(val []byte) error {
				id, err := decodeID(val)
				if err != nil {
					return err
				}
				ids[key] = id
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery ids: %w", err)
	}

	return ids, nil
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone

	return s.db.Close()
}

func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means nothing was reclaimed.
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}
