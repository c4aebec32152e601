// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/absmach/fluxra/storage"
)

var _ storage.RecoveryStore = (*Store)(nil)

// Store is an in-memory RecoveryStore. Ids do not survive a restart.
type Store struct {
	mu     sync.Mutex
	ids    map[string]int
	next   int
	closed bool
}

func New() *Store {
	return &Store{
		ids:  make(map[string]int),
		next: 1,
	}
}

func (s *Store) RecoveryID(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}
	if id, ok := s.ids[key]; ok {
		return id, nil
	}
	id := s.next
	s.next++
	s.ids[key] = id
	return id, nil
}

func (s *Store) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.ids[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.ids, key)
	return nil
}

func (s *Store) IDs(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	return maps.Clone(s.ids), nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
