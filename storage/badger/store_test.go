// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/absmach/fluxra/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecoveryIDSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := New(Config{Dir: dir})
	require.NoError(t, err)

	orders, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, orders)

	billing, err := s.RecoveryID(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, billing)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s, err = New(Config{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	again, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, orders, again)

	shipping, err := s.RecoveryID(ctx, "shipping")
	require.NoError(t, err)
	assert.Equal(t, 3, shipping)
}

func TestStore_Release(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	id, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, s.Release(ctx, "orders"))
	assert.ErrorIs(t, s.Release(ctx, "orders"), storage.ErrNotFound)

	next, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Greater(t, next, id)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": next}, ids)
}

func TestStore_ConcurrentAllocation(t *testing.T) {
	ctx := context.Background()
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	const n = 20
	var wg sync.WaitGroup
	ids := make([]int, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := s.RecoveryID(ctx, fmt.Sprintf("listener-%d", i))
			assert.NoError(t, err)
			ids[i] = id
		}()
	}
	wg.Wait()

	seen := make(map[int]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestStore_Closed(t *testing.T) {
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.RecoveryID(context.Background(), "orders")
	assert.ErrorIs(t, err, storage.ErrClosed)
}
