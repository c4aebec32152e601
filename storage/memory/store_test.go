// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"testing"

	"github.com/absmach/fluxra/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_RecoveryID(t *testing.T) {
	ctx := context.Background()
	s := New()

	a, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, a)

	again, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := s.RecoveryID(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, 2, b)

	require.NoError(t, s.Release(ctx, "orders"))
	assert.ErrorIs(t, s.Release(ctx, "orders"), storage.ErrNotFound)

	c, err := s.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 3, c)

	ids, err := s.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders": 3, "billing": 2}, ids)
}

func TestStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	_, err := s.RecoveryID(ctx, "orders")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Release(ctx, "orders"), storage.ErrClosed)
}
