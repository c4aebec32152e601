// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store closed")
)

// RecoveryStore allocates stable recovery ids. A key (usually the listener
// name) maps to the same id across restarts until it is released; released
// ids are never handed out again.
type RecoveryStore interface {
	// RecoveryID returns the id for key, allocating one if needed.
	RecoveryID(ctx context.Context, key string) (int, error)

	// Release forgets key. It returns ErrNotFound for unknown keys.
	Release(ctx context.Context, key string) error

	// IDs returns every allocated id by key.
	IDs(ctx context.Context) (map[string]int, error)

	Close() error
}
