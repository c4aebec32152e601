// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"context"
	"errors"
	"testing"

	"github.com/absmach/fluxra/activation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type listener struct {
	available []activation.Dependency
	removed   []activation.Dependency
}

func (l *listener) DependencyAvailable(_ context.Context, dep activation.Dependency, _ any) {
	l.available = append(l.available, dep)
}

func (l *listener) DependencyRemoved(_ context.Context, dep activation.Dependency) {
	l.removed = append(l.removed, dep)
}

func TestKeyID(t *testing.T) {
	tests := []struct {
		key string
		id  string
		ok  bool
	}{
		{"/fluxra/destinations/orders", "orders", true},
		{"/fluxra/destinations/", "", false},
		{"/fluxra/destinations/orders/meta", "", false},
		{"/fluxra/services/jms", "", false},
	}
	for _, tt := range tests {
		id, ok := keyID("/fluxra/destinations/", tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
		assert.Equal(t, tt.id, id, tt.key)
	}
}

func TestTrackerApply(t *testing.T) {
	ctx := context.Background()
	tr := newTracker("/fluxra/destinations/", activation.KindDestination, nil, nil)
	l := &listener{}
	cancel := tr.Subscribe(l)

	tr.applyPut(ctx, "/fluxra/destinations/orders", []byte("queue://orders"))
	h, ok := tr.Resolve("orders")
	require.True(t, ok)
	assert.Equal(t, "queue://orders", h)
	assert.Equal(t, []activation.Dependency{activation.DestinationDependency("orders")}, l.available)

	tr.applyDelete(ctx, "/fluxra/destinations/orders")
	tr.applyDelete(ctx, "/fluxra/destinations/orders")
	_, ok = tr.Resolve("orders")
	assert.False(t, ok)
	assert.Len(t, l.removed, 1)

	cancel()
	tr.applyPut(ctx, "/fluxra/destinations/billing", []byte("queue://billing"))
	assert.Len(t, l.available, 1)
	assert.NoError(t, tr.Close())
}

func TestTrackerResolverError(t *testing.T) {
	ctx := context.Background()
	resolve := func(id string, _ []byte) (any, error) {
		if id == "jms" {
			return id, nil
		}
		return nil, errors.New("unknown adapter")
	}
	tr := newTracker("/fluxra/services/", activation.KindActivationService, resolve, nil)
	l := &listener{}
	tr.Subscribe(l)

	tr.applyPut(ctx, "/fluxra/services/mqtt", nil)
	tr.applyPut(ctx, "/fluxra/services/jms", nil)

	_, ok := tr.Resolve("mqtt")
	assert.False(t, ok)
	assert.Equal(t, []activation.Dependency{activation.ServiceDependency("jms")}, l.available)
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(context.Background(), Config{Prefix: "/x/"}, activation.KindDestination, nil, nil)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}
