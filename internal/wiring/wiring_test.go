// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package wiring

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/absmach/fluxra/activation"
	"github.com/absmach/fluxra/adapter"
	"github.com/absmach/fluxra/config"
	"github.com/absmach/fluxra/endpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Storage.Type = "memory"
	cfg.Services = []config.ServiceConfig{
		{Name: "jms", Transactional: true},
		{Name: "events", MaxEndpoints: 9},
	}
	cfg.Destinations = []config.DestinationConfig{{Name: "orders", Address: "queue://orders"}}
	return cfg
}

func TestNewRecoveryStore(t *testing.T) {
	ctx := context.Background()

	mem, err := NewRecoveryStore(config.StorageConfig{Type: "memory"})
	require.NoError(t, err)
	id, err := mem.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	require.NoError(t, mem.Close())

	bdg, err := NewRecoveryStore(config.StorageConfig{Type: "badger", BadgerDir: t.TempDir()})
	require.NoError(t, err)
	id, err = bdg.RecoveryID(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, id)
	require.NoError(t, bdg.Close())

	_, err = NewRecoveryStore(config.StorageConfig{Type: "postgres"})
	assert.Error(t, err)
}

func TestNewServices(t *testing.T) {
	cfg := testConfig()
	store, err := NewRecoveryStore(cfg.Storage)
	require.NoError(t, err)
	defer store.Close()

	s := NewServices(cfg, store, nil, slog.Default())
	require.Len(t, s.Adapters, 2)
	assert.Equal(t, cfg.Adapter.MaxEndpoints, s.Adapters["jms"].MaxEndpoints())
	assert.Equal(t, 9, s.Adapters["events"].MaxEndpoints())

	_, wrapped := s.Activators["jms"].(*adapter.Breaker)
	assert.True(t, wrapped)
	assert.Len(t, s.Breakers, 2)

	cfg.Adapter.CircuitBreaker.Enabled = false
	s = NewServices(cfg, store, nil, slog.Default())
	assert.Same(t, s.Adapters["jms"], s.Activators["jms"])
	assert.Empty(t, s.Breakers)
}

func TestTransactionalServiceSetsRecoveryID(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Adapter.CircuitBreaker.Enabled = false
	store, err := NewRecoveryStore(cfg.Storage)
	require.NoError(t, err)
	defer store.Close()

	s := NewServices(cfg, store, nil, slog.Default())
	trackers, err := NewTrackers(ctx, cfg, s, slog.Default())
	require.NoError(t, err)
	defer trackers.Close()

	coord := activation.New(activation.WithTrackers(trackers.Services, trackers.Destinations))
	defer coord.Close(ctx)

	newFactory := func(name, service string) *endpoint.Factory {
		f, err := endpoint.NewFactory(endpoint.Config{
			Name:                name,
			ActivationServiceID: service,
			DestinationID:       "orders",
		}, endpoint.TargetFunc(func(context.Context, endpoint.Method, any) error { return nil }), nil)
		require.NoError(t, err)
		require.NoError(t, coord.RegisterFactory(ctx, f))
		return f
	}

	xa := newFactory("orders-xa", "jms")
	assert.Equal(t, endpoint.FactoryActive, xa.State())
	id, ok := xa.RecoveryID()
	assert.True(t, ok)
	assert.Equal(t, 1, id)

	plain := newFactory("orders-plain", "events")
	assert.Equal(t, endpoint.FactoryActive, plain.State())
	_, ok = plain.RecoveryID()
	assert.False(t, ok)
	assert.Equal(t, 9, plain.MaxConcurrentEndpoints())
}

func TestNewTrackersMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	s := NewServices(cfg, nil, nil, slog.Default())

	trackers, err := NewTrackers(ctx, cfg, s, slog.Default())
	require.NoError(t, err)
	defer trackers.Close()

	h, ok := trackers.Services.Resolve("jms")
	require.True(t, ok)
	assert.Same(t, s.Activators["jms"], h)

	d, ok := trackers.Destinations.Resolve("orders")
	require.True(t, ok)
	assert.Equal(t, cfg.Destinations[0], d)

	_, ok = trackers.Destinations.Resolve("billing")
	assert.False(t, ok)

	cfg.Registry.Type = "consul"
	_, err = NewTrackers(ctx, cfg, s, slog.Default())
	assert.Error(t, err)
}

func TestResolvers(t *testing.T) {
	s := NewServices(testConfig(), nil, nil, slog.Default())
	resolve := ServiceResolver(s.Activators)

	h, err := resolve("jms", []byte("ignored"))
	require.NoError(t, err)
	assert.Same(t, s.Activators["jms"], h)

	_, err = resolve("mq", nil)
	assert.ErrorIs(t, err, ErrUnknownService)

	d, err := DestinationResolver("orders", []byte("queue://orders"))
	require.NoError(t, err)
	assert.Equal(t, config.DestinationConfig{Name: "orders", Address: "queue://orders"}, d)
}

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewTrackersEmbedded(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Registry.Type = "embedded"
	cfg.Registry.Embedded.DataDir = t.TempDir()
	cfg.Registry.Embedded.ClientAddr = freeAddr(t)
	cfg.Registry.Embedded.PeerAddr = freeAddr(t)
	cfg.Registry.Etcd.LeaseTTL = 2 * time.Second
	require.NoError(t, cfg.Validate())
	s := NewServices(cfg, nil, nil, slog.Default())

	trackers, err := NewTrackers(ctx, cfg, s, slog.Default())
	require.NoError(t, err)

	// Announced before the trackers loaded, so resolvable right away.
	h, ok := trackers.Services.Resolve("jms")
	require.True(t, ok)
	assert.Same(t, s.Activators["jms"], h)
	_, ok = trackers.Services.Resolve("events")
	assert.True(t, ok)

	d, ok := trackers.Destinations.Resolve("orders")
	require.True(t, ok)
	assert.Equal(t, cfg.Destinations[0], d)

	assert.NoError(t, trackers.Close())
	assert.NoError(t, trackers.Close())
}

func TestNewTrackersEtcdUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Registry.Type = "etcd"
	cfg.Registry.Etcd.Endpoints = nil
	s := NewServices(cfg, nil, nil, slog.Default())

	_, err := NewTrackers(context.Background(), cfg, s, slog.Default())
	assert.Error(t, err)
}

func TestPruneRecoveryIDs(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Listeners = []config.ListenerConfig{
		{Name: "orders-xa", Service: "jms"},
		{Name: "orders-plain", Service: "events"},
		{Name: "remote", Service: "mq"},
	}
	store, err := NewRecoveryStore(cfg.Storage)
	require.NoError(t, err)
	defer store.Close()

	for _, key := range []string{"orders-xa", "orders-plain", "remote", "gone"} {
		_, err := store.RecoveryID(ctx, key)
		require.NoError(t, err)
	}

	released, err := PruneRecoveryIDs(ctx, store, cfg, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, []string{"gone", "orders-plain"}, released)

	ids, err := store.IDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"orders-xa": 1, "remote": 3}, ids)

	released, err = PruneRecoveryIDs(ctx, store, cfg, slog.Default())
	require.NoError(t, err)
	assert.Empty(t, released)
}
