// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/fluxra/activation"
	"github.com/absmach/fluxra/adapter"
	"github.com/absmach/fluxra/endpoint"
	"github.com/absmach/fluxra/ratelimit"
	"github.com/absmach/fluxra/registry/memory"
	storemem "github.com/absmach/fluxra/storage/memory"
	"github.com/absmach/fluxra/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 2 * time.Second

type result struct {
	listener string
	msg      adapter.Message
	err      error
}

type harness struct {
	coord        *activation.Coordinator
	services     *memory.Registry
	destinations *memory.Registry
	ra           *adapter.ResourceAdapter
	store        *storemem.Store
	tm           *testutil.TransactionManager
	target       *testutil.Recorder
	factory      *endpoint.Factory
	results      chan result
}

func newHarness(t *testing.T, mode endpoint.TransactionMode, transactional bool) *harness {
	t.Helper()

	h := &harness{
		services:     memory.New(activation.KindActivationService),
		destinations: memory.New(activation.KindDestination),
		store:        storemem.New(),
		tm:           testutil.NewTransactionManager(),
		target:       &testutil.Recorder{},
		results:      make(chan result, 16),
	}
	h.coord = activation.New(activation.WithTrackers(h.services, h.destinations))

	limiter := ratelimit.NewListenerLimiter(0, 0, time.Minute)
	opts := []adapter.Option{
		adapter.WithLimiter(limiter),
		adapter.WithDeliveryFunc(func(listener string, msg adapter.Message, err error) {
			h.results <- result{listener: listener, msg: msg, err: err}
		}),
	}
	if transactional {
		opts = append(opts, adapter.WithRecoveryStore(h.store))
	}
	h.ra = adapter.New(adapter.Config{Name: "ra", MaxEndpoints: 2}, opts...)

	f, err := endpoint.NewFactory(endpoint.Config{
		Name:                "orders",
		ActivationServiceID: "ra",
		DestinationID:       "orders-queue",
		TransactionMode:     mode,
	}, h.target, h.tm)
	require.NoError(t, err)
	h.factory = f
	require.NoError(t, h.coord.RegisterFactory(context.Background(), f))

	t.Cleanup(func() {
		_ = h.coord.Close(context.Background())
		limiter.Stop()
	})
	return h
}

func (h *harness) publish(ctx context.Context) {
	h.services.Publish(ctx, "ra", h.ra)
	h.destinations.Publish(ctx, "orders-queue", "queue://orders")
}

func (h *harness) next(t *testing.T) result {
	t.Helper()

	select {
	case r := <-h.results:
		return r
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for delivery")
		return result{}
	}
}

func TestEndToEnd(t *testing.T) {
	tests := []struct {
		name             string
		destinationFirst bool
	}{
		{"service then destination", false},
		{"destination then service", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, endpoint.TxRequired, true)

			if tt.destinationFirst {
				h.destinations.Publish(ctx, "orders-queue", "queue://orders")
				assert.Equal(t, endpoint.FactoryInactive, h.factory.State())
				h.services.Publish(ctx, "ra", h.ra)
			} else {
				h.services.Publish(ctx, "ra", h.ra)
				assert.Equal(t, endpoint.FactoryInactive, h.factory.State())
				h.destinations.Publish(ctx, "orders-queue", "queue://orders")
			}
			require.Equal(t, endpoint.FactoryActive, h.factory.State())
			assert.Equal(t, 2, h.factory.MaxConcurrentEndpoints())
			assert.True(t, h.ra.Active("orders"))

			g, err := h.factory.CreateEndpoint(nil, 0)
			require.NoError(t, err)
			assert.Equal(t, endpoint.StateReady, g.State())

			require.NoError(t, g.BeforeDelivery(ctx, "onMessage"))
			require.NoError(t, g.Deliver(ctx, "onMessage", "direct"))
			require.NoError(t, g.AfterDelivery(ctx))
			g.Release(ctx)
			assert.Equal(t, endpoint.StateReleased, g.State())

			require.NoError(t, h.ra.Send(ctx, "orders-queue", adapter.Message{ID: "m1", Payload: "hello"}))
			r := h.next(t)
			require.NoError(t, r.err)
			assert.Equal(t, "orders", r.listener)
			assert.Equal(t, "m1", r.msg.ID)

			id, err := h.store.RecoveryID(ctx, "orders")
			require.NoError(t, err)
			enl := h.tm.Enlistments()
			require.Len(t, enl, 1)
			assert.Equal(t, "ra", enl[0].Resource)
			assert.Equal(t, id, enl[0].RecoveryID)

			for _, tx := range h.tm.Begun() {
				assert.True(t, tx.Committed())
			}
			assert.Len(t, h.target.Deliveries(), 2)
		})
	}
}

func TestBusinessErrorRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, endpoint.TxRequired, true)
	h.publish(ctx)
	h.target.Err = errors.New("poison message")

	require.NoError(t, h.ra.Send(ctx, "orders-queue", adapter.Message{ID: "m1"}))
	r := h.next(t)
	assert.ErrorIs(t, r.err, h.target.Err)
	require.Len(t, h.tm.Begun(), 1)
	assert.True(t, h.tm.Last().RolledBack())
}

func TestDeactivationStopsDelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, endpoint.TxNone, false)
	h.publish(ctx)

	h.services.Withdraw(ctx, "ra")
	assert.Equal(t, endpoint.FactoryInactive, h.factory.State())
	assert.False(t, h.ra.Active("orders"))

	require.NoError(t, h.ra.Send(ctx, "orders-queue", adapter.Message{ID: "queued"}))
	select {
	case r := <-h.results:
		t.Fatalf("unexpected delivery of %s while inactive", r.msg.ID)
	case <-time.After(50 * time.Millisecond):
	}

	h.services.Publish(ctx, "ra", h.ra)
	require.Equal(t, endpoint.FactoryActive, h.factory.State())
	r := h.next(t)
	require.NoError(t, r.err)
	assert.Equal(t, "queued", r.msg.ID)
}

func TestNonTransactionalAdapter(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, endpoint.TxNone, false)
	h.publish(ctx)

	_, err := h.factory.CreateEndpoint(testutil.Resource("db"), 0)
	assert.ErrorIs(t, err, endpoint.ErrEnlistmentNotNeeded)

	require.NoError(t, h.ra.Send(ctx, "orders-queue", adapter.Message{ID: "m1", Payload: 1}))
	r := h.next(t)
	require.NoError(t, r.err)
	assert.Empty(t, h.tm.Begun())

	ids, err := h.store.IDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDrop(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, endpoint.TxNone, false)
	assert.ErrorIs(t, h.ra.Drop(ctx, "orders"), adapter.ErrNotActive)

	h.publish(ctx)
	require.NoError(t, h.ra.Drop(ctx, "orders"))

	// The coordinator completes the deactivation and activates the listener
	// again while its dependencies are still published.
	require.Eventually(t, func() bool {
		return h.ra.Active("orders") && h.coord.RuntimeActivated(h.factory)
	}, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, endpoint.FactoryActive, h.factory.State())

	require.NoError(t, h.ra.Send(ctx, "orders-queue", adapter.Message{ID: "m1", Payload: "after drop"}))
	r := h.next(t)
	assert.Equal(t, "m1", r.msg.ID)
	assert.NoError(t, r.err)

	h.destinations.Withdraw(ctx, "orders-queue")
	assert.Equal(t, endpoint.FactoryInactive, h.factory.State())
	assert.False(t, h.ra.Active("orders"))
}

func TestDeactivateUnknownHandle(t *testing.T) {
	ra := adapter.New(adapter.Config{Name: "ra"})
	err := ra.Deactivate(context.Background(), "bogus")
	assert.ErrorIs(t, err, adapter.ErrUnknownActivation)
}
