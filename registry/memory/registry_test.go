// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/absmach/fluxra/activation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	dep       activation.Dependency
	handle    any
	available bool
}

type recordingListener struct {
	events []event
}

func (l *recordingListener) DependencyAvailable(_ context.Context, dep activation.Dependency, handle any) {
	l.events = append(l.events, event{dep: dep, handle: handle, available: true})
}

func (l *recordingListener) DependencyRemoved(_ context.Context, dep activation.Dependency) {
	l.events = append(l.events, event{dep: dep})
}

func TestRegistryPublishWithdraw(t *testing.T) {
	ctx := context.Background()
	r := New(activation.KindDestination)
	l := &recordingListener{}
	cancel := r.Subscribe(l)

	_, ok := r.Resolve("orders")
	assert.False(t, ok)

	r.Publish(ctx, "orders", "queue://orders")
	h, ok := r.Resolve("orders")
	require.True(t, ok)
	assert.Equal(t, "queue://orders", h)
	assert.Equal(t, []string{"orders"}, r.IDs())

	r.Withdraw(ctx, "orders")
	r.Withdraw(ctx, "unknown")
	_, ok = r.Resolve("orders")
	assert.False(t, ok)

	require.Len(t, l.events, 2)
	assert.Equal(t, activation.DestinationDependency("orders"), l.events[0].dep)
	assert.True(t, l.events[0].available)
	assert.Equal(t, "queue://orders", l.events[0].handle)
	assert.False(t, l.events[1].available)

	cancel()
	r.Publish(ctx, "billing", "queue://billing")
	assert.Len(t, l.events, 2)
}

// blockingListener holds up the first DependencyAvailable until release is
// closed.
type blockingListener struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (l *blockingListener) DependencyAvailable(context.Context, activation.Dependency, any) {
	l.once.Do(func() {
		close(l.entered)
		<-l.release
	})
}

func (l *blockingListener) DependencyRemoved(context.Context, activation.Dependency) {}

type syncListener struct {
	mu sync.Mutex
	recordingListener
}

func (l *syncListener) DependencyAvailable(ctx context.Context, dep activation.Dependency, handle any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordingListener.DependencyAvailable(ctx, dep, handle)
}

func (l *syncListener) DependencyRemoved(ctx context.Context, dep activation.Dependency) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recordingListener.DependencyRemoved(ctx, dep)
}

func TestRegistryNotifiesInChangeOrder(t *testing.T) {
	ctx := context.Background()
	r := New(activation.KindActivationService)
	block := &blockingListener{entered: make(chan struct{}), release: make(chan struct{})}
	r.Subscribe(block)
	l := &syncListener{}
	r.Subscribe(l)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Publish(ctx, "jms", "adapter")
	}()
	<-block.entered
	go func() {
		defer wg.Done()
		r.Withdraw(ctx, "jms")
	}()
	time.Sleep(20 * time.Millisecond)

	l.mu.Lock()
	assert.Empty(t, l.events)
	l.mu.Unlock()

	close(block.release)
	wg.Wait()

	require.Len(t, l.events, 2)
	assert.True(t, l.events[0].available)
	assert.False(t, l.events[1].available)
	_, ok := r.Resolve("jms")
	assert.False(t, ok)
}
