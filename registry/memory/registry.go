// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/absmach/fluxra/activation"
)

var _ activation.Tracker = (*Registry)(nil)

// Registry is an in-process activation.Tracker for one dependency kind.
// Services and destinations are published and withdrawn programmatically.
// Changes are delivered to subscribers in the order they were applied;
// subscribers must not publish or withdraw on the same Registry from their
// callbacks.
type Registry struct {
	kind activation.Kind

	// notifyMu serializes a change together with its notifications.
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	handles   map[string]any
	listeners map[int]activation.Listener
	nextID    int
}

func New(kind activation.Kind) *Registry {
	return &Registry{
		kind:      kind,
		handles:   make(map[string]any),
		listeners: make(map[int]activation.Listener),
	}
}

func (r *Registry) Resolve(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	return h, ok
}

func (r *Registry) Subscribe(l activation.Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.listeners[id] = l

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Publish makes handle available under id and notifies subscribers.
// Publishing over an existing id replaces the handle.
func (r *Registry) Publish(ctx context.Context, id string, handle any) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	r.handles[id] = handle
	ls := r.snapshot()
	r.mu.Unlock()

	dep := activation.Dependency{Kind: r.kind, ID: id}
	for _, l := range ls {
		l.DependencyAvailable(ctx, dep, handle)
	}
}

// Withdraw removes id and notifies subscribers. Unknown ids are ignored.
func (r *Registry) Withdraw(ctx context.Context, id string) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()

	r.mu.Lock()
	if _, ok := r.handles[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.handles, id)
	ls := r.snapshot()
	r.mu.Unlock()

	dep := activation.Dependency{Kind: r.kind, ID: id}
	for _, l := range ls {
		l.DependencyRemoved(ctx, dep)
	}
}

// IDs returns the published ids in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Sorted(maps.Keys(r.handles))
}

func (r *Registry) snapshot() []activation.Listener {
	ids := slices.Sorted(maps.Keys(r.listeners))
	ls := make([]activation.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, r.listeners[id])
	}
	return ls
}
