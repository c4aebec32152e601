// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fluxra/activation"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultDialTimeout = 5 * time.Second

// ErrNoEndpoints is returned when the tracker has no etcd endpoints to dial.
var ErrNoEndpoints = errors.New("etcd endpoints are required")

var _ activation.Tracker = (*Tracker)(nil)

// Config selects the etcd cluster and the key prefix a Tracker watches. A
// key <prefix><id> announces dependency id; deleting it withdraws it.
type Config struct {
	Endpoints   []string
	Prefix      string
	DialTimeout time.Duration
}

// Resolver turns the value stored under a dependency key into the handle
// passed to the coordinator.
type Resolver func(id string, value []byte) (any, error)

// Tracker is an activation.Tracker backed by an etcd prefix watch.
type Tracker struct {
	kind    activation.Kind
	prefix  string
	resolve Resolver
	logger  *slog.Logger

	client     *clientv3.Client
	ownsClient bool
	cancel     context.CancelFunc
	done       chan struct{}

	mu        sync.RWMutex
	handles   map[string]any
	listeners map[int]activation.Listener
	nextID    int
}

// Dial creates a client for cfg.Endpoints.
func Dial(cfg Config) (*clientv3.Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, ErrNoEndpoints
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}
	return client, nil
}

// New dials etcd and starts watching cfg.Prefix.
func New(ctx context.Context, cfg Config, kind activation.Kind, resolve Resolver, logger *slog.Logger) (*Tracker, error) {
	client, err := Dial(cfg)
	if err != nil {
		return nil, err
	}

	t, err := NewWithClient(ctx, client, cfg.Prefix, kind, resolve, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	t.ownsClient = true
	return t, nil
}

// NewWithClient starts a tracker on an existing client. The client is not
// closed by Close.
func NewWithClient(ctx context.Context, client *clientv3.Client, prefix string, kind activation.Kind, resolve Resolver, logger *slog.Logger) (*Tracker, error) {
	t := newTracker(prefix, kind, resolve, logger)
	t.client = client

	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to load %s dependencies: %w", kind, err)
	}
	for _, kv := range resp.Kvs {
		t.applyPut(ctx, string(kv.Key), kv.Value)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.done = make(chan struct{})
	watchCh := client.Watch(watchCtx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go t.watch(watchCtx, watchCh)

	t.logger.Info("watching dependencies",
		slog.String("kind", kind.String()),
		slog.String("prefix", prefix),
		slog.Int("loaded", len(resp.Kvs)))

	return t, nil
}

func newTracker(prefix string, kind activation.Kind, resolve Resolver, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if resolve == nil {
		resolve = func(_ string, value []byte) (any, error) { return string(value), nil }
	}
	return &Tracker{
		kind:      kind,
		prefix:    prefix,
		resolve:   resolve,
		logger:    logger,
		handles:   make(map[string]any),
		listeners: make(map[int]activation.Listener),
	}
}

func (t *Tracker) watch(ctx context.Context, watchCh clientv3.WatchChan) {
	defer close(t.done)

	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			t.logger.Warn("dependency watch error",
				slog.String("prefix", t.prefix),
				slog.String("error", err.Error()))
			continue
		}
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				t.applyPut(ctx, string(ev.Kv.Key), ev.Kv.Value)
			case clientv3.EventTypeDelete:
				t.applyDelete(ctx, string(ev.Kv.Key))
			}
		}
	}
}

// keyID returns the dependency id encoded by key, or false for keys outside
// prefix or nested below an id.
func keyID(prefix, key string) (string, bool) {
	id, ok := strings.CutPrefix(key, prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func (t *Tracker) applyPut(ctx context.Context, key string, value []byte) {
	id, ok := keyID(t.prefix, key)
	if !ok {
		return
	}
	handle, err := t.resolve(id, value)
	if err != nil || handle == nil {
		t.logger.Warn("unresolvable dependency",
			slog.String("kind", t.kind.String()),
			slog.String("id", id),
			slog.Any("error", err))
		return
	}

	t.mu.Lock()
	t.handles[id] = handle
	ls := t.snapshot()
	t.mu.Unlock()

	dep := activation.Dependency{Kind: t.kind, ID: id}
	for _, l := range ls {
		l.DependencyAvailable(ctx, dep, handle)
	}
}

func (t *Tracker) applyDelete(ctx context.Context, key string) {
	id, ok := keyID(t.prefix, key)
	if !ok {
		return
	}

	t.mu.Lock()
	if _, known := t.handles[id]; !known {
		t.mu.Unlock()
		return
	}
	delete(t.handles, id)
	ls := t.snapshot()
	t.mu.Unlock()

	dep := activation.Dependency{Kind: t.kind, ID: id}
	for _, l := range ls {
		l.DependencyRemoved(ctx, dep)
	}
}

func (t *Tracker) snapshot() []activation.Listener {
	ids := slices.Sorted(maps.Keys(t.listeners))
	ls := make([]activation.Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, t.listeners[id])
	}
	return ls
}

func (t *Tracker) Resolve(id string) (any, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, ok := t.handles[id]
	return h, ok
}

func (t *Tracker) Subscribe(l activation.Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners[id] = l

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// Close stops the watch and closes the client if the tracker created it.
func (t *Tracker) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	if t.ownsClient && t.client != nil {
		return t.client.Close()
	}
	return nil
}
