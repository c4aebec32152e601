// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/fluxra/endpoint"
	"github.com/absmach/fluxra/ratelimit"
	"github.com/absmach/fluxra/storage"
)

const (
	defaultMethod        endpoint.Method = "onMessage"
	defaultBuffer                        = 64
	defaultRetryInterval                 = 100 * time.Millisecond
)

// Adapter errors.
var (
	ErrUnknownActivation = errors.New("unknown activation")
	ErrNotActive         = errors.New("listener not active")
)

// Message is one inbound message.
type Message struct {
	ID      string
	Payload any
}

// DeliveryFunc observes the outcome of every delivery attempt.
type DeliveryFunc func(listener string, msg Message, err error)

// Config configures a ResourceAdapter.
type Config struct {
	// Name identifies the adapter as an activation service.
	Name string
	// MaxEndpoints is the concurrency offered to listeners that do not
	// configure their own.
	MaxEndpoints int
	// Method is passed to BeforeDelivery and Deliver.
	Method endpoint.Method
	// Buffer is the capacity of each destination queue.
	Buffer int
	// RetryInterval is the pause after a transient endpoint failure.
	RetryInterval time.Duration
}

// Option configures a ResourceAdapter.
type Option func(*ResourceAdapter)

// WithRecoveryStore makes the adapter transactional: every activation gets a
// recovery id from store and deliveries enlist the adapter resource.
func WithRecoveryStore(store storage.RecoveryStore) Option {
	return func(a *ResourceAdapter) {
		a.store = store
	}
}

// WithLimiter paces deliveries per listener.
func WithLimiter(l *ratelimit.ListenerLimiter) Option {
	return func(a *ResourceAdapter) {
		a.limiter = l
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(a *ResourceAdapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithDeliveryFunc sets a callback run after every delivery attempt.
func WithDeliveryFunc(fn DeliveryFunc) Option {
	return func(a *ResourceAdapter) {
		a.onDelivery = fn
	}
}

// Resource is the transactional resource a ResourceAdapter enlists.
type Resource struct {
	name string
}

func (r Resource) ResourceName() string { return r.name }

// ResourceAdapter is an in-process activation service. Messages sent to a
// destination are delivered by up to MaxConcurrentEndpoints workers of the
// listener activated on it, each driving its own endpoint through
// BeforeDelivery, Deliver, AfterDelivery and Release.
type ResourceAdapter struct {
	cfg        Config
	store      storage.RecoveryStore
	limiter    *ratelimit.ListenerLimiter
	logger     *slog.Logger
	onDelivery DeliveryFunc
	resource   Resource

	mu          sync.Mutex
	sources     map[string]chan Message
	activations map[string]*activation
}

var _ endpoint.ActivationService = (*ResourceAdapter)(nil)

type activation struct {
	listener string
	source   string
	factory  endpoint.EndpointFactory
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a ResourceAdapter.
func New(cfg Config, opts ...Option) *ResourceAdapter {
	if cfg.Method == "" {
		cfg.Method = defaultMethod
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	a := &ResourceAdapter{
		cfg:         cfg,
		logger:      slog.Default(),
		resource:    Resource{name: cfg.Name},
		sources:     make(map[string]chan Message),
		activations: make(map[string]*activation),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("adapter", cfg.Name)

	return a
}

func (a *ResourceAdapter) Name() string { return a.cfg.Name }

func (a *ResourceAdapter) MaxEndpoints() int { return a.cfg.MaxEndpoints }

// Activate establishes the recovery policy of f and starts its workers.
func (a *ResourceAdapter) Activate(ctx context.Context, f endpoint.EndpointFactory, spec endpoint.ActivationSpec) (endpoint.Activation, error) {
	if a.store != nil {
		id, err := a.store.RecoveryID(ctx, spec.Listener)
		if err != nil {
			return nil, err
		}
		if err := f.SetRecoveryID(id); err != nil {
			return nil, err
		}
	} else {
		f.SetEnlistmentNotNeeded(endpoint.ReasonNonTransactional)
	}

	source := spec.DestinationID
	if source == "" {
		source = spec.Listener
	}
	workers := f.MaxConcurrentEndpoints()
	if workers <= 0 {
		workers = 1
	}

	a.mu.Lock()
	if _, ok := a.activations[spec.Listener]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("listener %s is already activated on %s", spec.Listener, a.cfg.Name)
	}
	ch := a.sourceLocked(source)
	runCtx, cancel := context.WithCancel(context.Background())
	act := &activation{
		listener: spec.Listener,
		source:   source,
		factory:  f,
		cancel:   cancel,
	}
	a.activations[spec.Listener] = act
	a.mu.Unlock()

	for range workers {
		act.wg.Add(1)
		go a.work(runCtx, act, ch)
	}
	a.logger.Info("listener activated",
		slog.String("listener", spec.Listener),
		slog.String("source", source),
		slog.Int("workers", workers))

	return act, nil
}

// Deactivate stops the workers of an activation and waits for them.
func (a *ResourceAdapter) Deactivate(ctx context.Context, h endpoint.Activation) error {
	act, ok := h.(*activation)
	if !ok || act == nil {
		return fmt.Errorf("%w: %T", ErrUnknownActivation, h)
	}

	a.mu.Lock()
	if cur, ok := a.activations[act.listener]; ok && cur == act {
		delete(a.activations, act.listener)
	}
	a.mu.Unlock()

	if err := a.stop(ctx, act); err != nil {
		return err
	}
	a.logger.Info("listener deactivated", slog.String("listener", act.listener))
	return nil
}

// Drop stops a listener out of band and tells its factory, as a resource
// adapter does when it loses its connection to the destination.
func (a *ResourceAdapter) Drop(ctx context.Context, listener string) error {
	a.mu.Lock()
	act, ok := a.activations[listener]
	delete(a.activations, listener)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotActive, listener)
	}

	act.factory.ForceDeactivated()
	return a.stop(ctx, act)
}

func (a *ResourceAdapter) stop(ctx context.Context, act *activation) error {
	act.cancel()
	done := make(chan struct{})
	go func() {
		act.wg.Wait()
		close(done)
	}()
	defer a.limiter.Forget(act.listener)

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listener %s: waiting for workers: %w", act.listener, ctx.Err())
	}
}

// Send queues msg for the listener activated on destination.
func (a *ResourceAdapter) Send(ctx context.Context, destination string, msg Message) error {
	a.mu.Lock()
	ch := a.sourceLocked(destination)
	a.mu.Unlock()

	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns whether listener currently has running workers.
func (a *ResourceAdapter) Active(listener string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.activations[listener]
	return ok
}

func (a *ResourceAdapter) sourceLocked(name string) chan Message {
	ch, ok := a.sources[name]
	if !ok {
		ch = make(chan Message, a.cfg.Buffer)
		a.sources[name] = ch
	}
	return ch
}

func (a *ResourceAdapter) work(ctx context.Context, act *activation, src <-chan Message) {
	defer act.wg.Done()

	ctx = endpoint.WithCaller(ctx, endpoint.NewCallerID())
	for {
		if err := a.limiter.Wait(ctx, act.listener); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case msg := <-src:
			err := a.deliver(ctx, act, msg)
			if err != nil {
				a.logger.Warn("delivery failed",
					slog.String("listener", act.listener),
					slog.String("message", msg.ID),
					slog.String("error", err.Error()))
			}
			if a.onDelivery != nil {
				a.onDelivery(act.listener, msg, err)
			}
		}
	}
}

// deliver runs one delivery cycle, retrying while the endpoint is only
// temporarily unavailable.
func (a *ResourceAdapter) deliver(ctx context.Context, act *activation, msg Message) error {
	var r endpoint.Resource
	if a.store != nil {
		r = a.resource
	}

	for {
		g, err := act.factory.CreateEndpoint(r, 0)
		if err == nil {
			return a.cycle(ctx, g, msg)
		}
		if !endpoint.IsRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(a.cfg.RetryInterval):
		}
	}
}

func (a *ResourceAdapter) cycle(ctx context.Context, g *endpoint.Guard, msg Message) error {
	defer func() {
		if g.State() != endpoint.StateDiscarded {
			g.Release(ctx)
		}
	}()

	if err := g.BeforeDelivery(ctx, a.cfg.Method); err != nil {
		return err
	}
	derr := g.Deliver(ctx, a.cfg.Method, msg.Payload)
	aerr := g.AfterDelivery(ctx)
	return errors.Join(derr, aerr)
}
