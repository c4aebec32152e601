// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/absmach/fluxra/endpoint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const defaultWarnInterval = 30 * time.Second

// Coordinator errors.
var (
	ErrAlreadyRegistered = errors.New("listener already registered")
	ErrNotRegistered     = errors.New("listener not registered")
	ErrClosed            = errors.New("coordinator closed")
)

// Factory is the part of an endpoint factory the coordinator drives.
type Factory interface {
	Name() string
	ActivationServiceID() string
	DestinationID() string
	Config() endpoint.Config
	State() endpoint.FactoryState
	ActivateInternal(ctx context.Context, req endpoint.ActivationRequest) error
	DeactivateInternal(ctx context.Context, svc endpoint.ActivationService) error
}

var _ Factory = (*endpoint.Factory)(nil)

// dropNotifier is implemented by factories that report activations their
// activation service dropped out of band.
type dropNotifier interface {
	OnForceDeactivated(fn func())
}

var _ dropNotifier = (*endpoint.Factory)(nil)

type registration struct {
	factory          Factory
	deps             []Dependency
	runtimeActivated bool
	service          endpoint.ActivationService
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithScope limits activation to factories whose activation service id is
// accepted by s.
func WithScope(s Scope) Option {
	return func(c *Coordinator) {
		if s != nil {
			c.scope = s
		}
	}
}

// WithTrackers sets the trackers that resolve and publish activation
// services and destinations. Either may be nil.
func WithTrackers(services, destinations Tracker) Option {
	return func(c *Coordinator) {
		c.trackers[KindActivationService] = services
		c.trackers[KindDestination] = destinations
	}
}

// WithWarnInterval sets how often a missing activation service is reported
// per dependency.
func WithWarnInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.warnInterval = d
		}
	}
}

// Coordinator activates listeners once the activation service and the
// optional destination they depend on are both available, and deactivates
// them when either goes away.
type Coordinator struct {
	logger       *slog.Logger
	metrics      *Metrics
	tracer       trace.Tracer
	scope        Scope
	warnInterval time.Duration
	trackers     map[Kind]Tracker
	cancels      []func()

	mu        sync.Mutex
	records   map[Dependency]*record
	factories map[string]*registration
	warn      map[Dependency]*rate.Sometimes
	closed    bool
}

// New creates a coordinator and subscribes it to the configured trackers.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:       slog.Default(),
		tracer:       otel.Tracer("fluxra-activation"),
		scope:        ScopeAll,
		warnInterval: defaultWarnInterval,
		trackers:     make(map[Kind]Tracker),
		records:      make(map[Dependency]*record),
		factories:    make(map[string]*registration),
		warn:         make(map[Dependency]*rate.Sometimes),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, kind := range []Kind{KindActivationService, KindDestination} {
		if t := c.trackers[kind]; t != nil {
			c.cancels = append(c.cancels, t.Subscribe(c))
		}
	}

	return c
}

// RegisterFactory adds f and tries to activate it. Missing dependencies are
// not an error; f is activated once they become available. An activation
// error is returned, and f stays registered.
func (c *Coordinator) RegisterFactory(ctx context.Context, f Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	name := f.Name()
	if _, ok := c.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}

	deps := []Dependency{ServiceDependency(f.ActivationServiceID())}
	if id := f.DestinationID(); id != "" {
		deps = append(deps, DestinationDependency(id))
	}
	reg := &registration{factory: f, deps: deps}
	c.factories[name] = reg
	for _, dep := range deps {
		c.recordLocked(dep).factories[name] = struct{}{}
	}
	if n, ok := f.(dropNotifier); ok {
		n.OnForceDeactivated(func() { go c.listenerDropped(f) })
	}
	c.logger.Debug("listener registered",
		slog.String("listener", name),
		slog.String("service", f.ActivationServiceID()),
		slog.String("destination", f.DestinationID()))

	return c.attemptActivateLocked(ctx, reg)
}

// UnregisterFactory deactivates f if the coordinator activated it and drops
// every reference to it.
func (c *Coordinator) UnregisterFactory(ctx context.Context, f Factory) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.factories[f.Name()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, f.Name())
	}
	c.unregisterLocked(ctx, reg)
	return nil
}

func (c *Coordinator) unregisterLocked(ctx context.Context, reg *registration) {
	name := reg.factory.Name()
	if n, ok := reg.factory.(dropNotifier); ok {
		n.OnForceDeactivated(nil)
	}
	c.deactivateLocked(ctx, reg)
	for _, dep := range reg.deps {
		r, ok := c.records[dep]
		if !ok {
			continue
		}
		delete(r.factories, name)
		c.collectLocked(r)
	}
	delete(c.factories, name)
	c.logger.Debug("listener unregistered", slog.String("listener", name))
}

// DependencyAvailable records handle for dep and activates every factory
// that was waiting on it. Activation errors are logged; the next
// availability change retries.
func (c *Coordinator) DependencyAvailable(ctx context.Context, dep Dependency, handle any) {
	if handle == nil {
		c.logger.Warn("ignoring nil dependency handle", slog.String("dependency", dep.String()))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.staleLocked(dep, true) {
		return
	}

	var maxEndpoints int
	if dep.Kind == KindActivationService {
		svc, ok := handle.(endpoint.ActivationService)
		if !ok {
			c.logger.Error("dependency is not an activation service",
				slog.String("dependency", dep.String()),
				slog.String("type", fmt.Sprintf("%T", handle)))
			return
		}
		maxEndpoints = svc.MaxEndpoints()
	}

	r := c.recordLocked(dep)
	r.handle = handle
	if dep.Kind == KindActivationService {
		r.maxConcurrency = maxEndpoints
	}
	c.logger.Info("dependency available",
		slog.String("dependency", dep.String()),
		slog.Int("waiting", len(r.factories)))

	for _, name := range r.names() {
		reg := c.factories[name]
		if err := c.attemptActivateLocked(ctx, reg); err != nil {
			c.logger.Error("activation failed",
				slog.String("listener", name),
				slog.String("dependency", dep.String()),
				slog.String("error", err.Error()))
		}
	}
}

// DependencyRemoved clears dep and deactivates every factory the
// coordinator activated that depends on it.
func (c *Coordinator) DependencyRemoved(ctx context.Context, dep Dependency) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.records[dep]
	if !ok {
		return
	}
	if c.staleLocked(dep, false) {
		return
	}
	r.handle = nil
	r.maxConcurrency = 0
	c.logger.Info("dependency removed", slog.String("dependency", dep.String()))

	for _, name := range r.names() {
		c.deactivateLocked(ctx, c.factories[name])
	}
	c.collectLocked(r)
}

// listenerDropped completes the deactivation of a listener whose activation
// service dropped it and activates it again if its dependencies are still
// available.
func (c *Coordinator) listenerDropped(f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.factories[f.Name()]
	if c.closed || !ok || reg.factory != f || !reg.runtimeActivated {
		return
	}
	ctx := context.Background()
	name := f.Name()
	c.logger.Warn("listener dropped by activation service", slog.String("listener", name))
	c.deactivateLocked(ctx, reg)
	if err := c.attemptActivateLocked(ctx, reg); err != nil {
		c.logger.Error("reactivation failed",
			slog.String("listener", name),
			slog.String("error", err.Error()))
	}
}

// staleLocked reports whether a notification no longer matches what the
// tracker of dep's kind resolves, which happens when a later change
// overtook it. Without a tracker every notification is taken as is.
func (c *Coordinator) staleLocked(dep Dependency, available bool) bool {
	t := c.trackers[dep.Kind]
	if t == nil {
		return false
	}
	if _, ok := t.Resolve(dep.ID); ok == available {
		return false
	}
	c.logger.Debug("ignoring stale dependency notification",
		slog.String("dependency", dep.String()),
		slog.Bool("available", available))
	return true
}

func (c *Coordinator) attemptActivateLocked(ctx context.Context, reg *registration) error {
	if reg.runtimeActivated {
		return nil
	}
	f := reg.factory
	name := f.Name()
	if !c.scope(f.ActivationServiceID()) {
		c.logger.Debug("listener outside coordinator scope", slog.String("listener", name))
		return nil
	}

	svcDep := ServiceDependency(f.ActivationServiceID())
	svcRec := c.records[svcDep]
	if svcRec == nil || !svcRec.resolved() {
		c.warnMissingLocked(svcDep, name)
		c.metrics.attempt(name, "missing_service")
		return nil
	}

	var dest any
	destID := f.DestinationID()
	if destID != "" {
		destRec := c.records[DestinationDependency(destID)]
		if destRec == nil || !destRec.resolved() {
			c.logger.Debug("activation deferred until destination is available",
				slog.String("listener", name),
				slog.String("destination", destID))
			c.metrics.attempt(name, "deferred")
			return nil
		}
		dest = destRec.handle
	}

	svc := svcRec.handle.(endpoint.ActivationService)
	maxConc := f.Config().MaxConcurrency
	if maxConc <= 0 {
		maxConc = svcRec.maxConcurrency
	}

	ctx, span := c.tracer.Start(ctx, "activation.activate", trace.WithAttributes(
		attribute.String("listener", name),
		attribute.String("service", svcDep.ID),
		attribute.String("destination", destID),
		attribute.Int("max_concurrency", maxConc),
	))
	defer span.End()

	err := f.ActivateInternal(ctx, endpoint.ActivationRequest{
		Service:        svc,
		MaxConcurrency: maxConc,
		DestinationID:  destID,
		Destination:    dest,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.metrics.attempt(name, "error")
		return err
	}

	reg.runtimeActivated = true
	reg.service = svc
	c.metrics.attempt(name, "success")
	c.metrics.listenerActivated()
	return nil
}

func (c *Coordinator) deactivateLocked(ctx context.Context, reg *registration) {
	if reg == nil || !reg.runtimeActivated {
		return
	}
	name := reg.factory.Name()
	reg.runtimeActivated = false
	svc := reg.service
	reg.service = nil

	if err := reg.factory.DeactivateInternal(ctx, svc); err != nil {
		c.logger.Warn("deactivation skipped",
			slog.String("listener", name),
			slog.String("error", err.Error()))
	}
	c.metrics.deactivation(name)
	c.metrics.listenerDeactivated()
}

// warnMissingLocked logs a missing activation service at most once per warn
// interval and dependency.
func (c *Coordinator) warnMissingLocked(dep Dependency, listener string) {
	s, ok := c.warn[dep]
	if !ok {
		s = &rate.Sometimes{Interval: c.warnInterval}
		c.warn[dep] = s
	}
	s.Do(func() {
		c.logger.Warn("activation service not available, listener stays inactive",
			slog.String("listener", listener),
			slog.String("service", dep.ID))
	})
}

func (c *Coordinator) recordLocked(dep Dependency) *record {
	if r, ok := c.records[dep]; ok {
		return r
	}
	r := newRecord(dep)
	if t := c.trackers[dep.Kind]; t != nil {
		if h, ok := t.Resolve(dep.ID); ok && h != nil {
			switch dep.Kind {
			case KindActivationService:
				if svc, isSvc := h.(endpoint.ActivationService); isSvc {
					r.handle = h
					r.maxConcurrency = svc.MaxEndpoints()
				}
			case KindDestination:
				r.handle = h
			}
		}
	}
	c.records[dep] = r
	return r
}

func (c *Coordinator) collectLocked(r *record) {
	if r.empty() {
		delete(c.records, r.dep)
		delete(c.warn, r.dep)
	}
}

// RuntimeActivated reports whether the coordinator activated f.
func (c *Coordinator) RuntimeActivated(f Factory) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	reg, ok := c.factories[f.Name()]
	return ok && reg.runtimeActivated
}

// Records returns a snapshot of the dependency records, sorted by kind and id.
func (c *Coordinator) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, 0, len(c.records))
	for _, r := range c.records {
		rec := Record{
			Dependency:     r.dep,
			MaxConcurrency: r.maxConcurrency,
			Resolved:       r.resolved(),
			Factories:      r.names(),
		}
		if r.dep.Kind == KindActivationService {
			dests := make(map[string]struct{})
			for _, name := range rec.Factories {
				if id := c.factories[name].factory.DestinationID(); id != "" {
					dests[id] = struct{}{}
				}
			}
			rec.DestinationIDs = slices.Sorted(maps.Keys(dests))
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int {
		if a.Dependency.Kind != b.Dependency.Kind {
			return int(a.Dependency.Kind) - int(b.Dependency.Kind)
		}
		switch {
		case a.Dependency.ID < b.Dependency.ID:
			return -1
		case a.Dependency.ID > b.Dependency.ID:
			return 1
		}
		return 0
	})
	return out
}

// Closed reports whether Close has been called.
func (c *Coordinator) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// Close cancels tracker subscriptions and unregisters every factory.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	for _, name := range slices.Sorted(maps.Keys(c.factories)) {
		c.unregisterLocked(ctx, c.factories[name])
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
