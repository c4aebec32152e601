// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Config describes one logical listener.
type Config struct {
	Name                string
	ActivationServiceID string
	DestinationID       string
	MaxConcurrency      int
	TransactionMode     TransactionMode
	Protocol            Protocol
}

// Validate checks the static part of a listener configuration.
func (c Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if c.ActivationServiceID == "" {
		return fmt.Errorf("%w: listener %s: activation service id is required", ErrInvalidConfig, c.Name)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: listener %s: max concurrency cannot be negative", ErrInvalidConfig, c.Name)
	}
	return nil
}

// Option configures a Factory.
type Option func(*Factory)

// WithLogger sets the factory logger. Guards inherit it.
func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metric instruments shared by the factory and its guards.
func WithMetrics(m *Metrics) Option {
	return func(f *Factory) {
		f.metrics = m
	}
}

// activationRef wraps the handle returned by an ActivationService so a nil
// handle from a successful Activate still counts as live.
type activationRef struct {
	handle Activation
}

// Factory owns the activation state of one listener and produces the
// guards resource adapters deliver through.
type Factory struct {
	cfg     Config
	target  Target
	tm      TransactionManager
	logger  *slog.Logger
	metrics *Metrics

	mu             sync.Mutex
	state          FactoryState
	activation     *activationRef
	maxConcurrency int
	recovery       RecoveryContext
	leased         map[*Guard]struct{}
	free           []*Guard
	onDropped      func()

	// live mirrors "Active with a live activation" for guards, which must
	// not take mu while holding their own lock.
	live atomic.Bool
}

// NewFactory creates an inactive factory delivering to target.
func NewFactory(cfg Config, target Target, tm TransactionManager, opts ...Option) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("%w: listener %s: target is required", ErrInvalidConfig, cfg.Name)
	}
	if tm == nil && cfg.TransactionMode != TxNone {
		return nil, fmt.Errorf("%w: listener %s: transaction manager is required for mode %s", ErrInvalidConfig, cfg.Name, cfg.TransactionMode)
	}

	f := &Factory{
		cfg:            cfg,
		target:         target,
		tm:             tm,
		logger:         slog.Default(),
		state:          FactoryInactive,
		maxConcurrency: cfg.MaxConcurrency,
		leased:         make(map[*Guard]struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("listener", cfg.Name)

	return f, nil
}

// CreateEndpoint returns a Ready guard for one delivery cycle. The timeout is
// accepted for interface compatibility; the call never blocks.
func (f *Factory) CreateEndpoint(r Resource, _ time.Duration) (*Guard, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, known := f.recovery.ID(); !known && (r != nil || f.cfg.TransactionMode == TxNative) {
		reason, notNeeded := f.recovery.EnlistmentNotNeeded()
		switch {
		case !notNeeded:
			return nil, fmt.Errorf("listener %s: %w", f.cfg.Name, ErrRecoveryIDUnknown)
		case r != nil:
			if f.recovery.markReasonLogged() {
				f.logger.Warn("resource supplied although enlistment was declared not needed",
					slog.String("reason", reason.String()),
					slog.String("resource", r.ResourceName()))
			}
			return nil, fmt.Errorf("listener %s: %w (%s)", f.cfg.Name, ErrEnlistmentNotNeeded, reason)
		}
	}

	switch {
	case f.state == FactoryActive && f.activation != nil:
	case f.state == FactoryDeactivating || f.state == FactoryDeactivatePending:
		return nil, fmt.Errorf("listener %s is %s: %w", f.cfg.Name, f.state, ErrRetryableUnavailable)
	default:
		return nil, fmt.Errorf("listener %s is %s: %w", f.cfg.Name, f.state, ErrUnavailable)
	}

	_, recoverable := r.(RecoverableResource)
	recoveryID, _ := f.recovery.ID()

	var g *Guard
	for len(f.free) > 0 && g == nil {
		last := len(f.free) - 1
		cand := f.free[last]
		f.free = f.free[:last]
		if cand.initialize(r, recoverable, recoveryID, f.cfg.Protocol) {
			g = cand
		}
	}
	if g == nil {
		g = newGuard(f)
		g.initialize(r, recoverable, recoveryID, f.cfg.Protocol)
	}
	f.leased[g] = struct{}{}
	f.metrics.endpointCreated(f.cfg.Name)

	return g, nil
}

// SetRecoveryID records the recovery id used when enlisting resources. It
// may be set once per activation.
func (f *Factory) SetRecoveryID(id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.recovery.setID(id); err != nil {
		return fmt.Errorf("listener %s: %w", f.cfg.Name, err)
	}
	return nil
}

// SetEnlistmentNotNeeded declares that the resource adapter never needs its
// resources enlisted. The reason is not validated.
func (f *Factory) SetEnlistmentNotNeeded(reason EnlistmentReason) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.recovery.setNotNeeded(reason)
}

// MaxConcurrentEndpoints returns the concurrency the listener was activated
// with.
func (f *Factory) MaxConcurrentEndpoints() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.maxConcurrency
}

// ForceDeactivated is called by a resource adapter that dropped the
// activation out of band. In-flight endpoints keep the factory in
// FactoryDeactivatePending until it is deactivated.
func (f *Factory) ForceDeactivated() {
	f.mu.Lock()
	if f.activation == nil {
		f.mu.Unlock()
		return
	}
	f.activation = nil
	f.live.Store(false)
	if f.state == FactoryActive && len(f.leased) > 0 {
		f.state = FactoryDeactivatePending
	}
	fn := f.onDropped
	f.logger.Info("activation dropped by resource adapter",
		slog.String("state", f.state.String()),
		slog.Int("in_flight", len(f.leased)))
	f.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// OnForceDeactivated sets a callback run, without the factory lock held,
// each time ForceDeactivated drops a live activation. A nil fn clears it.
func (f *Factory) OnForceDeactivated(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.onDropped = fn
}

// ActivateInternal activates the listener against the resolved service. The
// service is called without holding the factory lock, since it calls back
// into SetRecoveryID and MaxConcurrentEndpoints.
func (f *Factory) ActivateInternal(ctx context.Context, req ActivationRequest) error {
	if req.Service == nil {
		return fmt.Errorf("listener %s: %w: no activation service", f.cfg.Name, ErrSetup)
	}

	f.mu.Lock()
	if f.state != FactoryInactive {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("listener %s: activate from %s: %w", f.cfg.Name, state, ErrInvalidTransition)
	}
	f.state = FactoryActivating
	if req.MaxConcurrency > 0 {
		f.maxConcurrency = req.MaxConcurrency
	}
	spec := ActivationSpec{
		Listener:       f.cfg.Name,
		DestinationID:  req.DestinationID,
		Destination:    req.Destination,
		MaxConcurrency: f.maxConcurrency,
	}
	f.mu.Unlock()

	handle, err := req.Service.Activate(ctx, f, spec)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err != nil {
		f.state = FactoryInactive
		f.recovery.clearID()
		return fmt.Errorf("%w: listener %s: %w", ErrSetup, f.cfg.Name, err)
	}
	f.activation = &activationRef{handle: handle}
	f.state = FactoryActive
	f.live.Store(true)
	f.logger.Info("listener activated",
		slog.String("destination", req.DestinationID),
		slog.Int("max_concurrency", f.maxConcurrency))

	return nil
}

// DeactivateInternal deactivates the listener. A failing service call is
// logged; the factory always ends up FactoryInactive.
func (f *Factory) DeactivateInternal(ctx context.Context, svc ActivationService) error {
	f.mu.Lock()
	if f.state != FactoryActive && f.state != FactoryDeactivatePending {
		state := f.state
		f.mu.Unlock()
		return fmt.Errorf("listener %s: deactivate from %s: %w", f.cfg.Name, state, ErrInvalidTransition)
	}
	f.state = FactoryDeactivating
	f.live.Store(false)
	ref := f.activation
	if ref == nil {
		f.recovery.clearID()
		f.state = FactoryInactive
		f.mu.Unlock()
		f.logger.Info("listener deactivated", slog.Bool("forced", true))
		return nil
	}
	f.mu.Unlock()

	if svc != nil {
		if err := svc.Deactivate(ctx, ref.handle); err != nil {
			f.logger.Warn("deactivation failed", slog.String("error", err.Error()))
		}
	}

	f.mu.Lock()
	f.recovery.clearID()
	f.activation = nil
	f.state = FactoryInactive
	f.mu.Unlock()
	f.logger.Info("listener deactivated", slog.Bool("forced", false))

	return nil
}

// endpointDone returns a guard's slot. Only guards that completed a cycle
// cleanly are reused.
func (f *Factory) endpointDone(g *Guard, reuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.leased[g]; !ok {
		// A pooled guard discarded by a late call must leave the free list.
		if !reuse {
			f.free = slices.DeleteFunc(f.free, func(p *Guard) bool { return p == g })
		}
		return
	}
	delete(f.leased, g)
	f.metrics.endpointDone(f.cfg.Name)
	if reuse && len(f.free) < f.poolCap() {
		f.free = append(f.free, g)
	}
}

func (f *Factory) poolCap() int {
	if f.maxConcurrency > 0 {
		return f.maxConcurrency
	}
	return 1
}

func (f *Factory) deliveryAllowed() bool {
	return f.live.Load()
}

func (f *Factory) State() FactoryState {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.state
}

// RecoveryID returns the recovery id and whether it has been set.
func (f *Factory) RecoveryID() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.recovery.ID()
}

// InFlight returns the number of guards handed out and not yet released.
func (f *Factory) InFlight() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.leased)
}

// Pooled returns the number of released guards waiting for reuse.
func (f *Factory) Pooled() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.free)
}

func (f *Factory) Name() string                { return f.cfg.Name }
func (f *Factory) ActivationServiceID() string { return f.cfg.ActivationServiceID }
func (f *Factory) DestinationID() string       { return f.cfg.DestinationID }
func (f *Factory) Config() Config              { return f.cfg }
