// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Guard is a pooled endpoint handle. It enforces the delivery call protocol
// and decides the disposition of the delivery transaction.
type Guard struct {
	id      string
	factory *Factory
	mode    TransactionMode
	tm      TransactionManager
	target  Target
	logger  *slog.Logger
	metrics *Metrics

	mu             sync.Mutex
	state          State
	caller         CallerID
	callerSet      bool
	protocol       Protocol
	resource       Resource
	recoverable    bool
	recoveryID     int
	imported       bool
	rollbackOnly   bool
	tx             Transaction
	method         Method
	afterRequested bool
}

func newGuard(f *Factory) *Guard {
	id := uuid.NewString()
	return &Guard{
		id:      id,
		factory: f,
		mode:    f.cfg.TransactionMode,
		tm:      f.tm,
		target:  f.target,
		logger:  f.logger.With("endpoint", id),
		metrics: f.metrics,
		state:   StateReleased,
	}
}

// initialize prepares a released guard for a new cycle. It returns false for
// a discarded guard, which is never reused.
func (g *Guard) initialize(r Resource, recoverable bool, recoveryID int, p Protocol) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != StateReleased {
		return false
	}
	g.resource = r
	g.recoverable = recoverable
	g.recoveryID = recoveryID
	g.protocol = p
	g.caller = ""
	g.callerSet = false
	g.resetCycle()
	g.state = StateReady
	return true
}

func (g *Guard) resetCycle() {
	g.imported = false
	g.rollbackOnly = false
	g.tx = nil
	g.method = ""
	g.afterRequested = false
}

// checkState applies caller affinity and the transition table. It must be
// called with g.mu held. On a violation the guard is discarded and the
// returned error wraps ErrProtocolViolation; the caller must then hand the
// slot back with factory.endpointDone(g, false) after unlocking.
func (g *Guard) checkState(ctx context.Context, c call) (State, error) {
	prev := g.state
	caller := CallerFrom(ctx)
	if g.callerSet && caller != g.caller {
		return prev, g.violate(c, fmt.Sprintf("caller %q does not own the delivery cycle", caller))
	}
	next, ok := nextState(prev, c)
	if !ok {
		return prev, g.violate(c, "call not allowed in this state")
	}
	if !g.callerSet {
		g.caller = caller
		g.callerSet = true
	}
	g.state = next
	return prev, nil
}

func (g *Guard) violate(c call, reason string) error {
	err := &ViolationError{
		Endpoint: g.id,
		Listener: g.factory.cfg.Name,
		State:    g.state,
		Call:     c.String(),
		Reason:   reason,
	}
	g.abortLocked()
	g.state = StateDiscarded
	g.resource = nil
	g.logger.Warn("protocol violation",
		slog.String("call", c.String()),
		slog.String("state", err.State.String()),
		slog.String("reason", reason))
	g.metrics.violation(g.factory.cfg.Name, c.String())
	return err
}

// BeforeDelivery opens a delivery bracket for m.
func (g *Guard) BeforeDelivery(ctx context.Context, m Method) error {
	g.mu.Lock()
	if _, err := g.checkState(ctx, callBefore); err != nil {
		g.mu.Unlock()
		g.factory.endpointDone(g, false)
		return err
	}
	// Violations win over a deactivated factory.
	if !g.factory.deliveryAllowed() {
		g.state = StateReady
		g.mu.Unlock()
		return fmt.Errorf("listener %s: %w", g.factory.cfg.Name, ErrRetryableUnavailable)
	}
	g.rollbackOnly = false
	g.afterRequested = false
	g.method = m
	if err := g.beginLocked(ctx); err != nil {
		g.state = StateReady
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	return nil
}

// Deliver invokes the business method. Called on a Ready guard it brackets
// the call itself; called after BeforeDelivery it runs inside that bracket.
func (g *Guard) Deliver(ctx context.Context, m Method, msg any) error {
	g.mu.Lock()
	prev, err := g.checkState(ctx, callBusiness)
	if err != nil {
		g.mu.Unlock()
		g.factory.endpointDone(g, false)
		return err
	}

	if prev == StateReady {
		return g.deliverOptionA(ctx, m, msg)
	}
	return g.deliverOptionB(ctx, m, msg)
}

// deliverOptionA is entered with g.mu held and the guard InMethodOptionA.
func (g *Guard) deliverOptionA(ctx context.Context, m Method, msg any) error {
	if !g.factory.deliveryAllowed() {
		g.state = StateReady
		g.mu.Unlock()
		return fmt.Errorf("listener %s: %w", g.factory.cfg.Name, ErrRetryableUnavailable)
	}
	g.resetCycle()
	g.method = m
	if err := g.beginLocked(ctx); err != nil {
		g.state = StateReady
		g.mu.Unlock()
		return err
	}
	g.mu.Unlock()

	derr := g.target.Deliver(ctx, m, msg)

	g.mu.Lock()
	defer g.mu.Unlock()

	if derr != nil {
		g.rollbackOnly = true
	}
	cerr := g.completeLocked()
	if g.state == StateInMethodOptionA {
		g.state = StateReady
	}
	g.metrics.delivered(g.factory.cfg.Name, derr == nil)
	return errors.Join(derr, cerr)
}

// deliverOptionB is entered with g.mu held and the guard InMethodOptionB.
func (g *Guard) deliverOptionB(ctx context.Context, m Method, msg any) error {
	g.mu.Unlock()

	derr := g.target.Deliver(ctx, m, msg)

	g.mu.Lock()
	defer g.mu.Unlock()

	if derr != nil && g.tx != nil && !g.imported {
		g.rollbackOnly = true
	}
	g.metrics.delivered(g.factory.cfg.Name, derr == nil)

	switch {
	case g.state == StateInMethodOptionB:
		g.state = StateAfterDeliveryPending
	case g.state == StateAfterDeliveryPending && g.afterRequested:
		// AfterDelivery arrived while the business call was running.
		g.afterRequested = false
		cerr := g.completeLocked()
		g.state = StateReady
		return errors.Join(derr, cerr)
	}
	return derr
}

// AfterDelivery closes the bracket opened by BeforeDelivery and commits or
// rolls back the transaction the guard owns.
func (g *Guard) AfterDelivery(ctx context.Context) error {
	g.mu.Lock()
	prev, err := g.checkState(ctx, callAfter)
	if err != nil {
		g.mu.Unlock()
		g.factory.endpointDone(g, false)
		return err
	}
	defer g.mu.Unlock()

	switch prev {
	case StateBeforeDelivery:
		g.decideNoDelivery()
		return g.completeLocked()
	case StateInMethodOptionB:
		g.afterRequested = true
		return nil
	default:
		return g.completeLocked()
	}
}

// decideNoDelivery sets the disposition of a bracket in which no business
// method ran.
func (g *Guard) decideNoDelivery() {
	switch g.protocol {
	case ProtocolLegacy:
	case ProtocolCurrent:
		if !g.imported {
			g.rollbackOnly = true
		}
	}
}

// Release ends the cycle and returns the guard to its factory. An open
// bracket is abandoned and its owned transaction rolled back.
func (g *Guard) Release(ctx context.Context) {
	g.mu.Lock()
	prev, err := g.checkState(ctx, callRelease)
	if err != nil {
		g.mu.Unlock()
		g.factory.endpointDone(g, false)
		return
	}
	if prev == StateBeforeDelivery || prev == StateAfterDeliveryPending {
		g.abortLocked()
	}
	g.resetCycle()
	g.caller = ""
	g.callerSet = false
	g.resource = nil
	g.mu.Unlock()

	g.factory.endpointDone(g, true)
}

// beginLocked records whether ctx imports a global transaction, begins an
// owned one when needed and enlists the configured resource.
func (g *Guard) beginLocked(ctx context.Context) error {
	if g.tm == nil {
		return nil
	}
	g.imported = g.tm.CurrentTransactionIsGlobal(ctx)
	if g.imported || g.mode == TxNone {
		return nil
	}

	tx, err := g.tm.Begin(ctx)
	if err != nil {
		return fmt.Errorf("listener %s: begin transaction: %w", g.factory.cfg.Name, err)
	}
	g.tx = tx

	if g.resource == nil {
		return nil
	}
	id := g.recoveryID
	if rr, ok := g.resource.(RecoverableResource); ok && g.recoverable {
		id = rr.RecoveryToken()
	}
	if err := g.tm.Enlist(tx, g.resource, id); err != nil {
		rerr := tx.Rollback()
		g.tx = nil
		return errors.Join(fmt.Errorf("listener %s: enlist %s: %w", g.factory.cfg.Name, g.resource.ResourceName(), err), rerr)
	}
	return nil
}

// completeLocked commits or rolls back the owned transaction. An imported
// transaction belongs to the resource adapter and is left untouched.
func (g *Guard) completeLocked() error {
	tx := g.tx
	g.tx = nil
	if tx == nil {
		return nil
	}
	if g.rollbackOnly || tx.RollbackOnly() {
		tx.SetRollbackOnly()
		return tx.Rollback()
	}
	return tx.Commit()
}

func (g *Guard) abortLocked() {
	tx := g.tx
	g.tx = nil
	if tx == nil {
		return
	}
	tx.SetRollbackOnly()
	if err := tx.Rollback(); err != nil {
		g.logger.Warn("rollback of abandoned transaction failed",
			slog.String("tx", tx.ID()),
			slog.String("error", err.Error()))
	}
}

func (g *Guard) ID() string { return g.id }

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

// RollbackOnly reports the disposition decided for the current bracket.
func (g *Guard) RollbackOnly() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.rollbackOnly
}

// Imported reports whether the current bracket runs in an imported
// transaction.
func (g *Guard) Imported() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.imported
}

// Method returns the method named by the last BeforeDelivery or Deliver.
func (g *Guard) Method() Method {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.method
}
