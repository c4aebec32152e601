// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"time"
)

// Method names the listener method a delivery is bracketed around.
type Method string

// Resource is a transactional resource a resource adapter hands to
// CreateEndpoint so it can be enlisted in the delivery transaction.
type Resource interface {
	ResourceName() string
}

// RecoverableResource is a Resource that carries its own recovery token. The
// token is used for enlistment instead of the factory recovery id.
type RecoverableResource interface {
	Resource
	RecoveryToken() int
}

// Transaction is a transaction begun by the container for one delivery.
type Transaction interface {
	ID() string
	SetRollbackOnly()
	RollbackOnly() bool
	Commit() error
	Rollback() error
}

// TransactionManager is the transaction manager the endpoints consume.
type TransactionManager interface {
	// CurrentTransactionIsGlobal reports whether ctx already carries an
	// active global transaction imported by the resource adapter.
	CurrentTransactionIsGlobal(ctx context.Context) bool

	// CurrentTransactionID returns the id of the transaction carried by ctx,
	// or an empty string.
	CurrentTransactionID(ctx context.Context) string

	Begin(ctx context.Context) (Transaction, error)
	Enlist(tx Transaction, r Resource, recoveryID int) error
}

// Target receives the business method invocations. It is the message
// listener the endpoints deliver to.
type Target interface {
	Deliver(ctx context.Context, m Method, msg any) error
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, m Method, msg any) error

func (fn TargetFunc) Deliver(ctx context.Context, m Method, msg any) error {
	return fn(ctx, m, msg)
}

// Endpoint is the handle a resource adapter drives around each delivery.
type Endpoint interface {
	BeforeDelivery(ctx context.Context, m Method) error
	Deliver(ctx context.Context, m Method, msg any) error
	AfterDelivery(ctx context.Context) error
	Release(ctx context.Context)
}

// EndpointFactory is the surface a resource adapter uses to obtain endpoints
// for an activated listener.
type EndpointFactory interface {
	Name() string
	CreateEndpoint(r Resource, timeout time.Duration) (*Guard, error)
	SetRecoveryID(id int) error
	SetEnlistmentNotNeeded(reason EnlistmentReason)
	MaxConcurrentEndpoints() int
	ForceDeactivated()
}

// Activation is the opaque handle an ActivationService returns for an
// activated listener.
type Activation any

// ActivationSpec describes what a listener should be activated against.
type ActivationSpec struct {
	Listener       string
	DestinationID  string
	Destination    any
	MaxConcurrency int
}

// ActivationService switches listeners between dormant and receiving.
type ActivationService interface {
	MaxEndpoints() int
	Activate(ctx context.Context, f EndpointFactory, spec ActivationSpec) (Activation, error)
	Deactivate(ctx context.Context, a Activation) error
}

// ActivationRequest carries the resolved dependencies for ActivateInternal.
type ActivationRequest struct {
	Service        ActivationService
	MaxConcurrency int
	DestinationID  string
	Destination    any
}

var (
	_ Endpoint        = (*Guard)(nil)
	_ EndpointFactory = (*Factory)(nil)
)
