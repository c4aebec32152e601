// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"errors"
	"fmt"
)

// Endpoint and factory errors.
var (
	// ErrProtocolViolation is wrapped by every error caused by a delivering
	// party that broke the before/after delivery call contract.
	ErrProtocolViolation = errors.New("endpoint protocol violation")

	// ErrUnavailable is returned when no endpoint can be produced and retrying
	// will not help until the listener is activated again.
	ErrUnavailable = errors.New("endpoint unavailable")

	// ErrRetryableUnavailable is returned while the listener is being
	// deactivated. Callers may retry.
	ErrRetryableUnavailable = errors.New("endpoint temporarily unavailable")

	ErrRecoveryIDUnknown    = fmt.Errorf("%w: recovery id must be established before endpoints are created", ErrUnavailable)
	ErrEnlistmentNotNeeded  = fmt.Errorf("%w: resource supplied after enlistment was declared not needed", ErrUnavailable)
	ErrRecoveryIDAlreadySet = errors.New("recovery id already set")
	ErrInvalidTransition    = errors.New("invalid factory state transition")
	ErrSetup                = errors.New("endpoint activation failed")
	ErrInvalidConfig        = errors.New("invalid endpoint factory config")
)

// ViolationError describes a single protocol violation. It always unwraps to
// ErrProtocolViolation.
type ViolationError struct {
	Endpoint string
	Listener string
	State    State
	Call     string
	Reason   string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s on endpoint %s of listener %s in state %s: %s",
		ErrProtocolViolation, e.Call, e.Endpoint, e.Listener, e.State, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrProtocolViolation
}

// IsRetryable reports whether err is a transient unavailability.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryableUnavailable)
}

// IsPermanent reports whether err must not be retried by the caller.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrProtocolViolation) ||
		errors.Is(err, ErrSetup) ||
		errors.Is(err, ErrRecoveryIDAlreadySet)
}
