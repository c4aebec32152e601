// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"fmt"
	"strings"
)

// TransactionMode selects how deliveries are wrapped in transactions.
type TransactionMode int

const (
	// TxNone delivers without a container transaction.
	TxNone TransactionMode = iota
	// TxRequired begins a container transaction unless one is imported.
	TxRequired
	// TxNative is TxRequired for listeners whose resource adapter enlists
	// its own native resource. A recovery id is required even when no
	// resource is passed to CreateEndpoint.
	TxNative
)

func (m TransactionMode) String() string {
	switch m {
	case TxNone:
		return "none"
	case TxRequired:
		return "required"
	case TxNative:
		return "native"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseTransactionMode parses the configuration form of a TransactionMode.
func ParseTransactionMode(s string) (TransactionMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return TxNone, nil
	case "required":
		return TxRequired, nil
	case "native":
		return TxNative, nil
	default:
		return TxNone, fmt.Errorf("unknown transaction mode %q", s)
	}
}

// Protocol is the version of the endpoint dispatch surface. It only changes
// what AfterDelivery decides when no business method ran.
type Protocol int

const (
	// ProtocolLegacy keeps the transaction committable.
	ProtocolLegacy Protocol = iota
	// ProtocolCurrent marks an owned transaction rollback-only.
	ProtocolCurrent
)

func (p Protocol) String() string {
	switch p {
	case ProtocolLegacy:
		return "legacy"
	case ProtocolCurrent:
		return "current"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol parses the configuration form of a Protocol. Empty selects
// ProtocolCurrent.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "", "current":
		return ProtocolCurrent, nil
	case "legacy":
		return ProtocolLegacy, nil
	default:
		return ProtocolCurrent, fmt.Errorf("unknown protocol %q", s)
	}
}

// FactoryState is the activation state of a Factory.
type FactoryState int

const (
	FactoryInactive FactoryState = iota
	FactoryActivating
	FactoryActive
	FactoryDeactivating
	FactoryDeactivatePending
)

func (s FactoryState) String() string {
	switch s {
	case FactoryInactive:
		return "inactive"
	case FactoryActivating:
		return "activating"
	case FactoryActive:
		return "active"
	case FactoryDeactivating:
		return "deactivating"
	case FactoryDeactivatePending:
		return "deactivate_pending"
	default:
		return fmt.Sprintf("factory_state(%d)", int(s))
	}
}

// State is the protocol state of a Guard.
type State int

const (
	StateReleased State = iota
	StateReady
	StateBeforeDelivery
	StateInMethodOptionA
	StateInMethodOptionB
	StateAfterDeliveryPending
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateReleased:
		return "released"
	case StateReady:
		return "ready"
	case StateBeforeDelivery:
		return "before_delivery"
	case StateInMethodOptionA:
		return "in_method_option_a"
	case StateInMethodOptionB:
		return "in_method_option_b"
	case StateAfterDeliveryPending:
		return "after_delivery_pending"
	case StateDiscarded:
		return "discarded"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// call is the kind of operation requested on a guard. The caller decides it
// at the call site.
type call int

const (
	callBefore call = iota
	callBusiness
	callAfter
	callRelease
)

func (c call) String() string {
	switch c {
	case callBefore:
		return "BeforeDelivery"
	case callBusiness:
		return "Deliver"
	case callAfter:
		return "AfterDelivery"
	case callRelease:
		return "Release"
	default:
		return fmt.Sprintf("call(%d)", int(c))
	}
}

// nextState returns the state a guard in s moves to when c is requested, or
// false when c is a protocol violation in s.
func nextState(s State, c call) (State, bool) {
	switch s {
	case StateReady:
		switch c {
		case callBefore:
			return StateBeforeDelivery, true
		case callBusiness:
			return StateInMethodOptionA, true
		case callAfter:
			return s, false
		case callRelease:
			return StateReleased, true
		}
	case StateBeforeDelivery:
		switch c {
		case callBefore:
			return s, false
		case callBusiness:
			return StateInMethodOptionB, true
		case callAfter:
			return StateReady, true
		case callRelease:
			return StateReleased, true
		}
	case StateInMethodOptionA:
		return s, false
	case StateInMethodOptionB:
		switch c {
		case callAfter:
			return StateAfterDeliveryPending, true
		case callBefore, callBusiness, callRelease:
			return s, false
		}
	case StateAfterDeliveryPending:
		switch c {
		case callAfter:
			return StateReady, true
		case callRelease:
			return StateReleased, true
		case callBefore, callBusiness:
			return s, false
		}
	case StateReleased, StateDiscarded:
		return s, false
	}
	return s, false
}
