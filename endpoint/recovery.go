// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import "fmt"

// EnlistmentReason is the code a resource adapter gives when it declares that
// its resources never need transaction enlistment. Codes are not validated.
type EnlistmentReason int

const (
	ReasonUnspecified EnlistmentReason = iota
	ReasonNonTransactional
	ReasonLocalTransactionOnly
	ReasonRecoveryUnsupported
)

func (r EnlistmentReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonNonTransactional:
		return "non_transactional"
	case ReasonLocalTransactionOnly:
		return "local_transaction_only"
	case ReasonRecoveryUnsupported:
		return "recovery_unsupported"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// RecoveryContext holds the recovery id and enlistment policy of a factory.
// It is guarded by the owning factory's lock.
type RecoveryContext struct {
	id           int
	known        bool
	notNeeded    bool
	reason       EnlistmentReason
	reasonLogged bool
}

func (rc *RecoveryContext) setID(id int) error {
	if rc.known {
		return fmt.Errorf("%w (current %d, requested %d)", ErrRecoveryIDAlreadySet, rc.id, id)
	}
	rc.id = id
	rc.known = true
	return nil
}

// ID returns the recovery id and whether it has been set.
func (rc *RecoveryContext) ID() (int, bool) {
	return rc.id, rc.known
}

func (rc *RecoveryContext) clearID() {
	rc.id = 0
	rc.known = false
}

func (rc *RecoveryContext) setNotNeeded(reason EnlistmentReason) {
	rc.notNeeded = true
	rc.reason = reason
}

// EnlistmentNotNeeded returns the declared reason, if any.
func (rc *RecoveryContext) EnlistmentNotNeeded() (EnlistmentReason, bool) {
	return rc.reason, rc.notNeeded
}

// markReasonLogged reports true only the first time it is called.
func (rc *RecoveryContext) markReasonLogged() bool {
	if rc.reasonLogged {
		return false
	}
	rc.reasonLogged = true
	return true
}
