// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextState(t *testing.T) {
	const bad = State(-1)
	table := map[State][4]State{
		//                          before               business              after                      release
		StateReady:                {StateBeforeDelivery, StateInMethodOptionA, bad, StateReleased},
		StateBeforeDelivery:       {bad, StateInMethodOptionB, StateReady, StateReleased},
		StateInMethodOptionA:      {bad, bad, bad, bad},
		StateInMethodOptionB:      {bad, bad, StateAfterDeliveryPending, bad},
		StateAfterDeliveryPending: {bad, bad, StateReady, StateReleased},
		StateReleased:             {bad, bad, bad, bad},
		StateDiscarded:            {bad, bad, bad, bad},
	}
	calls := [4]call{callBefore, callBusiness, callAfter, callRelease}

	for from, row := range table {
		for i, c := range calls {
			t.Run(from.String()+"/"+c.String(), func(t *testing.T) {
				next, ok := nextState(from, c)
				if row[i] == bad {
					assert.False(t, ok)
					assert.Equal(t, from, next)
					return
				}
				assert.True(t, ok)
				assert.Equal(t, row[i], next)
			})
		}
	}
}

func TestParseTransactionMode(t *testing.T) {
	tests := []struct {
		in      string
		want    TransactionMode
		wantErr bool
	}{
		{"", TxNone, false},
		{"none", TxNone, false},
		{"Required", TxRequired, false},
		{"native", TxNative, false},
		{"xa", TxNone, true},
	}
	for _, tt := range tests {
		got, err := ParseTransactionMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		assert.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseProtocol(t *testing.T) {
	p, err := ParseProtocol("")
	assert.NoError(t, err)
	assert.Equal(t, ProtocolCurrent, p)

	p, err = ParseProtocol("legacy")
	assert.NoError(t, err)
	assert.Equal(t, ProtocolLegacy, p)

	_, err = ParseProtocol("v3")
	assert.Error(t, err)
}

func TestEnlistmentReasonString(t *testing.T) {
	assert.Equal(t, "non_transactional", ReasonNonTransactional.String())
	assert.Equal(t, "reason(42)", EnlistmentReason(42).String())
}

func TestRecoveryContext(t *testing.T) {
	var rc RecoveryContext

	_, known := rc.ID()
	assert.False(t, known)

	assert.NoError(t, rc.setID(5))
	assert.ErrorIs(t, rc.setID(5), ErrRecoveryIDAlreadySet)
	assert.ErrorIs(t, rc.setID(6), ErrRecoveryIDAlreadySet)

	id, known := rc.ID()
	assert.True(t, known)
	assert.Equal(t, 5, id)

	rc.clearID()
	assert.NoError(t, rc.setID(6))

	rc.setNotNeeded(ReasonRecoveryUnsupported)
	reason, ok := rc.EnlistmentNotNeeded()
	assert.True(t, ok)
	assert.Equal(t, ReasonRecoveryUnsupported, reason)

	assert.True(t, rc.markReasonLogged())
	assert.False(t, rc.markReasonLogged())
}
