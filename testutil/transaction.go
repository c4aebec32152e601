// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/absmach/fluxra/endpoint"
	"github.com/google/uuid"
)

// Transaction errors.
var (
	ErrCompleted   = errors.New("transaction already completed")
	ErrEnlistment  = errors.New("enlistment refused")
	ErrBeginFailed = errors.New("begin refused")
)

// Transaction is an in-memory endpoint.Transaction that records its outcome.
type Transaction struct {
	id     string
	global bool

	mu           sync.Mutex
	rollbackOnly bool
	committed    bool
	rolledBack   bool
}

// NewTransaction creates an open transaction. Global transactions are the
// ones a resource adapter imports.
func NewTransaction(global bool) *Transaction {
	return &Transaction{id: uuid.NewString(), global: global}
}

func (t *Transaction) ID() string { return t.id }

func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollbackOnly = true
}

func (t *Transaction) RollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return ErrCompleted
	}
	if t.rollbackOnly {
		t.rolledBack = true
		return errors.New("transaction marked rollback-only")
	}
	t.committed = true
	return nil
}

func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return ErrCompleted
	}
	t.rolledBack = true
	return nil
}

func (t *Transaction) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

func (t *Transaction) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

// Untouched reports whether the transaction was neither completed nor marked.
func (t *Transaction) Untouched() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.committed && !t.rolledBack && !t.rollbackOnly
}

type importedKey struct{}

// WithImported returns ctx carrying tx as the ambient transaction.
func WithImported(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, importedKey{}, tx)
}

// Enlistment is one recorded TransactionManager.Enlist call.
type Enlistment struct {
	TxID       string
	Resource   string
	RecoveryID int
}

// TransactionManager is an in-memory endpoint.TransactionManager.
type TransactionManager struct {
	mu          sync.Mutex
	begun       []*Transaction
	enlistments []Enlistment

	// FailBegin and FailEnlist make the next calls fail.
	FailBegin  bool
	FailEnlist bool
}

var _ endpoint.TransactionManager = (*TransactionManager)(nil)

func NewTransactionManager() *TransactionManager {
	return &TransactionManager{}
}

func (m *TransactionManager) CurrentTransactionIsGlobal(ctx context.Context) bool {
	tx, ok := ctx.Value(importedKey{}).(*Transaction)
	return ok && tx.global
}

func (m *TransactionManager) CurrentTransactionID(ctx context.Context) string {
	if tx, ok := ctx.Value(importedKey{}).(*Transaction); ok {
		return tx.id
	}
	return ""
}

func (m *TransactionManager) Begin(ctx context.Context) (endpoint.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailBegin {
		return nil, ErrBeginFailed
	}
	tx := NewTransaction(false)
	m.begun = append(m.begun, tx)
	return tx, nil
}

func (m *TransactionManager) Enlist(tx endpoint.Transaction, r endpoint.Resource, recoveryID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailEnlist {
		return ErrEnlistment
	}
	m.enlistments = append(m.enlistments, Enlistment{
		TxID:       tx.ID(),
		Resource:   r.ResourceName(),
		RecoveryID: recoveryID,
	})
	return nil
}

// Begun returns the transactions begun so far.
func (m *TransactionManager) Begun() []*Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Transaction(nil), m.begun...)
}

// Last returns the most recently begun transaction, or nil.
func (m *TransactionManager) Last() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.begun) == 0 {
		return nil
	}
	return m.begun[len(m.begun)-1]
}

func (m *TransactionManager) Enlistments() []Enlistment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Enlistment(nil), m.enlistments...)
}
