// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/absmach/fluxra/endpoint"
)

// ActivationService is a scripted endpoint.ActivationService.
type ActivationService struct {
	Max int
	// RecoveryID is passed to SetRecoveryID on activation when non-zero.
	RecoveryID int
	// ActivateErr and DeactivateErr are returned when set.
	ActivateErr   error
	DeactivateErr error
	// OnActivate runs inside Activate after the recovery id is set.
	OnActivate func(f endpoint.EndpointFactory)
	// Delay is slept inside every Activate and Deactivate.
	Delay time.Duration

	busy    atomic.Int32
	maxBusy atomic.Int32

	mu          sync.Mutex
	activated   []endpoint.ActivationSpec
	deactivated int
}

var _ endpoint.ActivationService = (*ActivationService)(nil)

// Handle is the activation handle returned by ActivationService.
type Handle struct {
	Listener string
}

func (s *ActivationService) MaxEndpoints() int {
	return s.Max
}

func (s *ActivationService) Activate(ctx context.Context, f endpoint.EndpointFactory, spec endpoint.ActivationSpec) (endpoint.Activation, error) {
	defer s.enter()()

	s.mu.Lock()
	s.activated = append(s.activated, spec)
	s.mu.Unlock()

	if s.ActivateErr != nil {
		return nil, s.ActivateErr
	}
	if s.RecoveryID != 0 {
		if err := f.SetRecoveryID(s.RecoveryID); err != nil {
			return nil, err
		}
	}
	if s.OnActivate != nil {
		s.OnActivate(f)
	}

	return &Handle{Listener: spec.Listener}, nil
}

func (s *ActivationService) Deactivate(ctx context.Context, a endpoint.Activation) error {
	defer s.enter()()

	s.mu.Lock()
	s.deactivated++
	s.mu.Unlock()
	return s.DeactivateErr
}

// Activations returns the specs of every Activate call, failed ones included.
func (s *ActivationService) Activations() []endpoint.ActivationSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]endpoint.ActivationSpec(nil), s.activated...)
}

func (s *ActivationService) Deactivations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deactivated
}

// MaxOverlap returns the highest number of Activate and Deactivate calls
// that were running at the same time.
func (s *ActivationService) MaxOverlap() int {
	return int(s.maxBusy.Load())
}

func (s *ActivationService) enter() func() {
	n := s.busy.Add(1)
	for {
		cur := s.maxBusy.Load()
		if n <= cur || s.maxBusy.CompareAndSwap(cur, n) {
			break
		}
	}
	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	return func() { s.busy.Add(-1) }
}
