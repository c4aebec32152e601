// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/absmach/fluxra/endpoint"
	"github.com/sony/gobreaker"
)

// ErrBreakerOpen is returned while activations are short-circuited.
var ErrBreakerOpen = errors.New("activation circuit breaker open")

// BreakerConfig configures a Breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// Breaker is an ActivationService that stops calling a failing service after
// FailureThreshold consecutive activation failures.
type Breaker struct {
	svc endpoint.ActivationService
	cb  *gobreaker.CircuitBreaker
}

var _ endpoint.ActivationService = (*Breaker)(nil)

// NewBreaker wraps svc.
func NewBreaker(name string, svc endpoint.ActivationService, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 1
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("activation circuit breaker state changed",
				slog.String("service", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Breaker{svc: svc, cb: cb}
}

func (b *Breaker) MaxEndpoints() int {
	return b.svc.MaxEndpoints()
}

func (b *Breaker) Activate(ctx context.Context, f endpoint.EndpointFactory, spec endpoint.ActivationSpec) (endpoint.Activation, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.svc.Activate(ctx, f, spec)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %w", ErrBreakerOpen, b.cb.Name(), err)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Deactivate is never short-circuited.
func (b *Breaker) Deactivate(ctx context.Context, a endpoint.Activation) error {
	return b.svc.Deactivate(ctx, a)
}

// State returns the breaker state name.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
