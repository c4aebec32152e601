// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for the coordinator. A nil
// *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	attempts        metric.Int64Counter
	deactivations   metric.Int64Counter
	activeListeners metric.Int64UpDownCounter
}

func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxra-activation"),
	}

	var err error

	m.attempts, err = m.meter.Int64Counter(
		"fluxra.activation.attempts.total",
		metric.WithDescription("Total activation attempts by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}

	m.deactivations, err = m.meter.Int64Counter(
		"fluxra.activation.deactivations.total",
		metric.WithDescription("Total listener deactivations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deactivations counter: %w", err)
	}

	m.activeListeners, err = m.meter.Int64UpDownCounter(
		"fluxra.activation.listeners.active",
		metric.WithDescription("Listeners currently activated by the coordinator"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create activeListeners gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) attempt(listener, result string) {
	if m == nil {
		return
	}
	m.attempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("result", result),
	))
}

func (m *Metrics) deactivation(listener string) {
	if m == nil {
		return
	}
	m.deactivations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
	))
}

func (m *Metrics) listenerActivated() {
	if m == nil {
		return
	}
	m.activeListeners.Add(context.Background(), 1)
}

func (m *Metrics) listenerDeactivated() {
	if m == nil {
		return
	}
	m.activeListeners.Add(context.Background(), -1)
}
