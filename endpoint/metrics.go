// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package endpoint

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry instruments for endpoint factories and guards.
// A nil *Metrics records nothing.
type Metrics struct {
	meter metric.Meter

	endpointsCreated metric.Int64Counter
	violations       metric.Int64Counter
	deliveries       metric.Int64Counter
	inFlight         metric.Int64UpDownCounter
}

// NewMetrics creates endpoint instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("fluxra-endpoint"),
	}

	var err error

	m.endpointsCreated, err = m.meter.Int64Counter(
		"fluxra.endpoints.created.total",
		metric.WithDescription("Total endpoints handed to resource adapters"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create endpointsCreated counter: %w", err)
	}

	m.violations, err = m.meter.Int64Counter(
		"fluxra.endpoints.violations.total",
		metric.WithDescription("Total protocol violations by call"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create violations counter: %w", err)
	}

	m.deliveries, err = m.meter.Int64Counter(
		"fluxra.deliveries.total",
		metric.WithDescription("Total business method invocations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveries counter: %w", err)
	}

	m.inFlight, err = m.meter.Int64UpDownCounter(
		"fluxra.endpoints.in_flight",
		metric.WithDescription("Endpoints currently leased to resource adapters"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inFlight gauge: %w", err)
	}

	return m, nil
}

func (m *Metrics) endpointCreated(listener string) {
	if m == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("listener", listener))
	m.endpointsCreated.Add(ctx, 1, attrs)
	m.inFlight.Add(ctx, 1, attrs)
}

func (m *Metrics) endpointDone(listener string) {
	if m == nil {
		return
	}
	m.inFlight.Add(context.Background(), -1, metric.WithAttributes(attribute.String("listener", listener)))
}

func (m *Metrics) violation(listener, call string) {
	if m == nil {
		return
	}
	m.violations.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("call", call),
	))
}

func (m *Metrics) delivered(listener string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	m.deliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("listener", listener),
		attribute.String("outcome", outcome),
	))
}
