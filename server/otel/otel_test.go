// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"testing"

	"github.com/absmach/fluxra/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

func telemetryConfig() config.TelemetryConfig {
	return config.Default().Telemetry
}

func TestNewResource(t *testing.T) {
	t.Setenv("OTEL_RESOURCE_ATTRIBUTES", "")

	res, err := newResource(context.Background(), telemetryConfig(), "billing-")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	set := res.Set()
	expected := map[attribute.Key]string{
		semconv.ServiceNameKey:           "fluxra",
		semconv.ServiceInstanceIDKey:     "fluxra-1",
		semconv.DeploymentEnvironmentKey: "development",
		ScopeKey:                         "billing-",
	}
	for key, want := range expected {
		v, ok := set.Value(key)
		if !ok {
			t.Errorf("missing attribute %s", key)
			continue
		}
		if v.AsString() != want {
			t.Errorf("attribute %s: expected %q, got %q", key, want, v.AsString())
		}
	}
	if _, ok := set.Value(semconv.HostNameKey); !ok {
		t.Error("expected host name attribute")
	}
}

func TestNewResourceWithoutScope(t *testing.T) {
	cfg := telemetryConfig()
	cfg.Environment = ""

	res, err := newResource(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := res.Set().Value(ScopeKey); ok {
		t.Error("scope attribute should be omitted")
	}
	if _, ok := res.Set().Value(semconv.DeploymentEnvironmentKey); ok {
		t.Error("environment attribute should be omitted")
	}
}

func TestExporterOptions(t *testing.T) {
	cfg := telemetryConfig()
	cfg.Insecure = false

	if n := len(traceOptions(cfg)); n != 2 {
		t.Errorf("expected 2 trace options, got %d", n)
	}

	cfg.Insecure = true
	cfg.Headers = map[string]string{"authorization": "Bearer token"}
	if n := len(traceOptions(cfg)); n != 4 {
		t.Errorf("expected 4 trace options, got %d", n)
	}
	if n := len(metricOptions(cfg)); n != 4 {
		t.Errorf("expected 4 metric options, got %d", n)
	}
}

func TestInitProviderWithoutExporters(t *testing.T) {
	cfg := telemetryConfig()
	cfg.Enabled = true
	cfg.TracesEnabled = false
	cfg.MetricsEnabled = false

	shutdown, err := InitProvider(context.Background(), cfg, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("unexpected shutdown error: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	defer span.End()
	if span.IsRecording() {
		t.Error("expected a non-recording span when traces are disabled")
	}
}
