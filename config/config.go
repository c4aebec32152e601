// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxra/endpoint"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the endpoint daemon.
type Config struct {
	Log          LogConfig           `yaml:"log"`
	Storage      StorageConfig       `yaml:"storage"`
	Registry     RegistryConfig      `yaml:"registry"`
	Telemetry    TelemetryConfig     `yaml:"telemetry"`
	Health       HealthConfig        `yaml:"health"`
	HTTP         HTTPConfig          `yaml:"http"`
	Coordinator  CoordinatorConfig   `yaml:"coordinator"`
	Adapter      AdapterConfig       `yaml:"adapter"`
	Services     []ServiceConfig     `yaml:"services"`
	Destinations []DestinationConfig `yaml:"destinations"`
	Listeners    []ListenerConfig    `yaml:"listeners"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects where recovery ids are kept.
type StorageConfig struct {
	Type      string `yaml:"type"` // memory, badger
	BadgerDir string `yaml:"badger_dir"`
}

// RegistryConfig selects how services and destinations are discovered.
// With the memory registry the configured services and destinations are
// published at startup; with etcd they are announced under the prefixes.
// The embedded registry runs a single-node etcd inside the daemon.
type RegistryConfig struct {
	Type     string             `yaml:"type"` // memory, etcd, embedded
	Etcd     EtcdConfig         `yaml:"etcd"`
	Embedded EmbeddedEtcdConfig `yaml:"embedded"`
}

// EtcdConfig holds etcd registry configuration.
type EtcdConfig struct {
	Endpoints          []string      `yaml:"endpoints"`
	ServicesPrefix     string        `yaml:"services_prefix"`
	DestinationsPrefix string        `yaml:"destinations_prefix"`
	DialTimeout        time.Duration `yaml:"dial_timeout"`

	// Announce publishes the configured services and destinations under a
	// lease that expires LeaseTTL after the daemon stops renewing it.
	// The embedded registry always announces.
	Announce bool          `yaml:"announce"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// EmbeddedEtcdConfig holds the embedded etcd server configuration.
type EmbeddedEtcdConfig struct {
	Name         string        `yaml:"name"`
	DataDir      string        `yaml:"data_dir"`
	ClientAddr   string        `yaml:"client_addr"`
	PeerAddr     string        `yaml:"peer_addr"`
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector address
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	InstanceID      string  `yaml:"instance_id"`
	Environment     string  `yaml:"environment"`
	Insecure        bool    `yaml:"insecure"` // plaintext connection to the collector
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	ExportInterval time.Duration     `yaml:"export_interval"`
	Headers        map[string]string `yaml:"headers,omitempty"`
}

// HealthConfig holds health and status HTTP server configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// HTTPConfig holds the HTTP ingress that hands messages to resource
// adapters.
type HTTPConfig struct {
	Enabled     bool            `yaml:"enabled"`
	Address     string          `yaml:"address"`
	SendTimeout time.Duration   `yaml:"send_timeout"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"` // per destination
}

// CoordinatorConfig holds activation coordinator configuration.
type CoordinatorConfig struct {
	// ScopePrefix limits activation to services whose id has this prefix.
	ScopePrefix  string        `yaml:"scope_prefix"`
	WarnInterval time.Duration `yaml:"warn_interval"`
}

// AdapterConfig holds defaults shared by all resource adapters.
type AdapterConfig struct {
	MaxEndpoints   int                  `yaml:"max_endpoints"`
	Method         string               `yaml:"method"`
	Buffer         int                  `yaml:"buffer"`
	RetryInterval  time.Duration        `yaml:"retry_interval"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// RateLimitConfig holds per-listener delivery pacing.
type RateLimitConfig struct {
	Rate            float64       `yaml:"rate"` // deliveries per second, 0 disables
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ServiceConfig defines one resource adapter.
type ServiceConfig struct {
	Name          string `yaml:"name"`
	MaxEndpoints  int    `yaml:"max_endpoints,omitempty"` // Override adapter default
	Transactional bool   `yaml:"transactional"`
}

// DestinationConfig defines one destination published by the memory registry.
type DestinationConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// ListenerConfig defines one message listener.
type ListenerConfig struct {
	Name            string `yaml:"name"`
	Service         string `yaml:"service"`
	Destination     string `yaml:"destination"`
	MaxConcurrency  int    `yaml:"max_concurrency"`
	TransactionMode string `yaml:"transaction_mode"` // none, required, native
	Protocol        string `yaml:"protocol"`         // current, legacy
}

// EndpointConfig converts l to an endpoint factory configuration.
func (l ListenerConfig) EndpointConfig() (endpoint.Config, error) {
	mode, err := endpoint.ParseTransactionMode(l.TransactionMode)
	if err != nil {
		return endpoint.Config{}, fmt.Errorf("listener %s: %w", l.Name, err)
	}
	proto, err := endpoint.ParseProtocol(l.Protocol)
	if err != nil {
		return endpoint.Config{}, fmt.Errorf("listener %s: %w", l.Name, err)
	}
	cfg := endpoint.Config{
		Name:                l.Name,
		ActivationServiceID: l.Service,
		DestinationID:       l.Destination,
		MaxConcurrency:      l.MaxConcurrency,
		TransactionMode:     mode,
		Protocol:            proto,
	}
	return cfg, cfg.Validate()
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "/tmp/fluxra/data",
		},
		Registry: RegistryConfig{
			Type: "memory",
			Etcd: EtcdConfig{
				Endpoints:          []string{"localhost:2379"},
				ServicesPrefix:     "/fluxra/services/",
				DestinationsPrefix: "/fluxra/destinations/",
				DialTimeout:        5 * time.Second,
				LeaseTTL:           10 * time.Second,
			},
			Embedded: EmbeddedEtcdConfig{
				Name:         "fluxra",
				DataDir:      "/tmp/fluxra/etcd",
				ClientAddr:   "127.0.0.1:2379",
				PeerAddr:     "127.0.0.1:2380",
				StartTimeout: 60 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:         false,
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxra",
			ServiceVersion:  "1.0.0",
			InstanceID:      "fluxra-1",
			Environment:     "development",
			Insecure:        true,
			MetricsEnabled:  true,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			ExportInterval:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Address: ":8081",
		},
		HTTP: HTTPConfig{
			Enabled:     false,
			Address:     ":8082",
			SendTimeout: 5 * time.Second,
			RateLimit: RateLimitConfig{
				Rate:            0,
				Burst:           100,
				CleanupInterval: 5 * time.Minute,
			},
		},
		Coordinator: CoordinatorConfig{
			WarnInterval: 30 * time.Second,
		},
		Adapter: AdapterConfig{
			MaxEndpoints:  4,
			Method:        "onMessage",
			Buffer:        64,
			RetryInterval: 100 * time.Millisecond,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				ResetTimeout:     60 * time.Second,
			},
			RateLimit: RateLimitConfig{
				Rate:            0,
				Burst:           10,
				CleanupInterval: 5 * time.Minute,
			},
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	validStorage := map[string]bool{"memory": true, "badger": true}
	if !validStorage[c.Storage.Type] {
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir required when type is badger")
	}

	validRegistry := map[string]bool{"memory": true, "etcd": true, "embedded": true}
	if !validRegistry[c.Registry.Type] {
		return fmt.Errorf("registry.type must be one of: memory, etcd, embedded")
	}
	if c.Registry.Type == "etcd" && len(c.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("registry.etcd.endpoints required when type is etcd")
	}
	if c.Registry.Type == "embedded" {
		e := c.Registry.Embedded
		if e.Name == "" || e.DataDir == "" {
			return fmt.Errorf("registry.embedded name and data_dir required when type is embedded")
		}
		if e.ClientAddr == "" || e.PeerAddr == "" {
			return fmt.Errorf("registry.embedded client_addr and peer_addr required when type is embedded")
		}
	}
	if c.Registry.Type != "memory" {
		if c.Registry.Etcd.ServicesPrefix == "" || c.Registry.Etcd.DestinationsPrefix == "" {
			return fmt.Errorf("registry.etcd prefixes cannot be empty")
		}
		if c.Registry.Etcd.ServicesPrefix == c.Registry.Etcd.DestinationsPrefix {
			return fmt.Errorf("registry.etcd.services_prefix and destinations_prefix must differ")
		}
		announce := c.Registry.Etcd.Announce || c.Registry.Type == "embedded"
		if announce && c.Registry.Etcd.LeaseTTL < time.Second {
			return fmt.Errorf("registry.etcd.lease_ttl must be at least 1s when announcing")
		}
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address cannot be empty when health is enabled")
	}
	if c.HTTP.Enabled {
		if c.HTTP.Address == "" {
			return fmt.Errorf("http.address cannot be empty when http is enabled")
		}
		if c.HTTP.RateLimit.Rate < 0 {
			return fmt.Errorf("http.rate_limit.rate cannot be negative")
		}
	}

	if c.Adapter.MaxEndpoints < 1 {
		return fmt.Errorf("adapter.max_endpoints must be at least 1")
	}
	if c.Adapter.Buffer < 1 {
		return fmt.Errorf("adapter.buffer must be at least 1")
	}
	if c.Adapter.CircuitBreaker.Enabled && c.Adapter.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("adapter.circuit_breaker.failure_threshold must be at least 1")
	}
	if c.Adapter.RateLimit.Rate < 0 {
		return fmt.Errorf("adapter.rate_limit.rate cannot be negative")
	}

	services := make(map[string]bool, len(c.Services))
	for i, s := range c.Services {
		if s.Name == "" {
			return fmt.Errorf("services[%d].name cannot be empty", i)
		}
		if services[s.Name] {
			return fmt.Errorf("services[%d]: duplicate service %q", i, s.Name)
		}
		if s.MaxEndpoints < 0 {
			return fmt.Errorf("services[%d].max_endpoints cannot be negative", i)
		}
		services[s.Name] = true
	}

	for i, d := range c.Destinations {
		if d.Name == "" {
			return fmt.Errorf("destinations[%d].name cannot be empty", i)
		}
	}

	listeners := make(map[string]bool, len(c.Listeners))
	for i, l := range c.Listeners {
		if _, err := l.EndpointConfig(); err != nil {
			return fmt.Errorf("listeners[%d]: %w", i, err)
		}
		if listeners[l.Name] {
			return fmt.Errorf("listeners[%d]: duplicate listener %q", i, l.Name)
		}
		listeners[l.Name] = true
		// etcd may announce services that are not configured yet.
		if c.Registry.Type == "memory" && !services[l.Service] {
			return fmt.Errorf("listeners[%d]: unknown service %q", i, l.Service)
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
