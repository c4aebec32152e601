// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxra/activation"
	"github.com/absmach/fluxra/endpoint"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Coordinator is the activation state the server reports on.
type Coordinator interface {
	Closed() bool
	Records() []activation.Record
	RuntimeActivated(f activation.Factory) bool
}

// BreakerState reports the circuit breaker state of an activation service.
type BreakerState interface {
	State() string
}

// RecoveryIDs lists the recovery ids allocated to listeners.
type RecoveryIDs interface {
	IDs(ctx context.Context) (map[string]int, error)
}

// Option configures a Server.
type Option func(*Server)

// WithBreakers reports the breaker of each activation service by id.
func WithBreakers(breakers map[string]BreakerState) Option {
	return func(s *Server) {
		s.breakers = breakers
	}
}

// WithRecoveryIDs serves the allocated recovery ids on /recovery.
func WithRecoveryIDs(ids RecoveryIDs) Option {
	return func(s *Server) {
		s.recovery = ids
	}
}

// Server provides health, readiness and listener status endpoints.
type Server struct {
	config      Config
	coordinator Coordinator
	listeners   []*endpoint.Factory
	breakers    map[string]BreakerState
	recovery    RecoveryIDs
	logger      *slog.Logger
	server      *http.Server
	listener    net.Listener
}

// New creates a new health check server reporting on the given listeners.
func New(cfg Config, coord Coordinator, listeners []*endpoint.Factory, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:      cfg,
		coordinator: coord,
		listeners:   listeners,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/listeners", s.handleListeners)
	mux.HandleFunc("/dependencies", s.handleDependencies)
	mux.HandleFunc("/recovery", s.handleRecovery)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the listener's network address.
// Returns an empty string if the server hasn't started listening yet.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and blocks until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener

	s.logger.Info("Starting health check server", "address", s.listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Health check server shutdown error", "error", err)
			return err
		}
		s.logger.Info("Health check server stopped")
		return nil
	}
}

// HealthResponse represents the liveness check response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns 200 OK while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Active  int    `json:"active"`
	Total   int    `json:"total"`
	Details string `json:"details,omitempty"`
}

// handleReady returns 200 OK while the coordinator is running. Listeners
// waiting for dependencies do not make the daemon unready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.coordinator == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "coordinator not initialized",
		})
		return
	}
	if s.coordinator.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "shutting down",
		})
		return
	}

	resp := ReadyResponse{Status: "ready", Total: len(s.listeners)}
	for _, f := range s.listeners {
		if f.State() == endpoint.FactoryActive {
			resp.Active++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListenerStatus describes one listener.
type ListenerStatus struct {
	Name             string `json:"name"`
	Service          string `json:"service"`
	Destination      string `json:"destination,omitempty"`
	State            string `json:"state"`
	RuntimeActivated bool   `json:"runtime_activated"`
	MaxConcurrency   int    `json:"max_concurrency"`
	InFlight         int    `json:"in_flight"`
	Pooled           int    `json:"pooled"`
	RecoveryID       *int   `json:"recovery_id,omitempty"`
}

// ListenersResponse lists listener status.
type ListenersResponse struct {
	Listeners []ListenerStatus `json:"listeners"`
}

func (s *Server) handleListeners(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := ListenersResponse{Listeners: make([]ListenerStatus, 0, len(s.listeners))}
	for _, f := range s.listeners {
		st := ListenerStatus{
			Name:           f.Name(),
			Service:        f.ActivationServiceID(),
			Destination:    f.DestinationID(),
			State:          f.State().String(),
			MaxConcurrency: f.MaxConcurrentEndpoints(),
			InFlight:       f.InFlight(),
			Pooled:         f.Pooled(),
		}
		if s.coordinator != nil {
			st.RuntimeActivated = s.coordinator.RuntimeActivated(f)
		}
		if id, ok := f.RecoveryID(); ok {
			st.RecoveryID = &id
		}
		resp.Listeners = append(resp.Listeners, st)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DependencyStatus describes one dependency record.
type DependencyStatus struct {
	Kind           string   `json:"kind"`
	ID             string   `json:"id"`
	Resolved       bool     `json:"resolved"`
	MaxConcurrency int      `json:"max_concurrency,omitempty"`
	Breaker        string   `json:"breaker,omitempty"`
	Destinations   []string `json:"destinations,omitempty"`
	Listeners      []string `json:"listeners"`
}

// DependenciesResponse lists dependency records.
type DependenciesResponse struct {
	Dependencies []DependencyStatus `json:"dependencies"`
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := DependenciesResponse{Dependencies: []DependencyStatus{}}
	if s.coordinator != nil {
		for _, rec := range s.coordinator.Records() {
			st := DependencyStatus{
				Kind:           rec.Dependency.Kind.String(),
				ID:             rec.Dependency.ID,
				Resolved:       rec.Resolved,
				MaxConcurrency: rec.MaxConcurrency,
				Destinations:   rec.DestinationIDs,
				Listeners:      rec.Factories,
			}
			if b, ok := s.breakers[rec.Dependency.ID]; ok && rec.Dependency.Kind == activation.KindActivationService {
				st.Breaker = b.State()
			}
			resp.Dependencies = append(resp.Dependencies, st)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RecoveryResponse maps listener names to their recovery ids.
type RecoveryResponse struct {
	RecoveryIDs map[string]int `json:"recovery_ids"`
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := RecoveryResponse{RecoveryIDs: map[string]int{}}
	if s.recovery != nil {
		ids, err := s.recovery.IDs(r.Context())
		if err != nil {
			s.logger.Error("Failed to list recovery ids", "error", err)
			http.Error(w, "failed to list recovery ids", http.StatusInternalServerError)
			return
		}
		resp.RecoveryIDs = ids
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
