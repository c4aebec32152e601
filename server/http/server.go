// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/absmach/fluxra/adapter"
	"github.com/absmach/fluxra/ratelimit"
	"github.com/google/uuid"
)

const defaultSendTimeout = 5 * time.Second

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	SendTimeout     time.Duration
}

// Sender queues a message for the listener activated on a destination.
type Sender interface {
	Send(ctx context.Context, destination string, msg adapter.Message) error
}

var _ Sender = (*adapter.ResourceAdapter)(nil)

// Server is an HTTP ingress handing messages to resource adapters.
type Server struct {
	config   Config
	senders  map[string]Sender
	limiter  *ratelimit.ListenerLimiter
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates an ingress for senders keyed by activation service id.
// limiter, when set, caps the request rate per service and destination.
func New(cfg Config, senders map[string]Sender, limiter *ratelimit.ListenerLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	s := &Server{
		config:  cfg,
		senders: senders,
		limiter: limiter,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Addr returns the bound address, or an empty string before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("http_ingress_starting", slog.String("addr", listener.Addr().String()))

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
		s.logger.Info("http_ingress_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_ingress_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_ingress_stopped")
		return nil
	}
}

type sendRequest struct {
	Service     string `json:"service"`
	Destination string `json:"destination"`
	ID          string `json:"id"`
	Payload     any    `json:"payload"`
}

type sendResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("http_send_invalid_request", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("invalid request: %v", err), http.StatusBadRequest)
		return
	}

	if req.Service == "" || req.Destination == "" {
		http.Error(w, "service and destination are required", http.StatusBadRequest)
		return
	}

	sender, ok := s.senders[req.Service]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown service %q", req.Service), http.StatusNotFound)
		return
	}

	if !s.limiter.Allow(req.Service + "/" + req.Destination) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	s.logger.Debug("http_send",
		slog.String("service", req.Service),
		slog.String("destination", req.Destination),
		slog.String("id", req.ID))

	ctx, cancel := context.WithTimeout(r.Context(), s.config.SendTimeout)
	defer cancel()

	err := sender.Send(ctx, req.Destination, adapter.Message{ID: req.ID, Payload: req.Payload})
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "destination queue is full", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.logger.Error("http_send_failed", slog.String("error", err.Error()))
		http.Error(w, fmt.Sprintf("send failed: %v", err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(sendResponse{Status: "queued", ID: req.ID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}
