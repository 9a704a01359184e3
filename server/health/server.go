// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/fluxdelay/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Relay is the view of the relay the probes need.
type Relay interface {
	Ready() bool
	State() relay.State
	Pending() int
	InFlight() int
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config Config
	relay  Relay
	logger *slog.Logger
	router *chi.Mux
	server *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. A non-nil metrics handler is
// served on /metrics.
func New(cfg Config, r Relay, metrics http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		relay:  r,
		logger: logger,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)
	if metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", metrics)
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the router serving the probes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listener's network address.
// Returns "" if server hasn't started listening yet.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the health check server and serves until ctx is done.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Starting health check server", "address", listener.Addr().String())

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
		s.logger.Info("Health check server shutdown initiated")
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

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth implements liveness probe.
// Returns 200 OK while the process is alive, whatever the broker state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "healthy",
	})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// handleReady implements readiness probe.
// Returns 200 OK when the relay is connected and consuming.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "relay not initialized",
		})
		return
	}

	if !s.relay.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{
			Status:  "not_ready",
			Details: "broker " + s.relay.State().String(),
		})
		return
	}

	writeJSON(w, http.StatusOK, ReadyResponse{
		Status: "ready",
	})
}

// StatusResponse reports the relay's current load.
type StatusResponse struct {
	State    string `json:"state"`
	Pending  int    `json:"pending"`
	InFlight int    `json:"in_flight"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, StatusResponse{State: relay.StateDisconnected.String()})
		return
	}

	writeJSON(w, http.StatusOK, StatusResponse{
		State:    s.relay.State().String(),
		Pending:  s.relay.Pending(),
		InFlight: s.relay.InFlight(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
