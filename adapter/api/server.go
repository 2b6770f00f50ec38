// Package api provides the HTTP API for calendar connections and sync.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// Server is the calendar API server.
type Server struct {
	mux     *http.ServeMux
	server  *http.Server
	logger  *slog.Logger
	handler *CalendarHandler
	health  *observability.HealthRegistry
	metrics *observability.Metrics
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new calendar API server.
func NewServer(cfg ServerConfig, handler *CalendarHandler, health *observability.HealthRegistry, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if health == nil {
		health = observability.NewHealthRegistry()
	}

	mux := http.NewServeMux()

	s := &Server{
		mux:     mux,
		logger:  logger,
		handler: handler,
		health:  health,
		metrics: metrics,
	}

	s.registerRoutes()

	var root http.Handler = mux
	if metrics != nil {
		root = withHTTPMetrics(metrics, root)
	}
	root = withRequestID(root)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      root,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	s.mux.Handle("GET /health", s.health.Handler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// OAuth flow
	s.mux.HandleFunc("POST /api/v1/calendars/{provider}/connect", s.handler.BeginConnect)
	s.mux.HandleFunc("GET /api/v1/calendars/{provider}/callback", s.handler.HandleCallback)

	// Connections
	s.mux.HandleFunc("POST /api/v1/connections", s.handler.CreateConnection)
	s.mux.HandleFunc("GET /api/v1/connections", s.handler.ListConnections)
	s.mux.HandleFunc("GET /api/v1/connections/{id}", s.handler.GetConnection)
	s.mux.HandleFunc("DELETE /api/v1/connections/{id}", s.handler.Disconnect)
	s.mux.HandleFunc("POST /api/v1/connections/{id}/sync", s.handler.TriggerSync)
	s.mux.HandleFunc("GET /api/v1/connections/{id}/events", s.handler.ListEvents)
}

// Handler returns the server's root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting calendar API server",
		"addr", s.server.Addr,
	)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down calendar API server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Log error but can't do much at this point
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":   http.StatusText(status),
		"message": message,
	})
}
