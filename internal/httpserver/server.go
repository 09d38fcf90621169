// Package httpserver provides the HTTP API for build history and promotion.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/relicta-tech/buildline/internal/config"
	"github.com/relicta-tech/buildline/internal/httpserver/handlers"
	"github.com/relicta-tech/buildline/internal/httpserver/middleware"
	httpws "github.com/relicta-tech/buildline/internal/httpserver/websocket"
	"github.com/relicta-tech/buildline/internal/observability"
)

// Server is the HTTP API server.
type Server struct {
	config      config.ServerConfig
	router      chi.Router
	httpServer  *http.Server
	wsHub       *httpws.Hub
	handlers    *handlers.Context
	metrics     *observability.Metrics
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

// ServerDeps contains dependencies for creating a new server.
type ServerDeps struct {
	Config   config.ServerConfig
	Handlers *handlers.Context
	// Hub streams events to WebSocket clients. A hub is created when nil.
	Hub     *httpws.Hub
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("service", "http")
	}
	hub := deps.Hub
	if hub == nil {
		hub = httpws.NewHub(deps.Config.CORSOrigins, httpws.WithMetrics(deps.Metrics), httpws.WithLogger(logger))
	}
	s := &Server{
		config:   deps.Config,
		wsHub:    hub,
		handlers: deps.Handlers,
		metrics:  deps.Metrics,
		logger:   logger,
	}
	if s.handlers != nil && s.handlers.Logger == nil {
		s.handlers.Logger = logger
	}
	if deps.Config.RateLimitPerMinute > 0 {
		s.rateLimiter = middleware.NewRateLimiter(deps.Config.RateLimitPerMinute)
	}

	s.router = s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.router,
		ReadTimeout:  orDefault(s.config.ReadTimeout, 15*time.Second),
		WriteTimeout: orDefault(s.config.WriteTimeout, 30*time.Second),
		IdleTimeout:  orDefault(s.config.IdleTimeout, 60*time.Second),
	}

	return s
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.wsHub.Run(ctx)

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.logger.Info("http server listening", "address", listener.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case <-ctx.Done():
		// The original context is canceled
		shutdownCtx, cancel := context.WithTimeout(context.Background(), orDefault(s.config.ShutdownTimeout, 10*time.Second))
		defer cancel()
		return s.Shutdown(shutdownCtx) //nolint:contextcheck // Intentionally new context for graceful shutdown
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHub.Close()
	if s.rateLimiter != nil {
		_ = s.rateLimiter.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the server's router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Address
}

// Hub returns the WebSocket hub for broadcasting events.
func (s *Server) Hub() *httpws.Hub {
	return s.wsHub
}

// EventBroadcaster returns an EventPublisher that broadcasts events to WebSocket clients.
func (s *Server) EventBroadcaster() *httpws.EventBroadcaster {
	return httpws.NewEventBroadcaster(s.wsHub)
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
