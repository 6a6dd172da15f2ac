// Package server is the ops HTTP surface of a live run: health, Prometheus
// metrics, engine status and orders.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/tradecore/internal/server/handler"
	"github.com/alanyoungcy/tradecore/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Addr      string
	APIKey    string  // if empty, authentication is disabled
	RateLimit float64 // requests per second per client IP; 0 disables
	Burst     int
}

// Handlers aggregates the handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Status  *handler.StatusHandler
	Metrics http.Handler // optional
}

// Server serves the ops endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers the routes. /healthz and /metrics are open; /status
// and /orders require the API key.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)
	if handlers.Metrics != nil {
		mux.Handle("GET /metrics", handlers.Metrics)
	}

	auth := middleware.Auth(cfg.APIKey)
	if handlers.Status != nil {
		mux.Handle("GET /status", auth(http.HandlerFunc(handlers.Status.GetStatus)))
		mux.Handle("GET /orders", auth(http.HandlerFunc(handlers.Status.ListOrders)))
	}

	mws := []middleware.Middleware{middleware.Logging(logger, "/healthz", "/metrics")}
	if cfg.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.RateLimit, cfg.Burst))
	}
	h := middleware.Chain(mux, mws...)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down with a five second grace period.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
