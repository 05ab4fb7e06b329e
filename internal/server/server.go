// Package server assembles the HTTP surface and the background components
// into one runnable service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foie0222/mynion/internal/authflow"
	"github.com/foie0222/mynion/internal/dispatch"
	"github.com/foie0222/mynion/internal/observability"
)

// Config wires a Server.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Ingress handles POST /slack/events. Required.
	Ingress *dispatch.Ingress

	// Callback handles GET /oauth/callback. Required.
	Callback *authflow.CallbackHandler

	// Broker runs the background expiry sweeper.
	Broker *authflow.Broker

	// Pool is the dispatch worker pool.
	Pool *dispatch.Pool

	Logger *observability.Logger
}

// Server owns the HTTP listener and the background goroutines.
type Server struct {
	addr       string
	httpServer *http.Server
	broker     *authflow.Broker
	pool       *dispatch.Pool
	logger     *observability.Logger

	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server.
func New(cfg Config) (*Server, error) {
	if cfg.Ingress == nil {
		return nil, fmt.Errorf("ingress handler is required")
	}
	if cfg.Callback == nil {
		return nil, fmt.Errorf("callback handler is required")
	}

	mux := http.NewServeMux()
	mux.Handle("/slack/events", cfg.Ingress)
	mux.Handle("/oauth/callback", cfg.Callback)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)

	return &Server{
		addr: cfg.Addr,
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		broker: cfg.Broker,
		pool:   cfg.Pool,
		logger: cfg.Logger,
	}, nil
}

// Start binds the listener and launches the workers and the session sweeper.
// It returns once the server is accepting connections.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		cancel()
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener

	if s.broker != nil {
		s.broker.StartSweeper(runCtx)
	}
	if s.pool != nil {
		s.pool.Start(runCtx)
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(runCtx, "http server error", "error", err)
		}
	}()

	s.logger.Info(runCtx, "server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address. Valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop drains the HTTP server and stops the background goroutines.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	shutdownCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := shutdownCtx.Deadline(); !hasDeadline {
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}

	err := s.httpServer.Shutdown(shutdownCtx)
	if s.pool != nil {
		s.pool.Wait()
	}
	return err
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
