// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package observability provides the mod runtime's Prometheus metrics and the
// HTTP endpoints that expose them alongside health probes and a package
// status listing.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the runtime has finished starting its packages.
type ReadinessChecker func() bool

// PackageLister returns a JSON-encodable snapshot of the runtime's packages.
type PackageLister func() any

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithReadiness sets the readiness probe. Without one the runtime always
// reports ready.
func WithReadiness(fn ReadinessChecker) ServerOption {
	return func(s *Server) { s.isReady = fn }
}

// WithPackages serves fn's snapshot on /debug/packages.
func WithPackages(fn PackageLister) ServerOption {
	return func(s *Server) { s.packages = fn }
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// Server serves /metrics, the /healthz probes and /debug/packages.
type Server struct {
	addr     string
	registry *prometheus.Registry
	metrics  *Metrics
	isReady  ReadinessChecker
	packages PackageLister
	logger   *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
}

// NewServer creates a server for addr ("host:port"; port 0 picks a free
// one). Metrics are registered on a private registry together with the Go
// runtime and process collectors.
func NewServer(addr string, opts ...ServerOption) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  NewMetrics(registry),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metrics returns the runtime metrics registered on this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("GET /healthz/liveness", func(w http.ResponseWriter, _ *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})
	mux.HandleFunc("GET /healthz/readiness", s.handleReadiness)
	mux.HandleFunc("GET /debug/packages", s.handlePackages)
	return mux
}

// Start listens and serves in the background. The returned channel yields
// a serve failure, if any, and is closed when serving ends.
func (s *Server) Start() (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http != nil {
		return nil, oops.In("observability").Errorf("observability server already running")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, oops.In("observability").With("addr", s.addr).Wrap(err)
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.listener = ln
	s.http = srv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("observability server error", "error", err)
			errCh <- err
		}
	}()

	s.logger.Info("observability server started", "addr", ln.Addr().String())
	return errCh, nil
}

// Stop shuts the server down. Stopping a server that is not running is a
// no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.http == nil {
		return nil
	}
	if err := s.http.Shutdown(ctx); err != nil {
		return oops.In("observability").With("operation", "shutdown").Wrap(err)
	}
	s.http = nil
	s.logger.Info("observability server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if s.isReady != nil && !s.isReady() {
		writeText(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	if s.packages == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.packages()); err != nil {
		s.logger.Warn("encode package listing", "error", err)
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	//nolint:errcheck // probe clients may disconnect
	w.Write([]byte(body + "\n"))
}
