// Package server exposes the supervisor's health and status over a small
// read-only HTTP surface alongside the Prometheus collectors.
package server

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/internal/ingestion"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/json"
	"github.com/ajitpratap0/feedstream/pkg/logger"
)

const (
	readHeaderTimeout = 5 * time.Second
	requestTimeout    = 10 * time.Second
)

// Reporter is the part of the supervisor the server reads from.
type Reporter interface {
	Health(ctx context.Context) ingestion.ServiceHealth
	Status(ctx context.Context) ingestion.Status
}

var _ Reporter = (*ingestion.Supervisor)(nil)

// Server serves /health, /status and /metrics.
type Server struct {
	addr     string
	reporter Reporter
	router   *mux.Router
	logger   *zap.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// New builds a server for reporter listening on addr.
func New(addr string, reporter Reporter, log *zap.Logger) *Server {
	s := &Server{
		addr:     addr,
		reporter: reporter,
		router:   mux.NewRouter(),
		logger:   logger.OrNop(log).With(zap.String("component", "server")),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.accessLog)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus()).Methods(http.MethodGet)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return handlers.CustomLoggingHandler(io.Discard, next, func(_ io.Writer, p handlers.LogFormatterParams) {
		s.logger.Debug("access",
			zap.String("remote_addr", p.Request.RemoteAddr),
			zap.String("method", p.Request.Method),
			zap.String("path", p.URL.Path),
			zap.Int("status", p.StatusCode),
			zap.Int("size", p.Size))
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.AlreadyRunning("server")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind server listener").
			WithDetail("address", s.addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.srv, s.listener = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()
	s.logger.Info("server listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.listener = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	return srv.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
		defer cancel()

		h := s.reporter.Health(ctx)
		status := http.StatusOK
		if h.Status == ingestion.HealthCritical {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, h)
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), requestTimeout)
		defer cancel()
		s.writeJSON(w, http.StatusOK, s.reporter.Status(ctx))
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(status)
	if err := json.MarshalToWriter(w, payload); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
