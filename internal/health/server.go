// Package health serves the liveness route. It has no dependency on the
// session or the dispatcher: it answers as long as the process is up.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Config configures the liveness server.
type Config struct {
	Addr    string
	Metrics http.Handler // served at /metrics when non-nil
	Logger  *slog.Logger
}

// Server is the liveness HTTP server.
type Server struct {
	addr    string
	logger  *slog.Logger
	server  *http.Server
	ln      net.Listener
	stopped chan struct{}
}

func New(cfg Config) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", cfg.Metrics)
	}
	return &Server{
		addr:   cfg.Addr,
		logger: cfg.Logger,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		stopped: make(chan struct{}),
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start binds the listen address and serves in the background until ctx
// is cancelled. Bind errors are returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		close(s.stopped)
		return fmt.Errorf("health server listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.logger.Info("health server listening", "addr", ln.Addr().String())

	go func() {
		defer close(s.stopped)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("health server stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Done is closed when the server has stopped serving.
func (s *Server) Done() <-chan struct{} { return s.stopped }

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
