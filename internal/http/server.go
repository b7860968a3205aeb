// Package http serves the operational endpoints of a meta server: health,
// prometheus metrics and a few read-only admin views.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metasrv/internal/config"
	"metasrv/pkg/metaerrors"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeYAML        = "application/yaml"
	defaultShutdownTimeout = time.Second * 5
)

type iMetaSrv interface {
	IsLeader() bool
	LeaderAddr(ctx context.Context) (string, error)
}

// Server represents the admin HTTP server.
type Server struct {
	meta       iMetaSrv
	gatherer   prometheus.Gatherer
	cfg        config.Config
	httpServer *http.Server

	stopOnce sync.Once
	stopErr  error
}

// NewServer creates a new server instance. A nil gatherer serves the
// process-wide default registry.
func NewServer(meta iMetaSrv, gatherer prometheus.Gatherer, cfg config.Config) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	readHeaderTimeout := cfg.HTTP.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = time.Second
	}

	s := &Server{
		meta:     meta,
		gatherer: gatherer,
		cfg:      cfg,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Serve blocks serving l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("HTTP server started", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server. Repeated calls return the first result.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		timeout := s.cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = defaultShutdownTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.stopErr = fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	})
	return s.stopErr
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Get("/admin/leader", s.handleLeader)
	r.Get("/admin/config", s.handleConfig)

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := NewOKResponse()
	resp.Leader = s.meta.IsLeader()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	addr, err := s.meta.LeaderAddr(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if metaerrors.KindOf(err) == metaerrors.KindNotLeader || metaerrors.KindOf(err) == metaerrors.KindUnavailable {
			status = http.StatusServiceUnavailable
		}
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return
	}

	resp := NewValueResponse(addr)
	resp.Leader = s.meta.IsLeader()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.Marshal()
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	w.Header().Set("Content-Type", contentTypeYAML)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write config response", "error", err)
	}
}
