// Package health exposes liveness and metrics endpoints over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/shineum/acs-smtp-relay/internal/metrics"
)

// Server serves GET /healthz and GET /metrics on a dedicated listener,
// separate from the SMTP port.
type Server struct {
	collector *metrics.Collector
	httpSrv   *http.Server
}

// New creates a health server bound to addr.
func New(addr string, collector *metrics.Collector) *Server {
	s := &Server{collector: collector}

	router := httprouter.New()
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", s.handleMetrics)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

// Handler returns the HTTP handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		slog.Info("health server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server error", "error", err)
		}
	}()
}

// Shutdown stops the health server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.collector.Snapshot())
}
