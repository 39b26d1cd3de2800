package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// Server exposes the collector on its own port.
type Server struct {
	server *http.Server
	path   string
	logger *slog.Logger
}

// NewServer serves c's metrics at path on addr.
func NewServer(addr, path string, c *Collector, logger *slog.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	r := mux.NewRouter()
	r.Handle(path, c.Handler()).Methods(http.MethodGet)

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		path:   path,
		logger: logger,
	}
}

// Start blocks serving metrics until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting metrics server", "address", s.server.Addr, "path", s.path)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the metrics router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}
