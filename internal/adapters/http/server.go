// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/tessera/internal/application"
	"github.com/jobrunner/tessera/internal/config"
	"github.com/jobrunner/tessera/internal/ports/input"
)

// Syncer triggers an out-of-schedule source synchronisation.
type Syncer interface {
	TriggerSync(ctx context.Context) (application.SyncResult, error)
}

// Services bundles the application services exposed over HTTP. Sync,
// Harvester and Indexer are optional; their routes are only registered
// when set.
type Services struct {
	Reader    input.MosaicReader
	Harvester input.HarvestService
	Indexer   input.IndexService
	Health    input.HealthChecker
	Sync      Syncer
	Root      string // Mosaic root, relative harvest and index paths resolve against it
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server     *http.Server
	router     *mux.Router
	services   Services
	middleware []mux.MiddlewareFunc
	logger     *slog.Logger
	config     config.ServerConfig
}

// NewServer creates a new HTTP server. Extra middleware, such as request
// metrics, runs inside logging and recovery.
func NewServer(cfg config.ServerConfig, services Services, logger *slog.Logger, middleware ...mux.MiddlewareFunc) *Server {
	s := &Server{
		services:   services,
		middleware: middleware,
		logger:     logger,
		config:     cfg,
	}

	s.router = s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	// Add middleware
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	// Add CORS middleware if configured
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}

	for _, mw := range s.middleware {
		r.Use(mw)
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	// API v1
	api := r.PathPrefix("/api/v1").Subrouter()

	// Catalog endpoints
	api.HandleFunc("/coverages", s.handleListCoverages).Methods(http.MethodGet)
	api.HandleFunc("/coverages/{coverage}", s.handleGetCoverage).Methods(http.MethodGet)
	api.HandleFunc("/coverages/{coverage}/granules", s.handleGranules).Methods(http.MethodGet)
	api.HandleFunc("/coverages/{coverage}/domains/{dimension}", s.handleDomain).Methods(http.MethodGet)
	api.HandleFunc("/coverages/{coverage}/read", s.handleRead).Methods(http.MethodGet)

	// Ingest endpoints
	if s.services.Harvester != nil {
		api.HandleFunc("/harvest", s.handleHarvest).Methods(http.MethodPost)
	}
	if s.services.Indexer != nil {
		api.HandleFunc("/index", s.handleIndex).Methods(http.MethodPost)
		api.HandleFunc("/index", s.handleIndexState).Methods(http.MethodGet)
		api.HandleFunc("/index", s.handleIndexStop).Methods(http.MethodDelete)
	}

	// Sync endpoint (only if sync service is configured)
	if s.services.Sync != nil {
		api.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	}

	// OpenAPI spec
	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Handler returns the root handler, for serving behind TLS.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
