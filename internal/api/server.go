package api

import (
	"context"
	"net/http"
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"
	"github.com/AndreyAD1/telemetry-adapter/internal/api/handlers"
	"github.com/AndreyAD1/telemetry-adapter/internal/api/middleware"
	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 5 * time.Second

// Server represents the HTTP server
type Server struct {
	config     config.ServerConfig
	router     *gin.Engine
	httpServer *http.Server
	worker     handlers.StatusReporter
	metrics    *metrics.Metrics
	tracer     tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, worker handlers.StatusReporter, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	server := &Server{
		config:  cfg.Server,
		worker:  worker,
		metrics: collector,
		tracer:  tracer,
	}
	server.router = server.setupRouter()
	server.httpServer = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           server.router,
		ReadHeaderTimeout: cfg.Server.Timeout,
		WriteTimeout:      cfg.Server.Timeout,
	}

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	if nr := middleware.NewRelicMiddleware(s.tracer.Application()); nr != nil {
		router.Use(nr)
	}

	handlers.NewHealthHandler(s.worker, s.metrics, s.tracer).RegisterRoutes(router)

	return router
}

// Handler returns the configured router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
