// Package api serves the HTTP surface of the ingestion core: device push
// ingest, device pairing, health and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ajitpratap0/tributary/pkg/auth"
	"github.com/ajitpratap0/tributary/pkg/config"
	"github.com/ajitpratap0/tributary/pkg/errors"
	"github.com/ajitpratap0/tributary/pkg/logger"
	"github.com/ajitpratap0/tributary/pkg/models"
	"github.com/ajitpratap0/tributary/pkg/storage"
)

const (
	defaultAddr         = ":8080"
	defaultMaxBodyBytes = 32 << 20
	defaultShutdown     = 15 * time.Second
)

// StreamStore loads a stream together with its source
type StreamStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.ScheduledStream, error)
}

// ProcessDispatcher enqueues processing of a staged batch
type ProcessDispatcher interface {
	DispatchProcess(ctx context.Context, streamID uuid.UUID, batchKey string) error
}

// Deps are the collaborators of the server. Pairing and Devices may be nil
// when device authentication is not configured; the device routes then
// answer 503.
type Deps struct {
	Streams    StreamStore
	Catalog    *config.Catalog
	Stager     *storage.Stager
	Dispatcher ProcessDispatcher
	Pairing    *auth.PairingStore
	Devices    *auth.DeviceTokens
	Sources    SourceConnector
	Health     *HealthChecker
	Clock      clock.Clock
}

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	cfg        config.APIConfig
	deps       Deps
	clock      clock.Clock
	logger     *zap.Logger
	httpServer *http.Server
}

// NewServer creates the server and registers its routes
func NewServer(cfg config.APIConfig, metricsCfg config.MetricsConfig, deps Deps) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdown
	}

	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		deps:   deps,
		clock:  deps.Clock,
		logger: logger.Get().With(zap.String("component", "api")),
	}
	s.router.HandleMethodNotAllowed = true
	s.router.Use(gin.Recovery())
	s.router.Use(bodyLimitMiddleware(cfg.MaxBodyBytes))
	s.router.Use(loggingMiddleware(s.logger))

	s.setupRoutes(metricsCfg)
	return s
}

// Router returns the gin engine, for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) setupRoutes(metricsCfg config.MetricsConfig) {
	s.router.GET("/health", s.handleHealth)
	if metricsCfg.Enabled {
		path := metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		s.router.GET(path, gin.WrapH(promhttp.Handler()))
	}

	v1 := s.router.Group("/v1")
	{
		v1.POST("/pairing", s.handleStartPairing)
		v1.POST("/pairing/complete", s.handleCompletePairing)
		v1.POST("/devices/refresh", s.handleRefreshDevice)
	}

	ingest := v1.Group("")
	ingest.Use(deviceAuth(s.deps.Devices, s.logger))
	{
		ingest.POST("/ingest", s.handleIngest)
	}
}

// Run serves until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", zap.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.Wrap(err, errors.ErrorTypeConnection, "http server failed")
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "http server shutdown")
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// handleHealth answers 503 only when a dependency is unhealthy; a degraded
// dependency still serves 200
func (s *Server) handleHealth(c *gin.Context) {
	status, deps := StatusHealthy, map[string]DependencyStatus{}
	if s.deps.Health != nil {
		status, deps = s.deps.Health.Status()
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":       status,
		"time":         s.clock.Now().UTC().Format(time.RFC3339),
		"dependencies": deps,
	})
}

// loggingMiddleware logs each request once it completes
func loggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request failed", fields...)
			return
		}
		log.Debug("request completed", fields...)
	}
}

func bodyLimitMiddleware(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			abortWithError(c, errors.Newf(errors.ErrorTypeValidation, "request body exceeds %d bytes", limit))
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
