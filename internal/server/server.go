// Package server provides the HTTP API of the traffic dashboard.
// It includes Gin-based routing, middleware setup, the websocket stream and
// graceful shutdown handling.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/config"
	"github.com/piwi3910/trafficweave/internal/dashboard"
	"github.com/piwi3910/trafficweave/internal/intersection"
	"github.com/piwi3910/trafficweave/internal/middleware"
	"github.com/piwi3910/trafficweave/internal/observability"
)

// dashboardOpenAPISpec embeds the dashboard API description.
//
//go:embed openapi/dashboard.yaml
var dashboardOpenAPISpec []byte

// OpenAPISpec returns the embedded OpenAPI document.
func OpenAPISpec() []byte {
	return dashboardOpenAPISpec
}

// DashboardAPI is the dashboard as seen by the HTTP layer.
type DashboardAPI interface {
	Connect(ctx context.Context, overrides dashboard.Overrides) error
	Disconnect()
	Connected() bool
	Status() dashboard.Status
	Intersections() []intersection.State
	SelectLight(ctx context.Context, index, light int, color string) (intersection.State, error)
	Unsubscribe(ctx context.Context, index int) error
}

// Server represents the HTTP server of the dashboard.
//
// The server provides:
//   - Dashboard API endpoints (/api/v1/*)
//   - Live event stream (/api/v1/stream)
//   - Health check endpoints (/health, /ready, /live)
//   - Prometheus metrics endpoint (/metrics)
//   - OpenAPI documentation (/docs)
type Server struct {
	config           *config.Config
	logger           *zap.Logger
	router           *gin.Engine
	httpServer       *http.Server
	dashboard        DashboardAPI
	hub              *Hub
	metrics          *observability.Metrics
	gatherer         prometheus.Gatherer
	healthCheck      *observability.HealthChecker
	rateLimiter      *middleware.RateLimiter
	openAPIValidator *middleware.OpenAPIValidator
	openAPISpec      []byte

	mu           sync.Mutex
	shutdownOnce sync.Once
}

// Option configures optional server components.
type Option func(*Server)

// WithMetrics records HTTP metrics in m and serves gatherer at the metrics
// path.
func WithMetrics(m *observability.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = gatherer
	}
}

// WithHub serves the websocket stream from hub.
func WithHub(hub *Hub) Option {
	return func(s *Server) { s.hub = hub }
}

// WithHealthChecker replaces the default health checker.
func WithHealthChecker(hc *observability.HealthChecker) Option {
	return func(s *Server) { s.healthCheck = hc }
}

// WithRateLimiter applies rl to the API.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(s *Server) { s.rateLimiter = rl }
}

// New creates a server for dash. It panics on a nil config, logger or
// dashboard.
func New(cfg *config.Config, logger *zap.Logger, dash DashboardAPI, opts ...Option) *Server {
	if cfg == nil {
		panic("config cannot be nil")
	}
	if logger == nil {
		panic("logger cannot be nil")
	}
	if dash == nil {
		panic("dashboard cannot be nil")
	}

	gin.SetMode(cfg.Server.GinMode)

	srv := &Server{
		config:      cfg,
		logger:      logger.With(zap.String("component", "server")),
		router:      gin.New(),
		dashboard:   dash,
		openAPISpec: dashboardOpenAPISpec,
	}
	for _, opt := range opts {
		opt(srv)
	}

	if srv.healthCheck == nil {
		srv.healthCheck = observability.NewHealthChecker(Version)
		srv.healthCheck.RegisterReadinessCheck("cse", observability.ConnectedCheck("cse", dash.Connected))
	}

	validator, err := initOpenAPIValidator(cfg, logger)
	if err != nil {
		srv.logger.Warn("failed to initialize OpenAPI validator, validation disabled", zap.Error(err))
	}
	srv.openAPIValidator = validator

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

// Version is reported by the health endpoints.
var Version = "dev"

func initOpenAPIValidator(cfg *config.Config, logger *zap.Logger) (*middleware.OpenAPIValidator, error) {
	validationCfg := middleware.DefaultValidationConfig()
	validationCfg.Logger = logger
	validationCfg.ValidateRequest = cfg.Validation.Enabled
	validationCfg.ValidateResponse = cfg.Validation.ValidateResponse

	validator, err := middleware.NewOpenAPIValidator(validationCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create OpenAPI validator: %w", err)
	}

	if cfg.Validation.SpecPath != "" {
		if err := validator.LoadSpecFromFile(cfg.Validation.SpecPath); err != nil {
			return nil, err
		}
		return validator, nil
	}
	if err := validator.LoadSpec(dashboardOpenAPISpec); err != nil {
		return nil, err
	}
	return validator, nil
}

// setupMiddleware configures middleware for the Gin router.
// Middleware is executed in the order they are added.
func (s *Server) setupMiddleware() {
	// Recovery middleware - must be first to catch panics
	s.router.Use(s.recoveryMiddleware())
	s.router.Use(s.loggingMiddleware())

	if s.metrics != nil {
		s.router.Use(s.metricsMiddleware())
	}

	headers := middleware.DefaultSecurityHeadersConfig()
	headers.TLSEnabled = s.config.TLS.Enabled
	s.router.Use(middleware.SecurityHeaders(headers))

	if s.config.Security.EnableCORS {
		s.router.Use(s.corsMiddleware())
	}

	if s.rateLimiter != nil {
		s.router.Use(s.rateLimiter.Middleware())
	}

	if s.openAPIValidator != nil && (s.config.Validation.Enabled || s.config.Validation.ValidateResponse) {
		s.router.Use(s.openAPIValidator.Middleware())
	}
}

// Start starts the HTTP server and blocks until the server is shut down.
// It supports graceful shutdown on SIGINT and SIGTERM signals.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.mu.Lock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       s.config.Server.ReadTimeout,
		ReadHeaderTimeout: s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		IdleTimeout:       s.config.Server.IdleTimeout,
		MaxHeaderBytes:    s.config.Server.MaxHeaderBytes,
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			zap.String("address", addr),
			zap.String("mode", s.config.Server.GinMode),
			zap.Bool("tls_enabled", s.config.TLS.Enabled),
		)

		var err error
		if s.config.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
		close(serverErrors)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err, ok := <-serverErrors:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		return s.Shutdown()
	}
}

// Shutdown gracefully shuts down the HTTP server and closes the stream
// clients. It is safe to call multiple times.
func (s *Server) Shutdown() error {
	var shutdownErr error

	s.shutdownOnce.Do(func() {
		s.logger.Info("initiating graceful shutdown",
			zap.Duration("timeout", s.config.Server.ShutdownTimeout),
		)

		// Hijacked websocket connections are not closed by http.Server.
		if s.hub != nil {
			_ = s.hub.Close()
		}

		s.mu.Lock()
		httpServer := s.httpServer
		s.mu.Unlock()
		if httpServer == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("error during shutdown", zap.Error(err))
			shutdownErr = fmt.Errorf("server shutdown failed: %w", err)
			return
		}

		s.logger.Info("server shutdown complete")
	})

	return shutdownErr
}

// Router returns the underlying Gin router.
// This is useful for testing and adding custom routes.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// HealthChecker returns the server's health checker.
func (s *Server) HealthChecker() *observability.HealthChecker {
	return s.healthCheck
}

// recoveryMiddleware recovers from panics and logs the error.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", err),
					zap.String("method", c.Request.Method),
					zap.String("path", c.Request.URL.Path),
					zap.String("client_ip", c.ClientIP()),
				)
				abortWithError(c, http.StatusInternalServerError, "InternalError", "internal server error")
			}
		}()
		c.Next()
	}
}

// loggingMiddleware logs HTTP requests and responses.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.Int("body_size", c.Writer.Size()),
		}

		// Probes and scrapes are frequent; keep them out of info logs.
		switch path {
		case "/health", "/ready", "/live", s.metricsPath():
			s.logger.Debug("HTTP request", fields...)
		default:
			s.logger.Info("HTTP request", fields...)
		}

		for _, e := range c.Errors {
			s.logger.Error("request error", zap.Error(e.Err))
		}
	}
}

// metricsMiddleware collects Prometheus metrics for HTTP requests.
func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		s.metrics.HTTPInFlightInc()
		defer s.metrics.HTTPInFlightDec()

		c.Next()

		s.metrics.RecordHTTPRequest(
			c.Request.Method,
			path,
			c.Writer.Status(),
			time.Since(start),
			c.Writer.Size(),
		)
	}
}

// corsMiddleware adds CORS headers to responses.
func (s *Server) corsMiddleware() gin.HandlerFunc {
	security := s.config.Security
	methods := strings.Join(security.AllowedMethods, ", ")
	headers := strings.Join(security.AllowedHeaders, ", ")

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowed := len(security.AllowedOrigins) == 0
		for _, o := range security.AllowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}

		if allowed && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", headers)
			c.Header("Access-Control-Allow-Methods", methods)
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) metricsPath() string {
	if s.config.Observability.Metrics.Path != "" {
		return s.config.Observability.Metrics.Path
	}
	return "/metrics"
}

func (s *Server) metricsHandler() http.Handler {
	if s.gatherer != nil {
		return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
