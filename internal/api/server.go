package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/catalogkit/assetview/internal/api/middleware"
	"github.com/catalogkit/assetview/internal/events"
	"github.com/catalogkit/assetview/internal/imageresolver"
	"github.com/catalogkit/assetview/internal/logger"
	"github.com/catalogkit/assetview/internal/session"
	"github.com/catalogkit/assetview/internal/viewport"
)

// Service is the resolution core the API drives. session.Session implements it.
type Service interface {
	Resolve(p imageresolver.Product, v imageresolver.Variant) imageresolver.Candidate
	Render(ctx context.Context, p imageresolver.Product, v imageresolver.Variant, cfg imageresolver.SlotConfig) (imageresolver.SlotStatus, error)
	Mount(element viewport.ElementID, p imageresolver.Product, v imageresolver.Variant, cfg imageresolver.SlotConfig) (string, imageresolver.SlotStatus, error)
	Slot(id string) (imageresolver.SlotStatus, bool)
	Unmount(id string) bool
	Dispatch(entries ...viewport.IntersectionEntry)
	Publish(e events.RegenerationEvent) bool
	Invalidate(productID string) int
	Stats() session.Stats
}

var _ Service = (*session.Session)(nil)

// Server is the HTTP server of assetview.
type Server struct {
	echo    *echo.Echo
	config  *Config
	service Service
	logger  logger.Logger

	metricsHandler http.Handler
	version        string

	wg        sync.WaitGroup
	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(log logger.Logger) ServerOption {
	return func(s *Server) {
		s.logger = log
	}
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.metricsHandler = h
	}
}

// WithVersion sets the version reported by the health check.
func WithVersion(version string) ServerOption {
	return func(s *Server) {
		s.version = version
	}
}

// New creates a new HTTP server for service.
func New(config *Config, service Service, opts ...ServerOption) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}
	if service == nil {
		return nil, fmt.Errorf("server requires a service")
	}

	s := &Server{
		config:    config,
		service:   service,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = GetLogger()
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = config.Debug
	s.echo.HTTPErrorHandler = s.handleHTTPError

	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("HTTP server initialized",
		logger.String("address", config.Listen),
		logger.Bool("metrics", s.metricsHandler != nil),
		logger.Bool("debug", config.Debug))
	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestID())
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.logger, func(c echo.Context) bool {
		return c.Path() == "/healthz" || c.Path() == "/metrics"
	}))

	securityConfig := mw.DefaultSecurityConfig()
	securityConfig.AllowedOrigins = s.config.AllowedOrigins
	s.echo.Use(mw.NewCORS(securityConfig))
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewSecureHeaders(securityConfig))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/healthz", s.healthCheck)
	if s.metricsHandler != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	}

	v1 := s.echo.Group("/api/v1")
	v1.POST("/resolve", s.resolve)
	v1.POST("/render", s.render)
	v1.POST("/slots", s.mountSlot)
	v1.GET("/slots/:id", s.getSlot)
	v1.DELETE("/slots/:id", s.unmountSlot)
	v1.POST("/visibility", s.visibility)
	v1.POST("/products/:id/invalidate", s.invalidate)
	v1.POST("/events/regeneration", s.regenerationEvent)
	v1.GET("/stats", s.stats)
}

// healthCheck handles the server health check endpoint.
func (s *Server) healthCheck(c echo.Context) error {
	uptime := time.Since(s.startTime)

	return c.JSON(http.StatusOK, map[string]any{
		"status":         "healthy",
		"version":        s.version,
		"uptime":         uptime.String(),
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	})
}

// Start begins serving HTTP requests in a background goroutine and returns
// immediately. Use Shutdown to stop the server.
func (s *Server) Start() {
	s.wg.Go(func() {
		if err := s.startBlocking(); err != nil {
			s.logger.Error("server error", logger.Error(err))
		}
	})
	s.logger.Info("HTTP server starting", logger.String("address", s.config.Listen))
}

// startBlocking begins serving HTTP requests and blocks until the server is shut down.
func (s *Server) startBlocking() error {
	err := s.echo.Start(s.config.Listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.wg.Wait()

	s.logger.Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}
