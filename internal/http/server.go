// Package http serves the loopd JSON API.
package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/loopd/internal/feedback"
	"github.com/fyrsmithlabs/loopd/internal/lifecycle"
	"github.com/fyrsmithlabs/loopd/internal/logging"
	"github.com/fyrsmithlabs/loopd/internal/router"
	"github.com/fyrsmithlabs/loopd/internal/sweep"
	"github.com/fyrsmithlabs/loopd/internal/weights"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxBodySize caps request bodies.
const maxBodySize = "1M"

// Deps are the components the API drives. Sweep is optional; without it
// POST /api/v1/sweep is not registered.
type Deps struct {
	Router    *router.Router
	Lifecycle *lifecycle.Manager
	Ledger    *feedback.Ledger
	Weights   *weights.Engine
	Sweep     *sweep.Scheduler
}

func (d Deps) validate() error {
	var errs []error
	if d.Router == nil {
		errs = append(errs, errors.New("router cannot be nil"))
	}
	if d.Lifecycle == nil {
		errs = append(errs, errors.New("lifecycle manager cannot be nil"))
	}
	if d.Ledger == nil {
		errs = append(errs, errors.New("feedback ledger cannot be nil"))
	}
	if d.Weights == nil {
		errs = append(errs, errors.New("weight engine cannot be nil"))
	}
	return errors.Join(errs...)
}

// Server provides the HTTP endpoints.
type Server struct {
	echo    *echo.Echo
	deps    Deps
	logger  *zap.Logger
	config  *Config
	metrics *HTTPMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// NewServer creates a server. Routes are registered immediately; nothing
// listens until Start.
func NewServer(deps Deps, logger *zap.Logger, cfg *Config) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 9191,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		deps:    deps,
		logger:  logger,
		config:  cfg,
		metrics: NewHTTPMetrics(logger),
	}
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxBodySize))
	e.Use(middleware.RequestID())
	e.Use(s.contextMiddleware)
	e.Use(s.metrics.MetricsMiddleware())
	e.Use(s.accessLog)

	s.registerRoutes()
	return s, nil
}

// contextMiddleware carries the request id into the request context so
// component logs can be correlated.
func (s *Server) contextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), id)))
		}
		return next(c)
	}
}

func (s *Server) accessLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			// Resolve the final status before logging.
			c.Error(err)
		}
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/classify", s.handleClassify)

	v1.POST("/loops", s.handleCreateLoop)
	v1.GET("/loops", s.handleListLoops)
	v1.GET("/loops/:id", s.handleGetLoop)
	v1.GET("/loops/:id/markdown", s.handleMarkdown)
	v1.POST("/loops/:id/feedback", s.handleLoopFeedback)
	v1.GET("/loops/:id/feedback", s.handleListFeedback)
	v1.PUT("/loops/:id/status", s.handleSetStatus)
	v1.PUT("/loops/:id/verified", s.handleSetVerified)
	v1.POST("/loops/:id/promote", s.handlePromote)
	v1.POST("/loops/:id/archive", s.handleArchive)
	v1.POST("/loops/:id/link", s.handleLink)

	v1.POST("/feedback", s.handleFeedback)
	v1.POST("/weights/recompute", s.handleRecompute)

	v1.POST("/workstreams", s.handleCreateWorkstream)
	v1.GET("/workstreams", s.handleListWorkstreams)

	if s.deps.Sweep != nil {
		v1.POST("/sweep", s.handleSweep)
	}
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
}

// Start listens until Shutdown. It returns http.ErrServerClosed after a
// graceful shutdown.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
