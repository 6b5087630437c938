// Package api provides the HTTP control surface of the hoarder daemon.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/api/handlers"
	"github.com/hoarderhq/hoarder/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	// MaxBodyBytes limits request bodies.
	MaxBodyBytes int64
	// ControlRateLimit is the number of control requests (backup
	// triggers and lock changes) a client may make per ControlRatePeriod.
	// Zero disables the limit.
	ControlRateLimit  int64
	ControlRatePeriod time.Duration
	// Version information for the version endpoint.
	Version   string
	Commit    string
	BuildDate string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:      64 << 10,
		ControlRateLimit:  10,
		ControlRatePeriod: time.Minute,
		Version:           "dev",
		Commit:            "unknown",
		BuildDate:         "unknown",
	}
}

// Scheduler is the part of the scheduler the API drives.
type Scheduler interface {
	handlers.CycleTrigger
	handlers.ScheduleInfo
}

// Coordinator is the part of the coordinator the API reads.
type Coordinator interface {
	handlers.CycleState
	handlers.LockManager
}

// Deps are the components served by the API. History, Shutdown and
// Gatherer may be nil.
type Deps struct {
	Runtime     handlers.RuntimeChecker
	Coordinator Coordinator
	Scheduler   Scheduler
	History     handlers.CycleHistory
	Shutdown    handlers.ShutdownStatusProvider
	Gatherer    prometheus.Gatherer
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) *Router {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	if cfg.MaxBodyBytes > 0 {
		r.Engine.Use(middleware.BodyLimit(cfg.MaxBodyBytes))
	}

	handlers.NewHealthHandler(deps.Runtime, deps.Shutdown, logger).RegisterRoutes(r.Engine)
	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer).RegisterRoutes(r.Engine)
	}

	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":    cfg.Version,
			"commit":     cfg.Commit,
			"build_date": cfg.BuildDate,
		})
	})

	control := r.Engine.Group("/")
	if cfg.ControlRateLimit > 0 && cfg.ControlRatePeriod > 0 {
		control.Use(middleware.RateLimit(cfg.ControlRateLimit, cfg.ControlRatePeriod))
	}

	var schedule handlers.ScheduleInfo
	if deps.Scheduler != nil {
		schedule = deps.Scheduler
		handlers.NewBackupHandler(deps.Scheduler, logger).RegisterRoutes(control)
	}
	if deps.Coordinator != nil {
		handlers.NewStatusHandler(deps.Coordinator, deps.History, schedule, logger).RegisterRoutes(r.Engine)
		handlers.NewLocksHandler(deps.Coordinator, logger).RegisterRoutes(control)
	}

	r.logger.Debug().Int("routes", len(r.Engine.Routes())).Msg("API routes registered")
	return r
}

// Server runs the router on an http.Server.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a Server listening on addr.
func NewServer(addr string, router *Router, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router.Engine,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		logger: logger.With().Str("component", "http_server").Logger(),
	}
}

// Start serves in the background. Listen errors are sent on the returned
// channel.
func (s *Server) Start() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server error")
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
