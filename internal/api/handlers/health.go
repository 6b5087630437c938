// Package handlers implements the hoarder HTTP API endpoints.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/shutdown"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheckResult represents the result of a health check.
type HealthCheckResult struct {
	Status   HealthStatus   `json:"status"`
	Duration string         `json:"duration,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status   HealthStatus                  `json:"status"`
	Checks   map[string]*HealthCheckResult `json:"checks,omitempty"`
	Shutdown *shutdown.Status              `json:"shutdown,omitempty"`
}

// RuntimeChecker checks the container runtime connection.
type RuntimeChecker interface {
	Ping(ctx context.Context) error
}

// ShutdownStatusProvider reports the shutdown state.
type ShutdownStatusProvider interface {
	GetStatus() shutdown.Status
}

// HealthHandler handles the health endpoint.
type HealthHandler struct {
	runtime  RuntimeChecker
	shutdown ShutdownStatusProvider
	logger   zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. shutdown may be nil.
func NewHealthHandler(runtime RuntimeChecker, shutdown ShutdownStatusProvider, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		runtime:  runtime,
		shutdown: shutdown,
		logger:   logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Overall)
}

// Overall returns the daemon health.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	response := &HealthResponse{
		Status: HealthStatusHealthy,
		Checks: map[string]*HealthCheckResult{
			"runtime": h.checkRuntime(ctx),
		},
	}
	if h.shutdown != nil {
		status := h.shutdown.GetStatus()
		response.Shutdown = &status
		if !status.AcceptingNewJobs {
			response.Status = HealthStatusUnhealthy
		}
	}
	if response.Checks["runtime"].Status == HealthStatusUnhealthy {
		response.Status = HealthStatusUnhealthy
	}

	if response.Status == HealthStatusUnhealthy {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (h *HealthHandler) checkRuntime(ctx context.Context) *HealthCheckResult {
	start := time.Now()
	result := &HealthCheckResult{Status: HealthStatusHealthy}

	if h.runtime == nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "runtime not configured"
		return result
	}

	err := h.runtime.Ping(ctx)
	result.Duration = time.Since(start).String()
	if err != nil {
		result.Status = HealthStatusUnhealthy
		result.Error = "container runtime unreachable"
		h.logger.Warn().Err(err).Msg("runtime health check failed")
	}
	return result
}
