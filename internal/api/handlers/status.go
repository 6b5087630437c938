package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/history"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
)

// CycleState reports the in-memory cycle state.
type CycleState interface {
	LastCycle() *models.CycleReport
}

// CycleHistory reads persisted cycles.
type CycleHistory interface {
	LastCycle(ctx context.Context) (*models.CycleReport, error)
}

// ScheduleInfo reports the scheduler state.
type ScheduleInfo interface {
	Busy() bool
	NextRun() (time.Time, bool)
}

// StatusResponse is the response of the status endpoint.
type StatusResponse struct {
	Running   bool                `json:"running"`
	NextRun   *time.Time          `json:"next_run,omitempty"`
	LastCycle *models.CycleReport `json:"last_cycle"`
	Counts    *models.CycleCounts `json:"counts,omitempty"`
}

// StatusHandler serves the last cycle report.
type StatusHandler struct {
	state    CycleState
	history  CycleHistory
	schedule ScheduleInfo
	logger   zerolog.Logger
}

// NewStatusHandler creates a StatusHandler. history and schedule may be nil.
func NewStatusHandler(state CycleState, history CycleHistory, schedule ScheduleInfo, logger zerolog.Logger) *StatusHandler {
	return &StatusHandler{
		state:    state,
		history:  history,
		schedule: schedule,
		logger:   logger.With().Str("component", "status_handler").Logger(),
	}
}

// RegisterRoutes registers the status route.
func (h *StatusHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/status", h.Get)
}

// Get returns the last cycle report. After a restart the report is read
// from the history database.
// GET /status
func (h *StatusHandler) Get(c *gin.Context) {
	resp := StatusResponse{LastCycle: h.state.LastCycle()}

	if resp.LastCycle == nil && h.history != nil {
		cycle, err := h.history.LastCycle(c.Request.Context())
		switch {
		case err == nil:
			resp.LastCycle = cycle
		case errors.Is(err, history.ErrNoHistory):
		default:
			h.logger.Error().Err(err).Msg("failed to read cycle history")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read cycle history"})
			return
		}
	}

	if resp.LastCycle != nil {
		counts := resp.LastCycle.Counts()
		resp.Counts = &counts
	}
	if h.schedule != nil {
		resp.Running = h.schedule.Busy()
		if next, ok := h.schedule.NextRun(); ok {
			resp.NextRun = &next
		}
	}
	c.JSON(http.StatusOK, resp)
}
