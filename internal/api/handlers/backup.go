package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/scheduler"
	"github.com/rs/zerolog"
)

// CycleTrigger starts backup cycles in the background.
type CycleTrigger interface {
	Trigger(ctx context.Context, trigger string, names []string) error
}

// BackupRequest is the optional body of POST /backup.
type BackupRequest struct {
	Targets []string `json:"targets"`
}

// BackupHandler starts on-demand cycles.
type BackupHandler struct {
	trigger CycleTrigger
	logger  zerolog.Logger
}

// NewBackupHandler creates a BackupHandler.
func NewBackupHandler(trigger CycleTrigger, logger zerolog.Logger) *BackupHandler {
	return &BackupHandler{
		trigger: trigger,
		logger:  logger.With().Str("component", "backup_handler").Logger(),
	}
}

// RegisterRoutes registers the backup route.
func (h *BackupHandler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/backup", h.Trigger)
}

// Trigger starts a cycle for all or the listed targets.
// POST /backup
func (h *BackupHandler) Trigger(c *gin.Context) {
	var req BackupRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	// The cycle outlives the request.
	err := h.trigger.Trigger(context.WithoutCancel(c.Request.Context()), scheduler.TriggerManual, req.Targets)
	switch {
	case err == nil:
		h.logger.Info().Strs("targets", req.Targets).Msg("on-demand backup cycle started")
		c.JSON(http.StatusAccepted, gin.H{"status": "started", "targets": req.Targets})
	case errors.Is(err, scheduler.ErrCycleRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrNotAccepting):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Warn().Err(err).Msg("on-demand backup cycle rejected")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}
