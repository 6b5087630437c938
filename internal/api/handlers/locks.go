package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hoarderhq/hoarder/internal/coordinator"
	"github.com/rs/zerolog"
)

// LockManager lists and overrides container locks.
type LockManager interface {
	ListLocks() []coordinator.LockInfo
	Unlock(containerID string) (coordinator.LockInfo, error)
}

// LocksHandler serves the container lock table.
type LocksHandler struct {
	locks  LockManager
	logger zerolog.Logger
}

// NewLocksHandler creates a LocksHandler.
func NewLocksHandler(locks LockManager, logger zerolog.Logger) *LocksHandler {
	return &LocksHandler{
		locks:  locks,
		logger: logger.With().Str("component", "locks_handler").Logger(),
	}
}

// RegisterRoutes registers the lock routes.
func (h *LocksHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/locks", h.List)
	r.DELETE("/locks/:container", h.Delete)
}

// List returns all held locks.
// GET /locks
func (h *LocksHandler) List(c *gin.Context) {
	locks := h.locks.ListLocks()
	if locks == nil {
		locks = []coordinator.LockInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

// Delete removes a lock on operator request.
// DELETE /locks/:container
func (h *LocksHandler) Delete(c *gin.Context) {
	containerID := c.Param("container")
	info, err := h.locks.Unlock(containerID)
	if err != nil {
		if errors.Is(err, coordinator.ErrLockNotHeld) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no lock held for container"})
			return
		}
		h.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove lock")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to remove lock"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": info})
}
