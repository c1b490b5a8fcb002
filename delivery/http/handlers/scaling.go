package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/usecase"
)

// ScalingHandler serves scaling evaluation, manual override and drain
// endpoints.
type ScalingHandler struct {
	scaler *usecase.Scaler
	logger *zap.Logger
}

// NewScalingHandler creates the handler.
func NewScalingHandler(scaler *usecase.Scaler, logger *zap.Logger) *ScalingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScalingHandler{scaler: scaler, logger: logger}
}

// ShouldScale handles GET /scaling/evaluate: the recommendation without
// executing it.
func (h *ScalingHandler) ShouldScale(c *gin.Context) {
	c.JSON(http.StatusOK, h.scaler.ShouldScale())
}

// ManualScaleRequest is the POST /scaling/manual payload.
type ManualScaleRequest struct {
	Target int    `json:"target" binding:"required"`
	Reason string `json:"reason"`
}

// ManualScale handles POST /scaling/manual.
func (h *ScalingHandler) ManualScale(c *gin.Context) {
	var req ManualScaleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	decision, err := h.scaler.ManualScale(c.Request.Context(), req.Target, req.Reason)
	if err != nil {
		if errors.Is(err, entity.ErrScalingInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, decision)
}

// Drain handles POST /servers/:id/drain.
func (h *ScalingHandler) Drain(c *gin.Context) {
	id := c.Param("id")
	err := h.scaler.DrainServer(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"server_id": id, "drained": true})
	case errors.Is(err, entity.ErrDrainTimeout):
		c.JSON(http.StatusOK, gin.H{"server_id": id, "drained": true, "timed_out": true})
	case errors.Is(err, entity.ErrServerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
