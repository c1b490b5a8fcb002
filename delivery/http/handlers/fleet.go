// Package handlers exposes the fleet operations over HTTP. The handlers
// are a thin layer: parse, validate, delegate to the usecases.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
	"github.com/fleetroute/fleetroute/usecase"
)

// FleetHandler serves server registration, routing and stats endpoints.
type FleetHandler struct {
	registry *registry.Registry
	router   *usecase.Router
	logger   *zap.Logger
}

// NewFleetHandler creates the handler.
func NewFleetHandler(reg *registry.Registry, router *usecase.Router, logger *zap.Logger) *FleetHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FleetHandler{registry: reg, router: router, logger: logger}
}

// AddServer handles POST /servers.
func (h *FleetHandler) AddServer(c *gin.Context) {
	var spec entity.ServerSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if spec.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}
	if spec.Capacity <= 0 {
		spec.Capacity = 100
	}

	inst, err := h.registry.AddServer(spec)
	if err != nil {
		if errors.Is(err, entity.ErrServerExists) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, inst)
}

// RemoveServer handles DELETE /servers/:id.
func (h *FleetHandler) RemoveServer(c *gin.Context) {
	if err := h.registry.RemoveServer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Route handles POST /route.
func (h *FleetHandler) Route(c *gin.Context) {
	var req entity.RequestContext
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClientIP == "" {
		req.ClientIP = c.ClientIP()
	}

	result, err := h.router.RouteRequest(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, entity.ErrNoHealthyServers) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// UpdateMetrics handles PUT /servers/:id/metrics.
func (h *FleetHandler) UpdateMetrics(c *gin.Context) {
	var update entity.ServerMetricsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.router.UpdateServerMetrics(c.Param("id"), update)
	c.Status(http.StatusNoContent)
}

// Release handles POST /servers/:id/release, the request-completion
// callback.
func (h *FleetHandler) Release(c *gin.Context) {
	if err := h.router.ReleaseServer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Stats handles GET /stats.
func (h *FleetHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.router.Stats())
}
