// Package router assembles the gin engine for the operator API.
package router

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetroute/fleetroute/delivery/http/handlers"
	"github.com/fleetroute/fleetroute/infrastructure/middleware"
)

// Dependencies carries everything the HTTP surface needs.
type Dependencies struct {
	Fleet       *handlers.FleetHandler
	Scaling     *handlers.ScalingHandler
	RateLimiter *middleware.RateLimiter
	Auth        *middleware.Auth
	Prometheus  prometheus.Gatherer
	Logger      *zap.Logger
}

// New builds the engine with all routes registered.
func New(deps Dependencies) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(deps.Logger))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	if deps.Prometheus != nil {
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Prometheus, promhttp.HandlerOpts{})))
	}

	api := engine.Group("/")
	if deps.RateLimiter != nil {
		api.Use(deps.RateLimiter.Handler())
	}
	if deps.Auth != nil {
		api.Use(deps.Auth.Handler())
	}

	api.POST("/servers", deps.Fleet.AddServer)
	api.DELETE("/servers/:id", deps.Fleet.RemoveServer)
	api.PUT("/servers/:id/metrics", deps.Fleet.UpdateMetrics)
	api.POST("/servers/:id/release", deps.Fleet.Release)
	api.POST("/servers/:id/drain", deps.Scaling.Drain)
	api.POST("/route", deps.Fleet.Route)
	api.GET("/stats", deps.Fleet.Stats)
	api.GET("/scaling/evaluate", deps.Scaling.ShouldScale)
	api.POST("/scaling/manual", deps.Scaling.ManualScale)

	return engine
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Request handled",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
