package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/planscout/api/handler"
	"github.com/use-agent/planscout/api/middleware"
	"github.com/use-agent/planscout/config"
	"github.com/use-agent/planscout/store"
)

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health endpoint is intentionally outside auth so monitoring probes always work.
func NewRouter(cfg *config.Config, runs *handler.Runs, q store.Querier, limiter *middleware.Limiter, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	v1 := r.Group("/api/v1")

	// Health: no auth required.
	v1.GET("/health", handler.Health(runs, startTime))

	// Protected group: auth and rate limit.
	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(limiter.Handler())

	// Runs
	protected.POST("/runs", runs.Post())
	protected.GET("/runs/:id", runs.Get())
	protected.DELETE("/runs/:id", runs.Cancel())

	// Stored applications
	protected.GET("/applications", handler.Applications(q))

	return r
}
