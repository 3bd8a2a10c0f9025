package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/planscout/models"
)

// Version is reported by the health endpoint.
const Version = "0.2.0"

// Health returns a handler for GET /api/v1/health.
//
// Reports "busy" while a run is active so probes can tell a scrape apart
// from an idle server.
func Health(runs *Runs, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		active := runs.Active()
		if active != "" {
			status = "busy"
		}
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:    status,
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Version:   Version,
			ActiveRun: active,
		})
	}
}
