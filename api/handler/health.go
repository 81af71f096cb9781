package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/chatrelay/models"
	"github.com/use-agent/chatrelay/results"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Source is the live view of a run the handlers read from.
type Source interface {
	Snapshot() results.Progress
	Records() []models.ScrapeResult
}

// Health returns a handler for GET /api/v1/health.
func Health(src Source, startTime time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "running"
		if src.Snapshot().Done {
			status = "done"
		}
		c.JSON(http.StatusOK, models.HealthResponse{
			Status:  status,
			Uptime:  time.Since(startTime).Round(time.Second).String(),
			Version: Version,
		})
	}
}
