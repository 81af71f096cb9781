package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/chatrelay/models"
)

// Progress returns a handler for GET /api/v1/progress.
func Progress(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, src.Snapshot())
	}
}

// Results returns a handler for GET /api/v1/results.
//
// ?status=failed or ?status=succeeded filters the records.
func Results(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		records := src.Records()

		switch status := c.Query("status"); status {
		case "":
		case "failed", "succeeded":
			want := status == "succeeded"
			kept := records[:0]
			for _, r := range records {
				if r.Succeeded() == want {
					kept = append(kept, r)
				}
			}
			records = kept
		default:
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: &models.ErrorDetail{
					Code:    models.ErrCodeInvalidInput,
					Message: "status must be \"failed\" or \"succeeded\"",
				},
			})
			return
		}

		if records == nil {
			records = []models.ScrapeResult{}
		}
		c.JSON(http.StatusOK, models.ResultsResponse{Total: len(records), Results: records})
	}
}

// Result returns a handler for GET /api/v1/results/:query_index.
func Result(src Source) gin.HandlerFunc {
	return func(c *gin.Context) {
		idx, err := strconv.Atoi(c.Param("query_index"))
		if err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{
				Error: &models.ErrorDetail{Code: models.ErrCodeInvalidInput, Message: "query_index must be an integer"},
			})
			return
		}
		for _, r := range src.Records() {
			if r.QueryIndex == idx {
				c.JSON(http.StatusOK, r)
				return
			}
		}
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error: &models.ErrorDetail{Code: models.ErrCodeNotFound, Message: "no record for that query index yet"},
		})
	}
}
