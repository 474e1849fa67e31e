package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/venturelink/sync-be/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "sync-api-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	recordHandler := handler.NewFailedRecordHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List job history
			jobs.GET("", jobHandler.ListJobs)

			// POST /api/v1/jobs/:id/start - Start a job (:id is the kind)
			jobs.POST("/:id/start", jobHandler.StartJob)

			// GET /api/v1/jobs/:id/active - Active job for a kind (:id is the kind)
			jobs.GET("/:id/active", jobHandler.GetActiveJob)

			// GET /api/v1/jobs/:id - Poll a job
			jobs.GET("/:id", jobHandler.GetJob)

			// POST /api/v1/jobs/:id/cancel - Request cancellation
			jobs.POST("/:id/cancel", jobHandler.CancelJob)
		}

		// POST /api/v1/url-health/start - Start a url-health scan with options
		v1.POST("/url-health/start", jobHandler.StartURLHealth)

		records := v1.Group("/failed-records")
		{
			// GET /api/v1/failed-records - Triage view of the ledger
			records.GET("", recordHandler.ListFailedRecords)

			// POST /api/v1/failed-records/:record_id/retry - Reprocess one record
			records.POST("/:record_id/retry", recordHandler.RetryFailedRecord)

			// DELETE /api/v1/failed-records/:record_id - Dismiss a record
			records.DELETE("/:record_id", recordHandler.DismissFailedRecord)
		}
	}

	return r
}
