package routes

import (
	"net/http"

	handler "bulk-reconciliation-backend/internal/handlers"

	"github.com/gin-gonic/gin"
)

func RegisterRoutes(r *gin.Engine, batchHandler *handler.BatchHandler, metrics http.Handler) {
	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	batches := api.Group("/batches")
	batches.POST("/:batchId/chunks/:chunkNumber", batchHandler.UploadChunk)
	batches.POST("/:batchId/finalize", batchHandler.Finalize)
	batches.POST("/:batchId/abort", batchHandler.Abort)
	batches.GET("/:batchId", batchHandler.GetBatch)

	admin := api.Group("/admin")
	{
		admin.POST("/sweep", batchHandler.Sweep)
	}

	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
}
