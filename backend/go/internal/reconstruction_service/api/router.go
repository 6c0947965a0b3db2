package api

import (
	"SceneGen/backend/go/pkg/httpmiddleware"
	"SceneGen/backend/go/pkg/logger"
	"SceneGen/backend/go/pkg/ratelimiter"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the gin engine with logging and recovery. limiter may be nil.
func NewRouter(api *API, limiter *ratelimiter.KeyedLimiter, logger *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(httpmiddleware.RequestLogger(logger), httpmiddleware.Recovery(logger))
	RegisterRoutes(router, api, limiter)
	return router
}

// RegisterRoutes registers all the routes for the reconstruction service.
func RegisterRoutes(router *gin.Engine, api *API, limiter *ratelimiter.KeyedLimiter) {
	submit := func(h gin.HandlerFunc) []gin.HandlerFunc {
		if limiter == nil {
			return []gin.HandlerFunc{h}
		}
		return []gin.HandlerFunc{httpmiddleware.RateLimit(limiter), h}
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/tasks", submit(api.SubmitTaskHandler)...)
		v1.POST("/uploads", submit(api.UploadHandler)...)
		v1.GET("/tasks", api.GetTasksHandler)
		v1.GET("/tasks/:id", api.GetTaskHandler)
		v1.GET("/tasks/:id/result", api.GetResultHandler)
		v1.GET("/tasks/:id/download", api.DownloadHandler)
		v1.POST("/tasks/:id/cancel", api.CancelTaskHandler)
		v1.DELETE("/tasks/:id", api.DeleteTaskHandler)
		v1.GET("/stats", api.StatsHandler)
	}

	router.GET("/ws/tasks/:id", api.WebSocketHandler)
	router.GET("/healthz", api.HealthHandler)
}
