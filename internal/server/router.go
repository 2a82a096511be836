package server

import "github.com/gin-gonic/gin"

// NewRouter builds the HTTP route tree.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/v1/")
	registerRoutes(api, h)

	return router
}

func registerRoutes(api *gin.RouterGroup, h *Handler) {
	depth := api.Group("/depth")
	{
		depth.GET("/:symbol/summary", h.GetDepthSummary)
		depth.GET("/:symbol/top", h.GetDepthTop)
		depth.GET("/:symbol/archived", h.GetArchivedRange)
	}

	analysis := api.Group("/analysis")
	{
		analysis.GET("/:symbol/volatility", h.GetVolatilityAnalysis)
		analysis.GET("/:symbol/market", h.GetMarketAnalysis)
	}

	tasks := api.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("/:id", h.GetTaskStatus)
		tasks.GET("/:id/result", h.GetTaskResult)
	}

	api.GET("/alerts", h.GetAlerts)
	api.GET("/system/status", h.GetSystemStatus)
}
