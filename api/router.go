package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"convertapi/models"
)

func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), ErrorHandler())

	router.GET("/healthz", s.GetLiveness)
	router.GET("/readyz", s.GetReadiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	standard := s.limiter.Middleware(models.PolicyStandard)
	conversion := s.limiter.Middleware(models.PolicyConversion)

	v1 := router.Group("/api/v1", Identity())
	{
		v1.POST("/conversions", conversion, s.CreateConversion)
		v1.POST("/conversions/async", conversion, s.CreateAsyncConversion)
		v1.GET("/conversions", standard, s.ListConversions)
		v1.GET("/conversions/:id", standard, s.GetConversion)
		v1.GET("/conversions/:id/download", standard, s.DownloadConversion)

		v1.GET("/usage", standard, s.GetUsage)
		v1.GET("/usage/history", standard, s.GetUsageHistory)
		v1.GET("/rate-limits", standard, s.GetMyRateLimits)
	}

	admin := v1.Group("/admin/users/:userId", RequireAdmin())
	{
		admin.POST("/rate-limits", s.ProvisionRateLimits)
		admin.GET("/rate-limits", s.GetUserRateLimits)
		admin.PUT("/rate-limits/tier", s.UpdateUserTier)
		admin.PUT("/rate-limits/policies/:policy", s.SetUserPolicyOverride)
		admin.DELETE("/rate-limits/overrides", s.ClearUserOverrides)
		admin.PUT("/quota", s.UpdateUserQuota)
		admin.GET("/usage", s.GetUserUsage)
	}

	return router
}
