package main

import (
	"database/sql"
	"time"

	"careline/internal/auth"
	"careline/internal/httpapi"
	"careline/pkg/utils"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authManager *auth.Manager, db *sql.DB) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(503, gin.H{"status": "degraded"})
			return
		}
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Provider webhooks (public).
	// NOTE: This endpoint should be protected by provider signature validation in production.
	r.POST("/webhooks/bridge/leg-status", h.LegStatusWebhook)

	// protected API group
	v1 := r.Group("/v1")

	// AUTH routes (token issuance).
	// NOTE: This is a placeholder login route; real credential validation is not implemented.
	v1.POST("/auth/login", h.Login)

	protected := v1.Group("")
	protected.Use(auth.RequireAccessToken(authManager))
	{
		// CALLS routes
		protected.POST("/calls", h.InitiateCall)
		protected.GET("/calls", h.CallHistory)
		protected.GET("/calls/:session_id", h.GetCall)
		protected.POST("/calls/:session_id/end", h.EndCall)
		protected.GET("/calls/:session_id/recording", h.RecordingInfo)
		protected.GET("/calls/:session_id/summary", h.DownloadSummary)

		// MAINTENANCE routes (operator only)
		maintenance := protected.Group("/maintenance")
		maintenance.Use(auth.RequireRole(auth.RoleOperator))
		{
			maintenance.POST("/clear-stale", h.ClearStale)
		}
	}
}
