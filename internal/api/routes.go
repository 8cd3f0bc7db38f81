package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/automation"
	"github.com/refundtrack/tax-engine/internal/cache"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/reconciler"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// SetupRoutes configures all application routes
func SetupRoutes(router *gin.Engine, db *gorm.DB, c *coordinator.Coordinator,
	e *automation.Engine, r *reconciler.Reconciler, cc cache.Cache,
	logger *logger.Logger, cfg *config.Config) {
	h := NewHandlers(db, c, e, r, cc, logger, cfg)

	api := router.Group("/api")
	{
		// Health check
		api.GET("/health", h.HealthCheck)

		// Case endpoints
		api.GET("/cases", h.ListCases)
		api.GET("/cases/:id", h.GetCase)
		api.GET("/cases/:id/history", h.CaseHistory)
		api.GET("/cases/:id/transitions", h.AllowedTransitions)
		api.POST("/cases/:id/status", h.UpdateCaseStatus)
		api.POST("/cases/:id/check", h.RunCheck)

		// Lifecycle events
		api.POST("/events", h.IngestEvent)

		// External check workflow
		api.GET("/checks", h.ListChecks)
		api.POST("/checks/:id/approve", h.ApproveCheck)
		api.POST("/checks/:id/dismiss", h.DismissCheck)
		api.POST("/checks/run-all", h.RunAllChecks)

		// Reminder sweep
		api.POST("/reminders/run", h.RunReminderSweep)

		// Cache stats
		api.GET("/cache/stats", h.CacheStats)
	}
}
