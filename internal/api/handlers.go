package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/refundtrack/tax-engine/internal/automation"
	"github.com/refundtrack/tax-engine/internal/cache"
	"github.com/refundtrack/tax-engine/internal/config"
	"github.com/refundtrack/tax-engine/internal/coordinator"
	"github.com/refundtrack/tax-engine/internal/database"
	"github.com/refundtrack/tax-engine/internal/reconciler"
	"github.com/refundtrack/tax-engine/internal/status"
	"github.com/refundtrack/tax-engine/pkg/logger"
)

// Handlers holds all HTTP handlers
type Handlers struct {
	db          *gorm.DB
	coordinator *coordinator.Coordinator
	engine      *automation.Engine
	reconciler  *reconciler.Reconciler
	checkCache  cache.Cache
	logger      *logger.Logger
	cfg         *config.Config
}

// NewHandlers creates a new handlers instance
func NewHandlers(db *gorm.DB, c *coordinator.Coordinator, e *automation.Engine,
	r *reconciler.Reconciler, cc cache.Cache, logger *logger.Logger, cfg *config.Config) *Handlers {
	return &Handlers{
		db:          db,
		coordinator: c,
		engine:      e,
		reconciler:  r,
		checkCache:  cc,
		logger:      logger,
		cfg:         cfg,
	}
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "Invalid " + name,
		})
		return 0, false
	}
	return uint(id), true
}

// respondError translates engine errors into HTTP statuses.
func (h *Handlers) respondError(c *gin.Context, err error) {
	var transition *status.InvalidTransitionError
	var precondition *coordinator.PreconditionError

	switch {
	case errors.Is(err, coordinator.ErrCaseNotFound), errors.Is(err, reconciler.ErrCheckNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
	case errors.As(err, &transition):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success":             false,
			"error":               transition.Message,
			"dimension":           transition.Dimension,
			"current":             transition.Current,
			"attempted":           transition.Attempted,
			"allowed_transitions": transition.AllowedTransitions,
		})
	case errors.As(err, &precondition):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": precondition.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	}
}

// UpdateCaseStatus applies a status update to a case
func (h *Handlers) UpdateCaseStatus(c *gin.Context) {
	caseID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		coordinator.UpdateRequest
		ChangedByID *uint `json:"changed_by_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	tc, err := h.coordinator.UpdateStatus(c.Request.Context(), caseID, req.UpdateRequest, req.ChangedByID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": tc})
}

// GetCase returns one case with its owner
func (h *Handlers) GetCase(c *gin.Context) {
	caseID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var tc database.TaxCase
	if err := h.db.Preload("User").First(&tc, caseID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Case not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": tc})
}

// ListCases returns cases with pagination
func (h *Handlers) ListCases(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset := (page - 1) * limit

	var total int64
	h.db.Model(&database.TaxCase{}).Count(&total)

	var cases []database.TaxCase
	h.db.Preload("User").
		Offset(offset).Limit(limit).
		Order("created_at DESC").
		Find(&cases)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    cases,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}

// CaseHistory returns the append-only history of one case
func (h *Handlers) CaseHistory(c *gin.Context) {
	caseID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var history []database.StatusHistory
	h.db.Where("tax_case_id = ?", caseID).
		Order("created_at DESC").
		Find(&history)

	c.JSON(http.StatusOK, gin.H{"success": true, "data": history})
}

// AllowedTransitions returns the suggested next statuses for each dimension
func (h *Handlers) AllowedTransitions(c *gin.Context) {
	caseID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var tc database.TaxCase
	if err := h.db.First(&tc, caseID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Case not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"case":    status.AllowedNextCase(status.CaseStatus(tc.CaseStatus)),
			"federal": status.AllowedNextRefund(status.RefundStatus(tc.FederalStatus)),
			"state":   status.AllowedNextRefund(status.RefundStatus(tc.StateStatus)),
		},
	})
}

// IngestEvent accepts a lifecycle event and processes it off the request path
func (h *Handlers) IngestEvent(c *gin.Context) {
	var ev automation.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	h.engine.RunInBackground("event:"+string(ev.Type), func(ctx context.Context) error {
		h.engine.ProcessEvent(ctx, ev)
		return nil
	})

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

// RunCheck triggers a portal check for one case
func (h *Handlers) RunCheck(c *gin.Context) {
	caseID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		AdminID *uint `json:"admin_id"`
	}
	_ = c.ShouldBindJSON(&req)

	check, err := h.reconciler.RunCheck(c.Request.Context(), caseID, req.AdminID, database.TriggerManual)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": check})
}

// ListChecks returns staged checks, optionally only those flagging a change
func (h *Handlers) ListChecks(c *gin.Context) {
	query := h.db.Order("created_at DESC").Limit(200)
	if c.Query("changed") == "true" {
		query = query.Where("status_changed = ?", true)
	}

	var checks []database.ExternalCheck
	query.Find(&checks)

	c.JSON(http.StatusOK, gin.H{"success": true, "data": checks})
}

// ApproveCheck applies a staged check to the authoritative case
func (h *Handlers) ApproveCheck(c *gin.Context) {
	checkID, ok := parseID(c, "id")
	if !ok {
		return
	}

	var req struct {
		AdminID uint `json:"admin_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	result, err := h.reconciler.ApproveCheck(c.Request.Context(), checkID, req.AdminID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "applied": result.Applied})
}

// DismissCheck clears a staged check without touching the case
func (h *Handlers) DismissCheck(c *gin.Context) {
	checkID, ok := parseID(c, "id")
	if !ok {
		return
	}

	if err := h.reconciler.DismissCheck(c.Request.Context(), checkID); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RunAllChecks starts a full portal sweep
func (h *Handlers) RunAllChecks(c *gin.Context) {
	var req struct {
		AdminID *uint `json:"admin_id"`
	}
	_ = c.ShouldBindJSON(&req)

	result, err := h.reconciler.RunAllChecks(c.Request.Context(), database.TriggerManual, req.AdminID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// RunReminderSweep triggers the documentation reminder sweep
func (h *Handlers) RunReminderSweep(c *gin.Context) {
	result, err := h.engine.RunReminderSweep(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "data": result})
}

// HealthCheck returns the health status
func (h *Handlers) HealthCheck(c *gin.Context) {
	var count int64
	dbHealthy := h.db.Model(&database.TaxCase{}).Count(&count).Error == nil

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealthy,
		"cache":    h.checkCache.Stats(),
	})
}

// CacheStats returns check-cache statistics
func (h *Handlers) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "stats": h.checkCache.Stats()})
}
