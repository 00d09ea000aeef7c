package cleanup

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides admin HTTP endpoints for the reconciliation worker.
type Handler struct {
	worker *Worker
	logger *slog.Logger
}

func NewHandler(worker *Worker, logger *slog.Logger) *Handler {
	return &Handler{worker: worker, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reconciliation/run", h.Run)
	r.GET("/reconciliation/exceptions", h.ListExceptions)
	r.PUT("/reconciliation/exceptions/:userId", h.PutException)
	r.DELETE("/reconciliation/exceptions/:userId", h.DeleteException)
}

// Run handles POST /admin/reconciliation/run. It executes a full
// reconciliation pass synchronously and returns the report.
func (h *Handler) Run(c *gin.Context) {
	report := h.worker.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

// ListExceptions handles GET /admin/reconciliation/exceptions
func (h *Handler) ListExceptions(c *gin.Context) {
	exceptions, err := h.worker.exceptions.List(c.Request.Context())
	if err != nil {
		h.logger.Error("listing reconciliation exceptions failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list exceptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"exceptions": exceptions, "count": len(exceptions)})
}

type putExceptionRequest struct {
	Reason    string `json:"reason" binding:"required"`
	CreatedBy string `json:"createdBy" binding:"required"`
	TTLHours  int    `json:"ttlHours"`
}

// PutException handles PUT /admin/reconciliation/exceptions/:userId.
// It shields a user from drift correction, typically while a deposit or
// withdrawal is in flight.
func (h *Handler) PutException(c *gin.Context) {
	userID := c.Param("userId")
	var req putExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("userId", userID),
		validation.MaxLength("reason", req.Reason, 256),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	ttl := time.Duration(req.TTLHours) * time.Hour
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := time.Now().UTC()
	exc := &Exception{
		UserID:    userID,
		Reason:    req.Reason,
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := h.worker.exceptions.Put(c.Request.Context(), exc); err != nil {
		h.logger.Error("storing reconciliation exception failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to store exception"})
		return
	}
	h.logger.Info("reconciliation exception set", "user", userID, "reason", req.Reason, "expires", exc.ExpiresAt)
	c.JSON(http.StatusOK, exc)
}

// DeleteException handles DELETE /admin/reconciliation/exceptions/:userId
func (h *Handler) DeleteException(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.worker.exceptions.Delete(c.Request.Context(), userID); err != nil {
		if errors.Is(err, ErrExceptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no exception for user"})
			return
		}
		h.logger.Error("deleting reconciliation exception failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete exception"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": userID})
}
