package notify

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/security"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	webhooks *WebhookNotifier
	logger   *slog.Logger
}

func NewHandler(webhooks *WebhookNotifier, logger *slog.Logger) *Handler {
	return &Handler{webhooks: webhooks, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/webhooks", h.Subscribe)
	r.GET("/users/:userId/webhooks", h.List)
	r.DELETE("/users/:userId/webhooks/:webhookId", h.Unsubscribe)
}

type subscribeRequest struct {
	URL    string   `json:"url" binding:"required"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

// Subscribe handles POST /users/:userId/webhooks
func (h *Handler) Subscribe(c *gin.Context) {
	userID := c.Param("userId")
	var req subscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(validation.ValidUserID("userId", userID)); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	// Endpoints must be public HTTPS URLs so the dispatcher cannot be
	// pointed at internal services.
	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	sub, err := h.webhooks.Subscribe(c.Request.Context(), userID, req.URL, req.Secret, req.Events)
	if err != nil {
		h.logger.Error("creating webhook subscription failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create subscription"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// List handles GET /users/:userId/webhooks
func (h *Handler) List(c *gin.Context) {
	userID := c.Param("userId")
	subs, err := h.webhooks.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("listing webhook subscriptions failed", "user", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Unsubscribe handles DELETE /users/:userId/webhooks/:webhookId
func (h *Handler) Unsubscribe(c *gin.Context) {
	id := c.Param("webhookId")
	if err := h.webhooks.Unsubscribe(c.Request.Context(), id); err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook subscription not found"})
			return
		}
		h.logger.Error("deleting webhook subscription failed", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete subscription"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}
