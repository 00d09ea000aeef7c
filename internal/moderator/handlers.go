package moderator

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/trade"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides admin HTTP endpoints for the moderator pool.
type Handler struct {
	pool   *Pool
	logger *slog.Logger
}

func NewHandler(pool *Pool, logger *slog.Logger) *Handler {
	return &Handler{pool: pool, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/moderators", h.Register)
	r.GET("/moderators", h.List)
	r.GET("/moderators/:userId", h.Get)
	r.POST("/moderators/:userId/active", h.SetActive)
	r.POST("/moderators/:userId/heartbeat", h.Heartbeat)
}

type registerRequest struct {
	UserID          string   `json:"userId" binding:"required"`
	DisplayName     string   `json:"displayName" binding:"required"`
	Specializations []string `json:"specializations"`
}

// Register handles POST /moderators
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.MaxLength("displayName", req.DisplayName, 64),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	cats := make([]trade.Category, len(req.Specializations))
	for i, s := range req.Specializations {
		cats[i] = trade.Category(s)
	}

	m, err := h.pool.Register(c.Request.Context(), req.UserID, req.DisplayName, cats)
	if err != nil {
		if errors.Is(err, ErrModeratorExists) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_registered", "message": "moderator already registered"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "moderator_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, m)
}

// List handles GET /moderators
func (h *Handler) List(c *gin.Context) {
	mods, err := h.pool.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"moderators": mods, "count": len(mods)})
}

// Get handles GET /moderators/:userId
func (h *Handler) Get(c *gin.Context) {
	m, err := h.pool.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrModeratorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "moderator not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "moderator_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

type setActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive handles POST /moderators/:userId/active
func (h *Handler) SetActive(c *gin.Context) {
	var req setActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	m, err := h.pool.SetActive(c.Request.Context(), c.Param("userId"), *req.Active)
	if err != nil {
		if errors.Is(err, ErrModeratorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "moderator not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "moderator_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, m)
}

// Heartbeat handles POST /moderators/:userId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	if err := h.pool.Heartbeat(c.Request.Context(), c.Param("userId")); err != nil {
		if errors.Is(err, ErrModeratorNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "moderator not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "moderator_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "online"})
}
