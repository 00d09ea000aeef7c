package directory

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for the user directory.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.Register)
	r.GET("/users", h.List)
	r.GET("/users/:userId", h.Get)
	r.POST("/users/:userId/address", h.LinkAddress)
}

type registerRequest struct {
	ID          string `json:"id" binding:"required"`
	Address     string `json:"address"`
	DisplayName string `json:"displayName"`
}

// Register handles POST /users
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("id", req.ID),
		validation.MaxLength("displayName", req.DisplayName, 64),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	if req.Address != "" && !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be 0x followed by 40 hex characters"})
		return
	}

	user, err := h.svc.Register(c.Request.Context(), req.ID, req.Address, req.DisplayName)
	if err != nil {
		if errors.Is(err, ErrAddressTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "address_taken", "message": "address already linked to another user"})
			return
		}
		h.logger.Error("registering user failed", "user", req.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to register user"})
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Get handles GET /users/:userId
func (h *Handler) Get(c *gin.Context) {
	user, err := h.svc.Resolve(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load user"})
		return
	}
	c.JSON(http.StatusOK, user)
}

// List handles GET /users
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	users, err := h.svc.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("listing users failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list users"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

type linkAddressRequest struct {
	Address string `json:"address" binding:"required"`
}

// LinkAddress handles POST /users/:userId/address
func (h *Handler) LinkAddress(c *gin.Context) {
	userID := c.Param("userId")
	var req linkAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "address must be 0x followed by 40 hex characters"})
		return
	}

	if err := h.svc.LinkAddress(c.Request.Context(), userID, req.Address); err != nil {
		switch {
		case errors.Is(err, ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "user not found"})
		case errors.Is(err, ErrAddressTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "address_taken", "message": "address already linked to another user"})
		default:
			h.logger.Error("linking address failed", "user", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to link address"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"linked": req.Address})
}
