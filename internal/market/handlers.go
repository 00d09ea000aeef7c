package market

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for the order book.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOpen)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
	r.GET("/users/:userId/orders", h.ListByUser)
}

type createOrderRequest struct {
	UserID    string `json:"userId" binding:"required"`
	Side      string `json:"side" binding:"required"`
	Token     string `json:"token" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	UnitPrice string `json:"unitPrice" binding:"required"`
	Currency  string `json:"currency" binding:"required"`
}

// CreateOrder handles POST /orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidTokenSymbol("token", req.Token),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidAmount("unitPrice", req.UnitPrice),
		validation.MaxLength("currency", req.Currency, 8),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}

	o, err := h.svc.Create(c.Request.Context(), req.UserID, Side(req.Side), req.Token, req.Amount, req.UnitPrice, req.Currency)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidOrder):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_order", "message": err.Error()})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": "available balance does not cover the sell amount"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, o)
}

// ListOpen handles GET /orders?token=WBTC&side=sell
func (h *Handler) ListOpen(c *gin.Context) {
	tok := c.Query("token")
	if !validation.IsValidTokenSymbol(tok) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "token query parameter required"})
		return
	}
	side := Side(c.Query("side"))
	if side != "" && side != SideBuy && side != SideSell {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "side must be buy or sell"})
		return
	}
	orders, err := h.svc.ListOpen(c.Request.Context(), tok, side, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// GetOrder handles GET /orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "order_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

type cancelOrderRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// CancelOrder handles POST /orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req cancelOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	o, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "order not found"})
		case errors.Is(err, ErrNotOrderOwner):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "only the order owner can cancel"})
		case errors.Is(err, ErrOrderNotOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "order_closed", "message": "order is no longer open"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, o)
}

// ListByUser handles GET /users/:userId/orders
func (h *Handler) ListByUser(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user id"})
		return
	}
	orders, err := h.svc.ListByUser(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}
