package trade

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/ledger"
	"github.com/tomascrow/peervault/internal/market"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for the trade lifecycle.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/:id", h.GetTrade)
	r.POST("/trades/:id/payment-made", h.MarkPaymentMade)
	r.POST("/trades/:id/confirm", h.ConfirmPayment)
	r.POST("/trades/:id/cancel", h.CancelTrade)
	r.GET("/users/:userId/trades", h.ListByUser)
}

type createTradeRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	TakerID string `json:"takerId" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// CreateTrade handles POST /trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req createTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("takerId", req.TakerID),
		validation.ValidAmount("amount", req.Amount),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}

	t, err := h.svc.Create(c.Request.Context(), req.OrderID, req.TakerID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, market.ErrOrderNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "order not found"})
		case errors.Is(err, market.ErrOrderNotOpen):
			c.JSON(http.StatusConflict, gin.H{"error": "order_closed", "message": "order is no longer open"})
		case errors.Is(err, market.ErrExceedsRemaining):
			c.JSON(http.StatusConflict, gin.H{"error": "exceeds_remaining", "message": "requested amount exceeds the order's remaining quantity"})
		case errors.Is(err, market.ErrSelfTrade):
			c.JSON(http.StatusBadRequest, gin.H{"error": "self_trade", "message": "cannot trade against your own order"})
		case errors.Is(err, ledger.ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": "seller balance does not cover the trade amount"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "trade_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTrade handles GET /trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	t, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTradeNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "trade not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "trade_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, t)
}

type actorRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// MarkPaymentMade handles POST /trades/:id/payment-made
func (h *Handler) MarkPaymentMade(c *gin.Context) {
	h.transition(c, h.svc.MarkPaymentMade)
}

// ConfirmPayment handles POST /trades/:id/confirm
func (h *Handler) ConfirmPayment(c *gin.Context) {
	h.transition(c, h.svc.ConfirmPayment)
}

// CancelTrade handles POST /trades/:id/cancel
func (h *Handler) CancelTrade(c *gin.Context) {
	h.transition(c, h.svc.Cancel)
}

// transition is the shared shape of the three actor-driven lifecycle
// endpoints: bind the actor, run the service call, map the errors.
func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, id, userID string) (*Trade, error)) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := fn(c.Request.Context(), c.Param("id"), req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTradeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "trade not found"})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		case errors.Is(err, ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "trade_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListByUser handles GET /users/:userId/trades
func (h *Handler) ListByUser(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user id"})
		return
	}
	trades, err := h.svc.ListByUser(c.Request.Context(), userID, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}
