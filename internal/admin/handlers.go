package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/chain"
	"github.com/tomascrow/peervault/internal/trade"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	escrow EscrowAdmin
	trades TradeAdmin
	logger *slog.Logger
}

func NewHandler(escrow EscrowAdmin, trades TradeAdmin, logger *slog.Logger) *Handler {
	return &Handler{escrow: escrow, trades: trades, logger: logger}
}

// RegisterRoutes sets up admin routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transfers/pending", h.listPendingTransfers)
	r.POST("/transfers/:txId/resolve", h.resolveTransfer)
	r.GET("/trades/overdue", h.listOverdueTrades)
	r.POST("/trades/:id/expire", h.expireTrade)
}

// listPendingTransfers returns escrow releases whose custody leg has
// not confirmed yet.
func (h *Handler) listPendingTransfers(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	transfers, err := h.escrow.PendingTransfers(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("listing pending transfers failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list pending transfers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "count": len(transfers)})
}

type resolveTransferRequest struct {
	Confirmed *bool `json:"confirmed" binding:"required"`
}

// resolveTransfer settles a pending custody transfer by hand when the
// watcher cannot decide it, either confirming the payout or failing it
// so the funds return to the sender.
func (h *Handler) resolveTransfer(c *gin.Context) {
	txID := c.Param("txId")
	var req resolveTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := h.escrow.ResolveTransfer(c.Request.Context(), txID, *req.Confirmed); err != nil {
		if errors.Is(err, chain.ErrTransferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no pending transfer with that id"})
			return
		}
		h.logger.Error("resolving transfer failed", "tx", txID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to resolve transfer"})
		return
	}
	h.logger.Warn("custody transfer resolved by admin", "tx", txID, "confirmed", *req.Confirmed)
	c.JSON(http.StatusOK, gin.H{"resolved": txID, "confirmed": *req.Confirmed})
}

// listOverdueTrades returns non-terminal trades past their deadline.
func (h *Handler) listOverdueTrades(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}

	trades, err := h.trades.ListOverdue(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("listing overdue trades failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list overdue trades"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// expireTrade forces a single overdue trade through expiry, refunding
// its escrow.
func (h *Handler) expireTrade(c *gin.Context) {
	id := c.Param("id")
	t, err := h.trades.Expire(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, trade.ErrTradeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "trade not found"})
		case errors.Is(err, trade.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
		default:
			h.logger.Error("forced expiry failed", "trade", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to expire trade"})
		}
		return
	}
	h.logger.Warn("trade expired by admin", "trade", id)
	c.JSON(http.StatusOK, t)
}
