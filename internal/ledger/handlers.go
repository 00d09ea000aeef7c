package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/pagination"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for balances and escrow history.
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// RegisterRoutes sets up public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/balances/:token", h.GetBalance)
	r.GET("/users/:userId/transactions", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/credits", h.Credit)
	r.POST("/admin/adjustments", h.Adjust)
	r.GET("/admin/conservation/:token", h.Conservation)
}

// GetBalance handles GET /users/:userId/balances/:token
func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	tok := c.Param("token")
	if !validation.IsValidUserID(userID) || !validation.IsValidTokenSymbol(tok) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user id or token symbol"})
		return
	}
	bal, err := h.manager.GetBalance(c.Request.Context(), userID, tok)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, bal)
}

// GetHistory handles GET /users/:userId/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	userID := c.Param("userId")
	if !validation.IsValidUserID(userID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid user id"})
		return
	}
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be 1-500"})
			return
		}
		limit = n
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "malformed cursor"})
		return
	}
	// Fetch one extra row to know whether another page exists.
	txs, err := h.manager.History(c.Request.Context(), userID, cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_error", "message": err.Error()})
		return
	}
	txs, next, hasMore := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

type creditRequest struct {
	UserID string `json:"userId" binding:"required"`
	Token  string `json:"token" binding:"required"`
	Amount string `json:"amount" binding:"required"`
	Ref    string `json:"ref"`
	Reason string `json:"reason"`
}

// Credit handles POST /admin/credits
func (h *Handler) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.ValidTokenSymbol("token", req.Token),
		validation.ValidAmount("amount", req.Amount),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	tx, err := h.manager.Credit(c.Request.Context(), req.UserID, req.Token, req.Amount, req.Ref, req.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "credit_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, tx)
}

type adjustRequest struct {
	UserID string `json:"userId" binding:"required"`
	Token  string `json:"token" binding:"required"`
	Delta  string `json:"delta" binding:"required"`
	Ref    string `json:"ref" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

// Adjust handles POST /admin/adjustments
func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	tx, err := h.manager.AdminAdjust(c.Request.Context(), req.UserID, req.Token, req.Delta, req.Ref, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		case errors.Is(err, ErrInsufficientFunds):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "adjust_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, tx)
}

// Conservation handles GET /admin/conservation/:token
func (h *Handler) Conservation(c *gin.Context) {
	tok := c.Param("token")
	if !validation.IsValidTokenSymbol(tok) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid token symbol"})
		return
	}
	internal, external, err := h.manager.Conservation(c.Request.Context(), tok)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "conservation_error", "message": err.Error()})
		return
	}
	resp := gin.H{"token": tok, "internalTotal": internal.String()}
	if external != nil {
		resp["custodyBalance"] = external.String()
		resp["drift"] = internal.Sub(internal, external).String()
	}
	c.JSON(http.StatusOK, resp)
}
