package dispute

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tomascrow/peervault/internal/trade"
	"github.com/tomascrow/peervault/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	svc    *Service
	mods   ModeratorLister
	logger *slog.Logger
}

func NewHandler(svc *Service, mods ModeratorLister, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, mods: mods, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades/:id/dispute", h.Initiate)
	r.POST("/trades/:id/dispute/evidence", h.SubmitEvidence)
	r.POST("/trades/:id/dispute/evidence-request", h.RequestEvidence)
	r.POST("/trades/:id/dispute/review", h.BeginReview)
	r.POST("/trades/:id/dispute/resolve", h.Resolve)
	r.GET("/trades/:id/dispute/log", h.History)
	r.GET("/disputes/stats", h.Stats)
}

type initiateRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Category string `json:"category" binding:"required"`
	Reason   string `json:"reason" binding:"required"`
	Urgency  string `json:"urgency"`
}

// Initiate handles POST /trades/:id/dispute
func (h *Handler) Initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if verr := validation.Validate(
		validation.ValidUserID("userId", req.UserID),
		validation.MaxLength("reason", req.Reason, 2000),
	); verr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": verr.Error()})
		return
	}
	urgency := trade.Priority(req.Urgency)
	if req.Urgency == "" {
		urgency = trade.PriorityLow
	}

	t, err := h.svc.Initiate(c.Request.Context(), c.Param("id"), req.UserID, trade.Category(req.Category), req.Reason, urgency)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidCategory):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_category", "message": err.Error()})
		case errors.Is(err, trade.ErrTradeNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "trade not found"})
		case errors.Is(err, trade.ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
		case errors.Is(err, trade.ErrAlreadyDisputed):
			c.JSON(http.StatusConflict, gin.H{"error": "already_disputed", "message": "trade already has a dispute"})
		case errors.Is(err, trade.ErrInvalidTransition):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusCreated, t)
}

type evidenceRequest struct {
	UserID      string `json:"userId" binding:"required"`
	Type        string `json:"type" binding:"required"`
	Content     string `json:"content" binding:"required"`
	Description string `json:"description"`
}

// SubmitEvidence handles POST /trades/:id/dispute/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.svc.SubmitEvidence(c.Request.Context(), c.Param("id"), req.UserID, req.Type, req.Content, req.Description)
	if err != nil {
		h.disputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type moderatorRequest struct {
	ModeratorID string `json:"moderatorId" binding:"required"`
	FromUserID  string `json:"fromUserId"`
}

// RequestEvidence handles POST /trades/:id/dispute/evidence-request
func (h *Handler) RequestEvidence(c *gin.Context) {
	var req moderatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.svc.RequestEvidence(c.Request.Context(), c.Param("id"), req.ModeratorID, req.FromUserID)
	if err != nil {
		h.disputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// BeginReview handles POST /trades/:id/dispute/review
func (h *Handler) BeginReview(c *gin.Context) {
	var req moderatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.svc.BeginReview(c.Request.Context(), c.Param("id"), req.ModeratorID)
	if err != nil {
		h.disputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type resolveRequest struct {
	ModeratorID  string `json:"moderatorId" binding:"required"`
	Outcome      string `json:"outcome" binding:"required"`
	Compensation string `json:"compensationAmount"`
	Notes        string `json:"notes"`
}

// Resolve handles POST /trades/:id/dispute/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	t, err := h.svc.Resolve(c.Request.Context(), c.Param("id"), req.ModeratorID, trade.Outcome(req.Outcome), req.Compensation, req.Notes)
	if err != nil {
		if errors.Is(err, ErrInvalidCompensation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_compensation", "message": err.Error()})
			return
		}
		h.disputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// History handles GET /trades/:id/dispute/log
func (h *Handler) History(c *gin.Context) {
	entries, err := h.svc.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "log_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Stats handles GET /disputes/stats
func (h *Handler) Stats(c *gin.Context) {
	o, err := h.svc.Stats(c.Request.Context(), h.mods, 1000)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stats_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) disputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trade.ErrTradeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "trade not found"})
	case errors.Is(err, ErrNoDispute):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_dispute", "message": "trade has no dispute"})
	case errors.Is(err, trade.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, trade.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_transition", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dispute_error", "message": err.Error()})
	}
}
