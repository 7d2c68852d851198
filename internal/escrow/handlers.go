package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/state"
)

// Handler provides HTTP endpoints for escrow domain operations.
// Release and refund live on the payment layer; this surface covers
// lifecycle transitions that move no money except an optional cancel
// refund.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows/:id", h.Get)
	r.GET("/users/:userId/escrows", h.ListByUser)
	r.POST("/escrows/:id/status", h.ChangeStatus)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// Create handles POST /v1/escrows
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	e, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrSameParty) || errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// Get handles GET /v1/escrows/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No escrow found with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ListByUser handles GET /v1/users/:userId/escrows
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ChangeStatus handles POST /v1/escrows/:id/status
func (h *Handler) ChangeStatus(c *gin.Context) {
	var req ChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	ok, err := h.service.ChangeStatus(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "This status change is not allowed from the escrow's current state",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type cancelRequest struct {
	Actor  state.Actor `json:"actor"`
	Reason string      `json:"reason" binding:"required"`
	Refund string      `json:"refund"` // optional decimal amount credited to the buyer
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	var refund *decimal.Decimal
	if req.Refund != "" {
		d, err := decimal.NewFromString(req.Refund)
		if err != nil || !d.IsPositive() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "refund must be a positive decimal"})
			return
		}
		refund = &d
	}

	actor := req.Actor
	if actor == "" {
		actor = state.ActorUser
	}

	ok, err := h.service.CancelWithRefund(c.Request.Context(), c.Param("id"), actor, req.Reason, refund)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "This escrow cannot be cancelled from its current state",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	if errors.Is(err, ErrEscrowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No escrow found with this id",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
