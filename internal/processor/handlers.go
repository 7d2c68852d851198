package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/metrics"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/status"
)

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	processor     *Processor
	webhookSecret string
}

// NewHandler creates a new payment handler.
func NewHandler(processor *Processor, webhookSecret string) *Handler {
	return &Handler{processor: processor, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/payin", h.Payin)
	r.POST("/payments/payout", h.Payout)
	r.GET("/payments/:id", h.GetTransaction)
	r.GET("/payments/:id/history", h.GetHistory)
	r.GET("/balances", h.Balances)
	r.POST("/webhooks/:provider", h.Webhook)
	r.POST("/escrows/:id/release", h.ReleaseEscrow)
	r.POST("/escrows/:id/refund", h.RefundEscrow)
}

// Payin handles POST /v1/payments/payin
func (h *Handler) Payin(c *gin.Context) {
	var req PayinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result := h.processor.ProcessPayin(c.Request.Context(), req)
	c.JSON(resultCode(result), result)
}

// Payout handles POST /v1/payments/payout
func (h *Handler) Payout(c *gin.Context) {
	var req PayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result := h.processor.ProcessPayout(c.Request.Context(), req)
	c.JSON(resultCode(result), result)
}

// GetTransaction handles GET /v1/payments/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	tx, err := h.processor.states.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, state.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction found with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// GetHistory handles GET /v1/payments/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.processor.states.History(c.Request.Context(), c.Param("id"), 100)
	if err != nil {
		if errors.Is(err, state.ErrTransactionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction found with this id",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"count":   len(entries),
	})
}

// Balances handles GET /v1/balances?currencies=BTC,NGN
func (h *Handler) Balances(c *gin.Context) {
	var currencies []string
	if q := c.Query("currencies"); q != "" {
		currencies = strings.Split(q, ",")
	}
	c.JSON(http.StatusOK, h.processor.CheckBalance(c.Request.Context(), currencies))
}

// Webhook handles POST /v1/webhooks/:provider
//
// The payload is the provider-agnostic WebhookEvent shape; a thin relay
// in front of this service translates each provider's native callback.
// The signature covers the raw body.
func (h *Handler) Webhook(c *gin.Context) {
	providerName := c.Param("provider")

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}

	sig := c.GetHeader("X-Payrail-Signature")
	if err := VerifySignature(body, sig, h.webhookSecret); err != nil {
		metrics.WebhooksReceivedTotal.WithLabelValues(providerName, "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "bad_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	ev.Provider = providerName

	if err := h.processor.HandleWebhook(c.Request.Context(), ev); err != nil {
		if errors.Is(err, ErrUnknownWebhook) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No transaction matches this callback reference",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

type escrowPaymentRequest struct {
	UserID   string `json:"userId" binding:"required"`
	Amount   string `json:"amount" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

// ReleaseEscrow handles POST /v1/escrows/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.escrowPayment(c, h.processor.ReleaseEscrow)
}

// RefundEscrow handles POST /v1/escrows/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.escrowPayment(c, h.processor.RefundEscrow)
}

func (h *Handler) escrowPayment(c *gin.Context, op func(ctx context.Context, escrowID, userID string, amount decimal.Decimal, currency string) (bool, error)) {
	var req escrowPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be a positive decimal"})
		return
	}

	ok, err := op(c.Request.Context(), c.Param("id"), req.UserID, amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": "Escrow is not in a state that allows this operation",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// resultCode maps a PaymentResult onto an HTTP status. Failures are
// well-formed responses, not transport errors, but business/permanent
// rejections read as 422 so operators spot them in access logs.
func resultCode(r PaymentResult) int {
	if r.Success || r.Status == status.Awaiting {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}
