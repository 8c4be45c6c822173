package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/admitflow/internal/middleware"
	"github.com/lalith-99/admitflow/internal/payment"
	"go.uber.org/zap"
)

// PaymentHandler exposes the pull path and payment reads.
type PaymentHandler struct {
	reconciler *payment.Reconciler
	logger     *zap.Logger
}

func NewPaymentHandler(reconciler *payment.Reconciler, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler, logger: logger}
}

type verifyRequest struct {
	Provider    string `json:"provider" binding:"required"`
	ProviderRef string `json:"provider_ref" binding:"required"`
}

// Verify handles POST /v1/payments/verify. The client calls it after the
// provider redirects back, without waiting for the webhook.
func (h *PaymentHandler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, bindError(err))
		return
	}
	provider, err := parseProvider(req.Provider)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	p, err := h.reconciler.Verify(c.Request.Context(), middleware.GetPrincipal(c), provider, req.ProviderRef)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Get handles GET /v1/payments/:id
func (h *PaymentHandler) Get(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	p, err := h.reconciler.Get(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Refund handles POST /v1/payments/:id/refund
func (h *PaymentHandler) Refund(c *gin.Context) {
	id, err := pathUUID(c, "id")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	p, err := h.reconciler.Refund(c.Request.Context(), middleware.GetPrincipal(c), id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
