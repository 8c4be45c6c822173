package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/payment"
	"go.uber.org/zap"
)

// maxWebhookBody caps the raw payload read for signature checking.
const maxWebhookBody = 1 << 20

// WebhookHandler is the push path. Providers redeliver on any non-2xx, so
// 200 means "accepted or nothing to do" and everything else asks for a
// retry or reports a bad delivery.
type WebhookHandler struct {
	reconciler *payment.Reconciler
	logger     *zap.Logger
}

func NewWebhookHandler(reconciler *payment.Reconciler, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{reconciler: reconciler, logger: logger}
}

// Handle returns the handler for one provider's webhook route.
func (h *WebhookHandler) Handle(provider models.PaymentProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		// The signature covers the exact bytes, so the body is read raw
		// and never bound.
		payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload too large"})
				return
			}
			respondError(c, h.logger, apperr.Wrap(apperr.KindInvalidArgument, "api.Webhook", "unreadable body", err))
			return
		}

		if err := h.reconciler.HandleWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
