package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/admitflow/internal/middleware"
	"github.com/lalith-99/admitflow/internal/models"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth         *AuthHandler
	Users        *UserHandler
	Permissions  *PermissionHandler
	Applications *ApplicationHandler
	Payments     *PaymentHandler
	Webhooks     *WebhookHandler

	// Authenticator guards every /v1 route except health and login.
	Authenticator middleware.Authenticator
	// Health reports readiness of the backing store; nil always answers ok.
	Health func(*gin.Context) error
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the gin engine with every route of the service.
func NewRouter(h Handlers) *gin.Engine {
	srv := gin.New()
	srv.Use(gin.Logger(), gin.Recovery())

	srv.GET("/v1/health", func(c *gin.Context) {
		if h.Health != nil {
			if err := h.Health(c); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if h.Metrics != nil {
		srv.GET("/metrics", gin.WrapH(h.Metrics))
	}

	srv.POST("/v1/auth/login", h.Auth.Login)

	// Webhooks authenticate by signature, not by session.
	hooks := srv.Group("/webhooks")
	hooks.POST("/stripe", h.Webhooks.Handle(models.ProviderStripe))
	hooks.POST("/moncash", h.Webhooks.Handle(models.ProviderMonCash))

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(h.Authenticator))

	v1.GET("/users/me", h.Users.GetMe)
	v1.GET("/permissions", h.Permissions.Get)

	apps := v1.Group("/applications/:id")
	apps.GET("", h.Applications.Get)
	apps.GET("/timeline", h.Applications.Timeline)
	apps.POST("/status", h.Applications.Transition)
	apps.POST("/reviewer", h.Applications.AssignReviewer)
	apps.POST("/notes", h.Applications.AddNote)
	apps.POST("/documents/:docId/status", h.Applications.SetDocumentStatus)
	apps.POST("/checkout", h.Applications.Checkout)

	v1.POST("/bulk/reviewer-assignments", h.Applications.BulkAssignReviewer)

	v1.POST("/payments/verify", h.Payments.Verify)
	v1.GET("/payments/:id", h.Payments.Get)
	v1.POST("/payments/:id/refund", h.Payments.Refund)

	return srv
}
