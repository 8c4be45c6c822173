package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
)

// Context keys for values stored in gin.Context.
const (
	ContextKeyPrincipal = "principal"

	// TenantQueryParam and TenantHeader let a caller name the tenant a
	// request is about when the route does not already carry it.
	TenantQueryParam = "tenant_id"
	TenantHeader     = "X-Tenant-ID"
)

// Authenticator turns a bearer credential into a verified principal.
// *auth.PrincipalResolver implements it.
type Authenticator interface {
	Resolve(ctx context.Context, credential string) (models.Principal, error)
}

// AuthMiddleware resolves the caller once per request and stores the
// principal for the handlers behind it. Every failure answers 401 with the
// same body, whatever the reason.
func AuthMiddleware(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := authn.Resolve(c.Request.Context(), bearerToken(c.GetHeader("Authorization")))
		if err != nil {
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.MessageOf(err)})
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Next()
	}
}

// bearerToken extracts the token from "Bearer <token>". Anything else
// yields "", which the authenticator rejects.
func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// GetPrincipal returns the principal stored by AuthMiddleware. The zero
// Principal comes back on routes that are not behind the middleware.
func GetPrincipal(c *gin.Context) models.Principal {
	val, exists := c.Get(ContextKeyPrincipal)
	if !exists {
		return models.Principal{}
	}
	p, ok := val.(models.Principal)
	if !ok {
		return models.Principal{}
	}
	return p
}

// TenantFromRequest picks the tenant a request targets: the tenant_id query
// parameter, then the X-Tenant-ID header, then the tenant the session was
// issued for. ok is false when none is present; err is InvalidArgument
// when an explicit value is not a UUID.
func TenantFromRequest(c *gin.Context) (id uuid.UUID, ok bool, err error) {
	const op = "middleware.TenantFromRequest"

	for _, raw := range []string{c.Query(TenantQueryParam), c.GetHeader(TenantHeader)} {
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, false, apperr.New(apperr.KindInvalidArgument, op, "tenant id must be a UUID")
		}
		return id, true, nil
	}

	if p := GetPrincipal(c); p.TenantID != uuid.Nil {
		return p.TenantID, true, nil
	}
	return uuid.Nil, false, nil
}
