package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/middleware"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/permission"
	"go.uber.org/zap"
)

// PermissionHandler answers "what may I do in this tenant".
type PermissionHandler struct {
	perms  *permission.Resolver
	logger *zap.Logger
}

func NewPermissionHandler(perms *permission.Resolver, logger *zap.Logger) *PermissionHandler {
	return &PermissionHandler{perms: perms, logger: logger}
}

type permissionsResponse struct {
	TenantID        uuid.UUID               `json:"tenant_id"`
	Role            models.TenantRole       `json:"role"`
	Capabilities    []permission.Capability `json:"capabilities"`
	IsPlatformAdmin bool                    `json:"is_platform_admin"`
	IsLegacyAdmin   bool                    `json:"is_legacy_admin"`
}

// Get handles GET /v1/permissions. The tenant comes from the tenant_id
// query, the X-Tenant-ID header or the session, in that order.
func (h *PermissionHandler) Get(c *gin.Context) {
	tenantID, ok, err := middleware.TenantFromRequest(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !ok {
		respondError(c, h.logger, apperr.New(apperr.KindInvalidArgument, "api.Permissions", "tenant_id is required"))
		return
	}

	res, err := h.perms.Resolve(c.Request.Context(), middleware.GetPrincipal(c), tenantID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, permissionsResponse{
		TenantID:        res.TenantID,
		Role:            res.Role,
		Capabilities:    res.Capabilities.Sorted(),
		IsPlatformAdmin: res.IsPlatformAdmin,
		IsLegacyAdmin:   res.IsLegacyAdmin,
	})
}
