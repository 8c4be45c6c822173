package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/admitflow/internal/middleware"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
)

// UserHandler serves the caller's own account.
type UserHandler struct {
	accounts repository.AccountRepository
	logger   *zap.Logger
}

func NewUserHandler(accounts repository.AccountRepository, logger *zap.Logger) *UserHandler {
	return &UserHandler{accounts: accounts, logger: logger}
}

// GetMe handles GET /v1/users/me
//
// The principal was loaded by the auth middleware a moment ago, so a
// missing account here means it was deleted in between.
func (h *UserHandler) GetMe(c *gin.Context) {
	principal := middleware.GetPrincipal(c)

	account, err := h.accounts.GetByID(c.Request.Context(), principal.ID)
	if err != nil {
		h.logger.Error("failed to get account", zap.String("actor", principal.ID.String()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get account"})
		return
	}
	if account == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	c.JSON(http.StatusOK, account)
}
