package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/admitflow/internal/auth"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler issues session credentials. Login is the only public
// endpoint besides health and webhooks.
type AuthHandler struct {
	accounts  repository.AccountRepository
	jwtSecret string
	ttl       time.Duration
	logger    *zap.Logger
}

func NewAuthHandler(accounts repository.AccountRepository, jwtSecret string, ttl time.Duration, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{accounts: accounts, jwtSecret: jwtSecret, ttl: ttl, logger: logger}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

type authResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	account, err := h.accounts.GetByEmail(c.Request.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		h.logger.Error("failed to find account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	// One answer for unknown email, wrong password and inactive account.
	if account == nil || !account.Active() ||
		bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid email or password"})
		return
	}

	token, err := auth.GenerateToken(account, h.jwtSecret, h.ttl)
	if err != nil {
		h.logger.Error("failed to generate token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}

	c.JSON(http.StatusOK, authResponse{Token: token, ExpiresAt: time.Now().Add(h.ttl).UTC()})
}
