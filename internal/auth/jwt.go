package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/models"
)

const issuer = "admitflow"

// Claims is the payload of a session credential.
//
// GlobalRole is carried for clients that want to render role-dependent UI
// without another round trip. The server never trusts it: PrincipalResolver
// re-reads the role from the account record on every request.
type Claims struct {
	UserID     uuid.UUID         `json:"user_id"`
	TenantID   uuid.UUID         `json:"tenant_id,omitempty"`
	Email      string            `json:"email"`
	GlobalRole models.GlobalRole `json:"global_role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 session credential for an account.
func GenerateToken(a *models.Account, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		UserID:     a.ID,
		TenantID:   a.TenantID,
		Email:      a.Email,
		GlobalRole: a.GlobalRole,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies signature, expiry, issuer and signing method, and
// returns the claims.
//
// Only HMAC methods are accepted; a token declaring "none" or an asymmetric
// algorithm is rejected before the key is handed out.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.UserID == uuid.Nil {
		return nil, fmt.Errorf("token has no user id")
	}
	return claims, nil
}
