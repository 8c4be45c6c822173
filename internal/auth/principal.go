// Package auth turns session credentials into verified principals.
package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
)

// PrincipalResolver verifies a bearer credential and loads the account
// behind it.
type PrincipalResolver struct {
	secret   string
	accounts repository.AccountRepository
	logger   *zap.Logger
}

func NewPrincipalResolver(secret string, accounts repository.AccountRepository, logger *zap.Logger) *PrincipalResolver {
	return &PrincipalResolver{secret: secret, accounts: accounts, logger: logger}
}

// Resolve returns the principal for credential.
//
// A missing, malformed, expired or forged credential, an unknown account
// and a disabled or deleted account all fail with the same Unauthenticated
// error, so a caller cannot tell which accounts exist. The reason is only
// logged.
func (r *PrincipalResolver) Resolve(ctx context.Context, credential string) (models.Principal, error) {
	const op = "auth.Resolve"
	unauthenticated := apperr.New(apperr.KindUnauthenticated, op, "invalid or expired credential")

	if credential == "" {
		return models.Principal{}, unauthenticated
	}

	claims, err := ParseToken(credential, r.secret)
	if err != nil {
		r.logger.Debug("credential rejected", zap.Error(err))
		return models.Principal{}, unauthenticated
	}

	account, err := r.accounts.GetByID(ctx, claims.UserID)
	if err != nil {
		return models.Principal{}, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if account == nil {
		r.logger.Info("credential for unknown account", zap.String("actor", claims.UserID.String()))
		return models.Principal{}, unauthenticated
	}
	if !account.Active() {
		r.logger.Info("credential for inactive account",
			zap.String("actor", account.ID.String()),
			zap.Bool("disabled", account.Disabled),
			zap.Bool("deleted", account.DeletedAt != nil),
		)
		return models.Principal{}, unauthenticated
	}

	tenantID := account.TenantID
	if tenantID == uuid.Nil {
		tenantID = claims.TenantID
	}
	return models.Principal{
		ID:         account.ID,
		Email:      account.Email,
		GlobalRole: account.GlobalRole,
		TenantID:   tenantID,
	}, nil
}
