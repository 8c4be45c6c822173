package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/admitflow/internal/models"
)

type AccountStore struct {
	pool *pgxpool.Pool
}

func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountColumns = `id, email, display_name, global_role, tenant_id, password_hash, disabled, deleted_at, created_at`

func (s *AccountStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	a, err := scanAccount(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// GetByEmail looks up an account by email, case-insensitively and across
// tenants.
func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE lower(email) = lower($1)`

	a, err := scanAccount(s.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a        models.Account
		role     string
		tenantID *uuid.UUID
	)
	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.DisplayName,
		&role,
		&tenantID,
		&a.PasswordHash,
		&a.Disabled,
		&a.DeletedAt,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.GlobalRole = models.GlobalRole(role)
	if !a.GlobalRole.Valid() {
		return nil, fmt.Errorf("account %s: unknown global role %q", a.ID, role)
	}
	if tenantID != nil {
		a.TenantID = *tenantID
	}
	return &a, nil
}
