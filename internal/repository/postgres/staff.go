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

type StaffStore struct {
	pool *pgxpool.Pool
}

func NewStaffStore(pool *pgxpool.Pool) *StaffStore {
	return &StaffStore{pool: pool}
}

// Get returns the granular staff record, or nil, nil when the principal is
// not on the tenant's staff.
func (s *StaffStore) Get(ctx context.Context, tenantID, principalID uuid.UUID) (*models.StaffMember, error) {
	query := `
		SELECT university_id, principal_id, role, created_at
		FROM university_staff
		WHERE university_id = $1 AND principal_id = $2`

	var (
		m    models.StaffMember
		role string
	)
	err := s.pool.QueryRow(ctx, query, tenantID, principalID).Scan(
		&m.TenantID,
		&m.PrincipalID,
		&role,
		&m.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get staff member: %w", err)
	}

	// Unknown roles are rejected here, at the store boundary, so the
	// resolver only ever sees the closed set.
	m.Role = models.TenantRole(role)
	if !m.Role.Valid() {
		return nil, fmt.Errorf("staff member %s/%s: unknown role %q", tenantID, principalID, role)
	}
	return &m, nil
}
