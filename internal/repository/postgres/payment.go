package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository"
)

type PaymentStore struct {
	pool *pgxpool.Pool
}

func NewPaymentStore(pool *pgxpool.Pool) *PaymentStore {
	return &PaymentStore{pool: pool}
}

const paymentColumns = `
	id, university_id, provider, provider_ref, amount_cents, currency, status,
	application_id, applicant_id, created_at, updated_at, paid_at, refunded_at`

// uniqueViolation is the Postgres SQLSTATE for unique constraint failures.
const uniqueViolation = "23505"

func (s *PaymentStore) Create(ctx context.Context, p *models.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.TenantID, string(p.Provider), nullableRef(p.ProviderRef), p.AmountCents, p.Currency, string(p.Status),
		p.Metadata.ApplicationID, p.Metadata.ApplicantID, p.CreatedAt, p.UpdatedAt, p.PaidAt, p.RefundedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PaymentStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	p, err := scanPayment(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) GetByProviderRef(ctx context.Context, provider models.PaymentProvider, ref string) (*models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_ref = $2`

	p, err := scanPayment(s.pool.QueryRow(ctx, query, string(provider), ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get payment by provider ref: %w", err)
	}
	return p, nil
}

func (s *PaymentStore) ListByApplication(ctx context.Context, applicationID uuid.UUID) ([]models.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE application_id = $1 ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	payments := make([]models.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

func (s *PaymentStore) SetProviderRef(ctx context.Context, id uuid.UUID, ref string) error {
	query := `
		UPDATE payments
		SET provider_ref = $2, updated_at = now()
		WHERE id = $1 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query, id, ref)
	if err != nil {
		if isUniqueViolation(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("set provider ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrVersionConflict
	}
	return nil
}

// UpdateByProviderRef takes a row lock (SELECT ... FOR UPDATE) so concurrent
// webhook and poll deliveries for the same reference serialize here, and
// only one of them observes the PENDING state.
func (s *PaymentStore) UpdateByProviderRef(ctx context.Context, provider models.PaymentProvider, ref string, fn repository.PaymentUpdateFunc) (*models.Payment, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin payment tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `SELECT ` + paymentColumns + ` FROM payments WHERE provider = $1 AND provider_ref = $2 FOR UPDATE`

	p, err := scanPayment(tx.QueryRow(ctx, query, string(provider), ref))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("lock payment: %w", err)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		p = nil
	}

	changed, err := fn(p)
	if err != nil {
		return p, err
	}
	if !changed || p == nil {
		return p, nil
	}

	update := `
		UPDATE payments
		SET status = $2, updated_at = $3, paid_at = $4, refunded_at = $5
		WHERE id = $1`

	if _, err := tx.Exec(ctx, update, p.ID, string(p.Status), p.UpdatedAt, p.PaidAt, p.RefundedAt); err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment tx: %w", err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var (
		p        models.Payment
		provider string
		ref      *string
		status   string
	)
	err := row.Scan(
		&p.ID,
		&p.TenantID,
		&provider,
		&ref,
		&p.AmountCents,
		&p.Currency,
		&status,
		&p.Metadata.ApplicationID,
		&p.Metadata.ApplicantID,
		&p.CreatedAt,
		&p.UpdatedAt,
		&p.PaidAt,
		&p.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Provider = models.PaymentProvider(provider)
	p.Status = models.PaymentStatus(status)
	if !p.Provider.Valid() || !p.Status.Valid() {
		return nil, fmt.Errorf("payment %s: invalid provider %q or status %q", p.ID, provider, status)
	}
	if ref != nil {
		p.ProviderRef = *ref
	}
	return &p, nil
}

func nullableRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
