package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/models"
)

// Every method takes ctx first: the store is the only place this core
// blocks, and request deadlines must reach it.
//
// Lookups return (nil, nil) when the record does not exist. Callers decide
// whether absence is NotFound, Forbidden or simply "no membership".

// ErrVersionConflict is returned by conditional writes when the stored
// version no longer matches the caller's expected version.
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicate is returned when a unique key (e.g. provider reference)
// already exists.
var ErrDuplicate = errors.New("duplicate key")

// AccountRepository reads the identities behind session credentials.
type AccountRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// GetByEmail is used by login. Email lookup is global, not tenant-scoped.
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
}

// TenantRepository reads tenant records, including the legacy admin list.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
}

// StaffRepository reads the granular per-tenant staff collection.
type StaffRepository interface {
	Get(ctx context.Context, tenantID, principalID uuid.UUID) (*models.StaffMember, error)
}

// ApplicationChange is one atomic mutation of an application: the new
// record state plus the timeline event (and optional note) it produces.
type ApplicationChange struct {
	Application     *models.Application
	ExpectedVersion int64
	Event           models.TimelineEvent
	Note            *models.Note
}

// ApplicationRepository persists applications and their timelines.
type ApplicationRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Application, error)

	// Commit writes change.Application only if the stored version still
	// equals change.ExpectedVersion, and appends the event and note in the
	// same transaction. Returns ErrVersionConflict when the version moved.
	Commit(ctx context.Context, change ApplicationChange) error

	// ListTimeline returns events ordered by PerformedAt ascending.
	// Returns an empty slice (not nil) when there are none.
	ListTimeline(ctx context.Context, applicationID uuid.UUID) ([]models.TimelineEvent, error)

	// ListNotes returns notes ordered by CreatedAt ascending.
	ListNotes(ctx context.Context, applicationID uuid.UUID) ([]models.Note, error)
}

// PaymentUpdateFunc decides, inside the payment transaction, how the locked
// record changes. Returning changed=false leaves the row untouched.
// p is nil when no payment has the requested provider reference.
type PaymentUpdateFunc func(p *models.Payment) (changed bool, err error)

// PaymentRepository persists payments.
type PaymentRepository interface {
	// Create stores a new payment. ProviderRef may be empty.
	Create(ctx context.Context, p *models.Payment) error

	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)

	// GetByProviderRef is the lookup used by webhooks and verification,
	// which only carry the provider's identifier.
	GetByProviderRef(ctx context.Context, provider models.PaymentProvider, ref string) (*models.Payment, error)

	// ListByApplication returns every payment attempt for an application,
	// oldest first, across providers.
	ListByApplication(ctx context.Context, applicationID uuid.UUID) ([]models.Payment, error)

	// SetProviderRef records the provider identifier on a PENDING payment.
	SetProviderRef(ctx context.Context, id uuid.UUID, ref string) error

	// UpdateByProviderRef locks the payment row for (provider, ref), runs fn
	// against it and persists the result if fn reports a change. The read,
	// decision and write are one atomic unit.
	UpdateByProviderRef(ctx context.Context, provider models.PaymentProvider, ref string, fn PaymentUpdateFunc) (*models.Payment, error)
}
