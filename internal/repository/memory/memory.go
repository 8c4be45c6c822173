// Package memory implements the repository ports in process memory.
//
// It backs unit tests for the permission resolver, the application state
// machine and the payment reconciler, and the server's STORE=memory mode.
// Records are copied on the way in and out so callers never share state
// with the store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository"
)

// Store holds every collection behind one RWMutex.
type Store struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]models.Account
	tenants      map[uuid.UUID]models.Tenant
	staff        map[staffKey]models.StaffMember
	applications map[uuid.UUID]*models.Application
	timeline     map[uuid.UUID][]models.TimelineEvent
	notes        map[uuid.UUID][]models.Note
	payments     map[uuid.UUID]models.Payment
}

type staffKey struct {
	tenantID    uuid.UUID
	principalID uuid.UUID
}

func New() *Store {
	return &Store{
		accounts:     make(map[uuid.UUID]models.Account),
		tenants:      make(map[uuid.UUID]models.Tenant),
		staff:        make(map[staffKey]models.StaffMember),
		applications: make(map[uuid.UUID]*models.Application),
		timeline:     make(map[uuid.UUID][]models.TimelineEvent),
		notes:        make(map[uuid.UUID][]models.Note),
		payments:     make(map[uuid.UUID]models.Payment),
	}
}

// Seeding helpers. These bypass the state machine on purpose: they model
// records created by flows outside this core (signup, submission, staff
// management).

func (s *Store) PutAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = a
}

func (s *Store) PutTenant(t models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.AdminUIDs = append([]uuid.UUID(nil), t.AdminUIDs...)
	s.tenants[t.ID] = t
}

func (s *Store) PutStaff(m models.StaffMember) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staff[staffKey{m.TenantID, m.PrincipalID}] = m
}

func (s *Store) PutPayment(p models.Payment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments[p.ID] = p
}

func (s *Store) PutApplication(a *models.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applications[a.ID] = a.Clone()
}

// Accounts, tenants, staff.

type accountRepo struct{ s *Store }

func (s *Store) Accounts() repository.AccountRepository { return accountRepo{s} }

func (r accountRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r accountRepo) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	for _, a := range r.s.accounts {
		if strings.EqualFold(a.Email, email) {
			return &a, nil
		}
	}
	return nil, nil
}

type tenantRepo struct{ s *Store }

func (s *Store) Tenants() repository.TenantRepository { return tenantRepo{s} }

func (r tenantRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Tenant, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.tenants[id]
	if !ok {
		return nil, nil
	}
	t.AdminUIDs = append([]uuid.UUID(nil), t.AdminUIDs...)
	return &t, nil
}

type staffRepo struct{ s *Store }

func (s *Store) Staff() repository.StaffRepository { return staffRepo{s} }

func (r staffRepo) Get(_ context.Context, tenantID, principalID uuid.UUID) (*models.StaffMember, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	m, ok := r.s.staff[staffKey{tenantID, principalID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Applications.

type applicationRepo struct{ s *Store }

func (s *Store) Applications() repository.ApplicationRepository { return applicationRepo{s} }

func (r applicationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Application, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.applications[id]
	if !ok {
		return nil, nil
	}
	return a.Clone(), nil
}

func (r applicationRepo) Commit(_ context.Context, change repository.ApplicationChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.applications[change.Application.ID]
	if !ok || current.Version != change.ExpectedVersion {
		return repository.ErrVersionConflict
	}
	r.s.applications[change.Application.ID] = change.Application.Clone()
	r.s.timeline[change.Application.ID] = append(r.s.timeline[change.Application.ID], change.Event)
	if change.Note != nil {
		r.s.notes[change.Application.ID] = append(r.s.notes[change.Application.ID], *change.Note)
	}
	return nil
}

func (r applicationRepo) ListTimeline(_ context.Context, applicationID uuid.UUID) ([]models.TimelineEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	events := append(make([]models.TimelineEvent, 0, len(r.s.timeline[applicationID])), r.s.timeline[applicationID]...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].PerformedAt.Before(events[j].PerformedAt)
	})
	return events, nil
}

func (r applicationRepo) ListNotes(_ context.Context, applicationID uuid.UUID) ([]models.Note, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return append(make([]models.Note, 0, len(r.s.notes[applicationID])), r.s.notes[applicationID]...), nil
}

// Payments.

type paymentRepo struct{ s *Store }

func (s *Store) Payments() repository.PaymentRepository { return paymentRepo{s} }

func (r paymentRepo) Create(_ context.Context, p *models.Payment) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.payments[p.ID]; ok {
		return repository.ErrDuplicate
	}
	if p.ProviderRef != "" && r.findByRef(p.Provider, p.ProviderRef) != nil {
		return repository.ErrDuplicate
	}
	r.s.payments[p.ID] = *p
	return nil
}

func (r paymentRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	p, ok := r.s.payments[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r paymentRepo) GetByProviderRef(_ context.Context, provider models.PaymentProvider, ref string) (*models.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	if p := r.findByRef(provider, ref); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r paymentRepo) ListByApplication(_ context.Context, applicationID uuid.UUID) ([]models.Payment, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]models.Payment, 0)
	for _, p := range r.s.payments {
		if p.Metadata.ApplicationID == applicationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r paymentRepo) SetProviderRef(_ context.Context, id uuid.UUID, ref string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	p, ok := r.s.payments[id]
	if !ok || p.Status != models.PaymentPending {
		return repository.ErrVersionConflict
	}
	if other := r.findByRef(p.Provider, ref); other != nil && other.ID != id {
		return repository.ErrDuplicate
	}
	p.ProviderRef = ref
	r.s.payments[id] = p
	return nil
}

// UpdateByProviderRef holds the write lock for the whole read-decide-write,
// which gives the same serialization as a row lock.
func (r paymentRepo) UpdateByProviderRef(_ context.Context, provider models.PaymentProvider, ref string, fn repository.PaymentUpdateFunc) (*models.Payment, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var working *models.Payment
	if p := r.findByRef(provider, ref); p != nil {
		cp := *p
		working = &cp
	}
	changed, err := fn(working)
	if err != nil {
		return working, err
	}
	if changed && working != nil {
		r.s.payments[working.ID] = *working
	}
	return working, nil
}

// findByRef must be called with the lock held.
func (r paymentRepo) findByRef(provider models.PaymentProvider, ref string) *models.Payment {
	for _, p := range r.s.payments {
		if p.Provider == provider && p.ProviderRef == ref {
			return &p
		}
	}
	return nil
}
