package models

import (
	"time"

	"github.com/google/uuid"
)

// GlobalRole is the coarse, platform-wide role carried by every account.
// It never grants tenant capabilities by itself except PLATFORM_ADMIN.
type GlobalRole string

const (
	GlobalRolePlatformAdmin GlobalRole = "PLATFORM_ADMIN"
	GlobalRoleSchoolAdmin   GlobalRole = "SCHOOL_ADMIN"
	GlobalRoleApplicant     GlobalRole = "APPLICANT"
)

func (r GlobalRole) Valid() bool {
	switch r {
	case GlobalRolePlatformAdmin, GlobalRoleSchoolAdmin, GlobalRoleApplicant:
		return true
	}
	return false
}

// Principal is the verified caller of a request. It is built once per
// request and never mutated afterwards.
type Principal struct {
	ID         uuid.UUID  `json:"id"`
	Email      string     `json:"email"`
	GlobalRole GlobalRole `json:"global_role"`
	// TenantID is the tenant the session was issued for, if any. Used only
	// to infer a default tenant for permission queries.
	TenantID uuid.UUID `json:"tenant_id,omitempty"`
}

// Account is the stored identity behind a principal.
type Account struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	GlobalRole   GlobalRole `json:"global_role"`
	TenantID     uuid.UUID  `json:"tenant_id,omitempty"`
	PasswordHash string     `json:"-"`
	Disabled     bool       `json:"disabled"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Active reports whether the account may hold a session.
func (a *Account) Active() bool {
	return !a.Disabled && a.DeletedAt == nil
}

// Tenant is a university. AdminUIDs is the legacy flat list of principals
// with blanket admin rights on the tenant.
type Tenant struct {
	ID        uuid.UUID   `json:"id"`
	Name      string      `json:"name"`
	AdminUIDs []uuid.UUID `json:"admin_uids"`
	CreatedAt time.Time   `json:"created_at"`
}

// HasLegacyAdmin reports whether principalID appears in the legacy admin list.
func (t *Tenant) HasLegacyAdmin(principalID uuid.UUID) bool {
	for _, id := range t.AdminUIDs {
		if id == principalID {
			return true
		}
	}
	return false
}

// TenantRole is a granular staff role inside one tenant.
type TenantRole string

const (
	RoleUniAdmin    TenantRole = "UNI_ADMIN"
	RoleUniReviewer TenantRole = "UNI_REVIEWER"
	RoleUniFinance  TenantRole = "UNI_FINANCE"
	RoleUniViewer   TenantRole = "UNI_VIEWER"
)

func (r TenantRole) Valid() bool {
	switch r {
	case RoleUniAdmin, RoleUniReviewer, RoleUniFinance, RoleUniViewer:
		return true
	}
	return false
}

// StaffMember is a granular membership row in a tenant's staff collection.
type StaffMember struct {
	TenantID    uuid.UUID  `json:"tenant_id"`
	PrincipalID uuid.UUID  `json:"principal_id"`
	Role        TenantRole `json:"role"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ApplicationStatus is the review pipeline state of an application.
type ApplicationStatus string

const (
	StatusNew         ApplicationStatus = "new"
	StatusInReview    ApplicationStatus = "in_review"
	StatusMissingDocs ApplicationStatus = "missing_docs"
	StatusInterview   ApplicationStatus = "interview"
	StatusAccepted    ApplicationStatus = "accepted"
	StatusRejected    ApplicationStatus = "rejected"
)

func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusNew, StatusInReview, StatusMissingDocs, StatusInterview, StatusAccepted, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a decision state.
func (s ApplicationStatus) Terminal() bool {
	return s == StatusAccepted || s == StatusRejected
}

// Checklist holds the independent completion flags of an application.
// PaymentReceived is written only by payment reconciliation.
type Checklist struct {
	Profile         bool `json:"profile"`
	Documents       bool `json:"documents"`
	Essays          bool `json:"essays"`
	CustomQuestions bool `json:"custom_questions"`
	PaymentReceived bool `json:"payment_received"`
}

// DocumentStatus is the review decision on one uploaded document.
type DocumentStatus string

const (
	DocumentPending  DocumentStatus = "pending"
	DocumentApproved DocumentStatus = "approved"
	DocumentRejected DocumentStatus = "rejected"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case DocumentPending, DocumentApproved, DocumentRejected:
		return true
	}
	return false
}

// DocumentReview is the review state of a document attached to an
// application. RejectionReason is nil unless Status is rejected.
type DocumentReview struct {
	Status          DocumentStatus `json:"status"`
	RejectionReason *string        `json:"rejection_reason,omitempty"`
	ReviewedBy      uuid.UUID      `json:"reviewed_by"`
	ReviewedAt      time.Time      `json:"reviewed_at"`
}

// Application is one applicant's submission to a tenant program.
//
// Version is the optimistic-concurrency counter; every committed mutation
// increments it by one.
type Application struct {
	ID                 uuid.UUID                 `json:"id"`
	TenantID           uuid.UUID                 `json:"tenant_id"`
	ProgramID          uuid.UUID                 `json:"program_id"`
	ApplicantID        uuid.UUID                 `json:"applicant_id"`
	Status             ApplicationStatus         `json:"status"`
	Checklist          Checklist                 `json:"checklist"`
	Documents          map[string]DocumentReview `json:"documents"`
	AssignedReviewerID *uuid.UUID                `json:"assigned_reviewer_id,omitempty"`
	PaymentID          *uuid.UUID                `json:"payment_id,omitempty"`
	Version            int64                     `json:"version"`
	CreatedAt          time.Time                 `json:"created_at"`
	ReviewedAt         *time.Time                `json:"reviewed_at,omitempty"`
	DecidedAt          *time.Time                `json:"decided_at,omitempty"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

// Clone returns a deep copy, so a mutation attempt can be discarded.
func (a *Application) Clone() *Application {
	c := *a
	if a.Documents != nil {
		c.Documents = make(map[string]DocumentReview, len(a.Documents))
		for k, v := range a.Documents {
			if v.RejectionReason != nil {
				reason := *v.RejectionReason
				v.RejectionReason = &reason
			}
			c.Documents[k] = v
		}
	}
	c.AssignedReviewerID = cloneUUID(a.AssignedReviewerID)
	c.PaymentID = cloneUUID(a.PaymentID)
	c.ReviewedAt = cloneTime(a.ReviewedAt)
	c.DecidedAt = cloneTime(a.DecidedAt)
	return &c
}

// Timeline actions.
const (
	ActionStatusChanged         = "status_changed"
	ActionReviewerAssigned      = "reviewer_assigned"
	ActionNoteAdded             = "note_added"
	ActionDocumentStatusChanged = "document_status_changed"
	ActionPaymentConfirmed      = "payment_confirmed"
)

// TimelineEvent is one append-only audit entry on an application.
type TimelineEvent struct {
	ID            uuid.UUID         `json:"id"`
	ApplicationID uuid.UUID         `json:"application_id"`
	Action        string            `json:"action"`
	PerformedBy   string            `json:"performed_by"`
	PerformedAt   time.Time         `json:"performed_at"`
	PreviousValue *string           `json:"previous_value,omitempty"`
	NewValue      *string           `json:"new_value,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// Note is a free-text remark on an application. AuthorRole is captured at
// write time and never re-derived.
type Note struct {
	ID            uuid.UUID `json:"id"`
	ApplicationID uuid.UUID `json:"application_id"`
	AuthorID      uuid.UUID `json:"author_id"`
	AuthorRole    string    `json:"author_role"`
	Text          string    `json:"text"`
	IsInternal    bool      `json:"is_internal"`
	CreatedAt     time.Time `json:"created_at"`
}

// PaymentProvider identifies the external processor of a payment.
type PaymentProvider string

const (
	ProviderStripe  PaymentProvider = "STRIPE"
	ProviderMonCash PaymentProvider = "MONCASH"
)

func (p PaymentProvider) Valid() bool {
	return p == ProviderStripe || p == ProviderMonCash
}

// PaymentStatus is the reconciled state of a payment.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentFailed   PaymentStatus = "FAILED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded:
		return true
	}
	return false
}

// Terminal reports whether s is a settled state.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed || s == PaymentRefunded
}

// PaymentMetadata links a payment to the application it pays for.
type PaymentMetadata struct {
	ApplicationID uuid.UUID `json:"application_id"`
	ApplicantID   uuid.UUID `json:"applicant_id"`
}

// Payment is one checkout attempt. ProviderRef is empty until the provider
// issues a session or order identifier.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Provider    PaymentProvider `json:"provider"`
	ProviderRef string          `json:"provider_ref"`
	AmountCents int64           `json:"amount_cents"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	Metadata    PaymentMetadata `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	PaidAt      *time.Time      `json:"paid_at,omitempty"`
	RefundedAt  *time.Time      `json:"refunded_at,omitempty"`
}

func cloneUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// StringPtr is a small helper for optional string fields.
func StringPtr(s string) *string {
	return &s
}
