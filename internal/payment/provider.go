// Package payment reconciles payment status reported by external providers
// and cascades confirmed payments into the owning application.
package payment

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/models"
)

// NormalizedEvent is a provider status signal in provider-neutral form.
// Both ingress paths (webhook push and verification pull) produce one.
type NormalizedEvent struct {
	Provider    models.PaymentProvider
	ProviderRef string
	Status      models.PaymentStatus
	// AmountCents is the amount the provider reports, when it reports one.
	AmountCents *int64
	// EventID is the provider's delivery id, for logs only.
	EventID string
}

// WebhookProcessor authenticates a raw webhook body and maps it to a
// NormalizedEvent. It returns an InvalidSignature error before looking at
// any field when the signature does not match, and (nil, nil) for event
// types that carry no status change.
type WebhookProcessor interface {
	VerifyAndParse(payload []byte, header http.Header) (*NormalizedEvent, error)
}

// StatusVerifier asks the provider for the current status of a reference.
type StatusVerifier interface {
	VerifyStatus(ctx context.Context, providerRef string) (*NormalizedEvent, error)
}

// CheckoutRequest describes the payment a provider should collect.
type CheckoutRequest struct {
	PaymentID     uuid.UUID
	TenantID      uuid.UUID
	ApplicationID uuid.UUID
	ApplicantID   uuid.UUID
	Email         string
	AmountCents   int64
	Currency      string
}

// CheckoutSession is what the provider issued: its reference for the
// payment and the URL the applicant is sent to.
type CheckoutSession struct {
	ProviderRef string
	RedirectURL string
}

// CheckoutCreator opens a hosted checkout with the provider.
type CheckoutCreator interface {
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
}

// Provider is everything the reconciler needs from one payment provider.
type Provider interface {
	Name() models.PaymentProvider
	WebhookProcessor
	StatusVerifier
	CheckoutCreator
}

// Fee is the amount charged for an application through one provider.
type Fee struct {
	AmountCents int64
	Currency    string
}

// Cascader applies a confirmed payment to its application. Implemented by
// lifecycle.Service. applied is false when the application already records
// this payment.
type Cascader interface {
	MarkPaymentReceived(ctx context.Context, appID, paymentID uuid.UUID, provider models.PaymentProvider) (applied bool, err error)
}

// PaymentConfirmed is the downstream notification for a newly paid
// application fee.
type PaymentConfirmed struct {
	PaymentID     uuid.UUID              `json:"payment_id"`
	TenantID      uuid.UUID              `json:"tenant_id"`
	ApplicationID uuid.UUID              `json:"application_id"`
	ApplicantID   uuid.UUID              `json:"applicant_id"`
	Provider      models.PaymentProvider `json:"provider"`
	AmountCents   int64                  `json:"amount_cents"`
	Currency      string                 `json:"currency"`
	PaidAt        string                 `json:"paid_at"`
}

// Publisher delivers downstream notifications.
type Publisher interface {
	PublishPaymentConfirmed(ctx context.Context, msg PaymentConfirmed) error
}
