// Package stripe is the Stripe payment provider: hosted Checkout Sessions,
// signed webhooks and session status lookup.
//
// The provider reference of a Stripe payment is the Checkout Session id.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/payment"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// SignatureHeader is where Stripe puts the webhook signature.
const SignatureHeader = "Stripe-Signature"

type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	// Backend overrides the API backend; nil uses api.stripe.com.
	Backend stripe.Backend
}

// Provider talks to Stripe through a per-instance client, never the
// package-level globals of stripe-go.
type Provider struct {
	api           *client.API
	webhookSecret string
	successURL    string
	cancelURL     string
}

func New(cfg Config) *Provider {
	api := &client.API{}
	var backends *stripe.Backends
	if cfg.Backend != nil {
		backends = &stripe.Backends{API: cfg.Backend, Connect: cfg.Backend, Uploads: cfg.Backend}
	}
	api.Init(cfg.SecretKey, backends)
	return &Provider{
		api:           api,
		webhookSecret: cfg.WebhookSecret,
		successURL:    cfg.SuccessURL,
		cancelURL:     cfg.CancelURL,
	}
}

func (p *Provider) Name() models.PaymentProvider { return models.ProviderStripe }

// CreateCheckout opens a one-item payment-mode Checkout Session. The payment
// id doubles as idempotency key, so a retried call returns the same session.
func (p *Provider) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(p.successURL),
		CancelURL:         stripe.String(p.cancelURL),
		ClientReferenceID: stripe.String(req.PaymentID.String()),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Quantity: stripe.Int64(1),
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.AmountCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Application fee"),
					},
				},
			},
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.AddMetadata("payment_id", req.PaymentID.String())
	params.AddMetadata("application_id", req.ApplicationID.String())
	params.AddMetadata("tenant_id", req.TenantID.String())
	params.SetIdempotencyKey(req.PaymentID.String())
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &payment.CheckoutSession{ProviderRef: sess.ID, RedirectURL: sess.URL}, nil
}

// VerifyStatus reads the Checkout Session. Only payment_status=paid is
// PAID and an expired session is FAILED; anything else is still PENDING.
func (p *Provider) VerifyStatus(ctx context.Context, providerRef string) (*payment.NormalizedEvent, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := p.api.CheckoutSessions.Get(providerRef, params)
	if err != nil {
		return nil, fmt.Errorf("get checkout session %s: %w", providerRef, err)
	}
	return sessionEvent(sess, sessionStatus(sess), ""), nil
}

func sessionStatus(sess *stripe.CheckoutSession) models.PaymentStatus {
	switch {
	case sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid:
		return models.PaymentPaid
	case sess.Status == stripe.CheckoutSessionStatusExpired:
		return models.PaymentFailed
	}
	return models.PaymentPending
}

// VerifyAndParse checks the Stripe-Signature header over the raw body and
// maps Checkout Session events. Unrelated event types return (nil, nil).
func (p *Provider) VerifyAndParse(payload []byte, header http.Header) (*payment.NormalizedEvent, error) {
	const op = "stripe.VerifyAndParse"

	event, err := webhook.ConstructEventWithOptions(payload, header.Get(SignatureHeader), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidSignature, op, "invalid stripe signature", err)
	}

	var status models.PaymentStatus
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		// Delayed methods complete the session unpaid and report later
		// through async_payment_succeeded / async_payment_failed.
		status = models.PaymentPending
	case stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		status = models.PaymentPaid
	case stripe.EventTypeCheckoutSessionAsyncPaymentFailed, stripe.EventTypeCheckoutSessionExpired:
		status = models.PaymentFailed
	default:
		return nil, nil
	}

	if event.Data == nil {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "event has no data")
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, op, "malformed checkout session", err)
	}
	if sess.ID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "checkout session has no id")
	}
	if event.Type == stripe.EventTypeCheckoutSessionCompleted && sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		status = models.PaymentPaid
	}
	return sessionEvent(&sess, status, event.ID), nil
}

func sessionEvent(sess *stripe.CheckoutSession, status models.PaymentStatus, eventID string) *payment.NormalizedEvent {
	ev := &payment.NormalizedEvent{
		Provider:    models.ProviderStripe,
		ProviderRef: sess.ID,
		Status:      status,
		EventID:     eventID,
	}
	if status == models.PaymentPaid && sess.AmountTotal > 0 {
		amount := sess.AmountTotal
		ev.AmountCents = &amount
	}
	return ev
}
