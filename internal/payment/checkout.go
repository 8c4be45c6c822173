package payment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
)

// PendingCheckoutWindow is how long an open PENDING attempt blocks a new
// checkout for the same application. Hosted Stripe sessions expire after
// 24 hours, so an older PENDING attempt is treated as abandoned.
const PendingCheckoutWindow = 24 * time.Hour

// CheckoutResult is returned to the applicant starting a payment.
type CheckoutResult struct {
	Payment     *models.Payment `json:"payment"`
	RedirectURL string          `json:"redirect_url"`
}

// BeginCheckout creates a PENDING payment for the applicant's application
// and opens a hosted checkout with the provider. The provider's reference
// is stored as soon as it is issued, before the applicant is redirected,
// so a webhook can never arrive for a reference we do not know.
//
// Only one attempt may be open at a time: while the application has a
// PAID payment or a PENDING one younger than PendingCheckoutWindow, on any
// provider, a new checkout is a Conflict.
func (r *Reconciler) BeginCheckout(ctx context.Context, actor models.Principal, appID uuid.UUID, provider models.PaymentProvider) (*CheckoutResult, error) {
	const op = "payment.BeginCheckout"

	p, err := r.provider(op, provider)
	if err != nil {
		return nil, err
	}
	fee, ok := r.fees[provider]
	if !ok || fee.AmountCents <= 0 {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "no application fee configured for "+string(provider))
	}

	app, err := r.apps.GetByID(ctx, appID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if app == nil || app.ApplicantID != actor.ID {
		return nil, apperr.New(apperr.KindNotFound, op, "application not found")
	}
	if app.Checklist.PaymentReceived {
		return nil, apperr.New(apperr.KindConflict, op, "application fee already paid")
	}
	if app.Status.Terminal() {
		return nil, apperr.New(apperr.KindInvalidTransition, op, "application is already decided")
	}

	now := r.now()
	if err := r.checkNoOpenAttempt(ctx, op, app.ID, now); err != nil {
		return nil, err
	}
	payment := &models.Payment{
		ID:          uuid.New(),
		TenantID:    app.TenantID,
		Provider:    provider,
		AmountCents: fee.AmountCents,
		Currency:    fee.Currency,
		Status:      models.PaymentPending,
		Metadata: models.PaymentMetadata{
			ApplicationID: app.ID,
			ApplicantID:   app.ApplicantID,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.payments.Create(ctx, payment); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	session, err := p.CreateCheckout(callCtx, CheckoutRequest{
		PaymentID:     payment.ID,
		TenantID:      payment.TenantID,
		ApplicationID: app.ID,
		ApplicantID:   app.ApplicantID,
		Email:         actor.Email,
		AmountCents:   payment.AmountCents,
		Currency:      payment.Currency,
	})
	if err != nil {
		r.logger.Warn("checkout creation failed",
			zap.String("provider", string(provider)),
			zap.String("actor", actor.ID.String()),
			zap.String("target", payment.ID.String()),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindProviderError, op, "payment provider unavailable, retry later", err)
	}

	if err := r.payments.SetProviderRef(ctx, payment.ID, session.ProviderRef); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, apperr.Wrap(apperr.KindConflict, op, "provider reference already in use", err)
		}
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	payment.ProviderRef = session.ProviderRef

	r.logger.Info("checkout started",
		zap.String("provider", string(provider)),
		zap.String("actor", actor.ID.String()),
		zap.String("payment", payment.ID.String()),
		zap.String("target", app.ID.String()),
	)
	return &CheckoutResult{Payment: payment, RedirectURL: session.RedirectURL}, nil
}

func (r *Reconciler) checkNoOpenAttempt(ctx context.Context, op string, appID uuid.UUID, now time.Time) error {
	existing, err := r.payments.ListByApplication(ctx, appID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	for _, p := range existing {
		switch {
		case p.Status == models.PaymentPaid:
			return apperr.New(apperr.KindConflict, op, "application fee already paid")
		case p.Status == models.PaymentPending && now.Sub(p.CreatedAt) < PendingCheckoutWindow:
			r.logger.Info("checkout refused, attempt already open",
				zap.String("payment", p.ID.String()),
				zap.String("provider", string(p.Provider)),
				zap.String("target", appID.String()),
			)
			return apperr.New(apperr.KindConflict, op, "a payment for this application is already in progress")
		}
	}
	return nil
}
