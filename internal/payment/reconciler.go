package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/observ"
	"github.com/lalith-99/admitflow/internal/permission"
	"github.com/lalith-99/admitflow/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Ingress paths, used as a metrics label and in logs.
const (
	PathPush   = "push"
	PathPull   = "pull"
	PathManual = "manual"
)

// DefaultProviderTimeout bounds each outbound provider call when the
// reconciler is built without one.
const DefaultProviderTimeout = 10 * time.Second

// Reconciler applies provider status signals to payments.
//
// The check of the stored status and the write of the new one happen under
// the store's row lock (UpdateByProviderRef), so a webhook and a poll racing
// on the same reference serialize and only one of them observes PENDING.
// The cascade into the application is a separate idempotent write.
type Reconciler struct {
	payments  repository.PaymentRepository
	apps      repository.ApplicationRepository
	cascade   Cascader
	publisher Publisher
	perms     *permission.Resolver
	providers map[models.PaymentProvider]Provider
	fees      map[models.PaymentProvider]Fee
	timeout   time.Duration
	metrics   *observ.Metrics
	logger    *zap.Logger
	now       func() time.Time

	// verifications for the same reference share one provider round trip.
	verifications singleflight.Group
}

// Config carries the reconciler's collaborators.
type Config struct {
	Payments        repository.PaymentRepository
	Applications    repository.ApplicationRepository
	Cascade         Cascader
	Publisher       Publisher
	Permissions     *permission.Resolver
	Providers       []Provider
	Fees            map[models.PaymentProvider]Fee
	ProviderTimeout time.Duration
	Metrics         *observ.Metrics
	Logger          *zap.Logger
}

func NewReconciler(cfg Config) *Reconciler {
	r := &Reconciler{
		payments:  cfg.Payments,
		apps:      cfg.Applications,
		cascade:   cfg.Cascade,
		publisher: cfg.Publisher,
		perms:     cfg.Permissions,
		providers: make(map[models.PaymentProvider]Provider, len(cfg.Providers)),
		fees:      cfg.Fees,
		timeout:   cfg.ProviderTimeout,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, p := range cfg.Providers {
		r.providers[p.Name()] = p
	}
	if r.timeout <= 0 {
		r.timeout = DefaultProviderTimeout
	}
	if r.publisher == nil {
		r.publisher = NopPublisher{}
	}
	return r
}

func (r *Reconciler) provider(op string, name models.PaymentProvider) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, op, "payment provider "+string(name)+" is not configured")
	}
	return p, nil
}

// HandleWebhook is the push path. The signature is checked over the raw
// payload before anything is parsed. Event types that carry no status
// change are accepted and ignored.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider models.PaymentProvider, payload []byte, header http.Header) error {
	const op = "payment.HandleWebhook"

	p, err := r.provider(op, provider)
	if err != nil {
		return err
	}

	event, err := p.VerifyAndParse(payload, header)
	if err != nil {
		r.metrics.PaymentSignal(string(provider), PathPush, "rejected")
		r.logger.Warn("webhook rejected",
			zap.String("provider", string(provider)),
			zap.Error(err),
		)
		if apperr.KindOf(err) == apperr.KindInternal {
			return apperr.Wrap(apperr.KindInvalidSignature, op, "invalid webhook signature", err)
		}
		return err
	}
	if event == nil {
		r.metrics.PaymentSignal(string(provider), PathPush, "ignored")
		return nil
	}

	_, err = r.apply(ctx, PathPush, *event)
	return err
}

// ApplyStatus applies one normalized signal. Exposed for callers that have
// already authenticated the signal by other means.
func (r *Reconciler) ApplyStatus(ctx context.Context, event NormalizedEvent) (*models.Payment, error) {
	return r.apply(ctx, PathManual, event)
}

// Verify is the pull path: it asks the provider for the current status of
// providerRef and applies it. The caller must own the payment or hold
// VIEW_PAYMENTS on its tenant. A provider timeout or failure is a
// retryable ProviderError and leaves the payment untouched.
func (r *Reconciler) Verify(ctx context.Context, actor models.Principal, provider models.PaymentProvider, providerRef string) (*models.Payment, error) {
	const op = "payment.Verify"

	if providerRef == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "provider reference is required")
	}
	p, err := r.provider(op, provider)
	if err != nil {
		return nil, err
	}

	stored, err := r.payments.GetByProviderRef(ctx, provider, providerRef)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if stored == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "payment not found")
	}
	if stored.Metadata.ApplicantID != actor.ID {
		if err := r.authorize(ctx, op, actor, stored.TenantID, permission.ViewPayments); err != nil {
			return nil, err
		}
	}

	// The shared round trip outlives any one caller: a caller that goes
	// away stops waiting, but the others still get the result.
	shared := context.WithoutCancel(ctx)
	key := string(provider) + ":" + providerRef
	ch := r.verifications.DoChan(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(shared, 2*r.timeout)
		defer cancel()
		event, err := r.fetchStatus(callCtx, p, providerRef)
		if err != nil {
			return nil, err
		}
		return r.apply(callCtx, PathPull, *event)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Payment), nil
	case <-ctx.Done():
		return nil, apperr.Wrap(apperr.KindProviderError, op, "verification abandoned", ctx.Err())
	}
}

func (r *Reconciler) fetchStatus(ctx context.Context, p Provider, providerRef string) (*NormalizedEvent, error) {
	const op = "payment.Verify"

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	event, err := p.VerifyStatus(callCtx, providerRef)
	if err != nil {
		r.metrics.PaymentSignal(string(p.Name()), PathPull, "provider_error")
		r.logger.Warn("provider verification failed",
			zap.String("provider", string(p.Name())),
			zap.String("target", providerRef),
			zap.Error(err),
		)
		return nil, apperr.Wrap(apperr.KindProviderError, op, "payment provider unavailable, retry later", err)
	}
	if event.ProviderRef == "" {
		event.ProviderRef = providerRef
	}
	event.Provider = p.Name()
	return event, nil
}

// Refund records a refund on a paid payment. It requires MANAGE_PAYMENTS
// on the payment's tenant. Refunds are only legal from PAID.
func (r *Reconciler) Refund(ctx context.Context, actor models.Principal, paymentID uuid.UUID) (*models.Payment, error) {
	const op = "payment.Refund"

	stored, err := r.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if stored == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "payment not found")
	}
	if err := r.authorize(ctx, op, actor, stored.TenantID, permission.ManagePayments); err != nil {
		return nil, err
	}
	if stored.ProviderRef == "" {
		return nil, apperr.New(apperr.KindConflict, op, "payment was never issued by the provider")
	}

	r.logger.Info("refund requested",
		zap.String("actor", actor.ID.String()),
		zap.String("target", stored.ID.String()),
	)
	return r.apply(ctx, PathManual, NormalizedEvent{
		Provider:    stored.Provider,
		ProviderRef: stored.ProviderRef,
		Status:      models.PaymentRefunded,
	})
}

// Get returns a payment to its applicant or to staff with VIEW_PAYMENTS.
func (r *Reconciler) Get(ctx context.Context, actor models.Principal, paymentID uuid.UUID) (*models.Payment, error) {
	const op = "payment.Get"

	stored, err := r.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, op, "", err)
	}
	if stored == nil {
		return nil, apperr.New(apperr.KindNotFound, op, "payment not found")
	}
	if stored.Metadata.ApplicantID == actor.ID {
		return stored, nil
	}
	if err := r.authorize(ctx, op, actor, stored.TenantID, permission.ViewPayments); err != nil {
		return nil, err
	}
	return stored, nil
}

func (r *Reconciler) authorize(ctx context.Context, op string, actor models.Principal, tenantID uuid.UUID, c permission.Capability) error {
	_, err := r.perms.Require(ctx, actor, tenantID, c)
	if err == nil {
		return nil
	}
	if permission.IsNonMember(err) {
		return apperr.New(apperr.KindNotFound, op, "payment not found")
	}
	return err
}

// outcome records what the locked decision did.
type outcome struct {
	changed bool
	paid    bool // this call moved the payment from PENDING to PAID
}

// apply runs the status decision under the payment row lock, then the
// cascade when the payment is (or already was) PAID.
func (r *Reconciler) apply(ctx context.Context, path string, event NormalizedEvent) (*models.Payment, error) {
	const op = "payment.ApplyStatus"

	if !event.Status.Valid() {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "unknown payment status "+string(event.Status))
	}
	fields := []zap.Field{
		zap.String("provider", string(event.Provider)),
		zap.String("target", event.ProviderRef),
		zap.String("path", path),
		zap.String("status", string(event.Status)),
	}
	if event.EventID != "" {
		fields = append(fields, zap.String("event_id", event.EventID))
	}

	var out outcome
	p, err := r.payments.UpdateByProviderRef(ctx, event.Provider, event.ProviderRef, func(p *models.Payment) (bool, error) {
		if p == nil {
			return false, apperr.New(apperr.KindNotFound, op, "unknown provider reference")
		}
		o, err := decide(p, event, r.now())
		out = o
		return o.changed, err
	})
	if err != nil {
		kind := apperr.KindOf(err)
		r.metrics.PaymentSignal(string(event.Provider), path, kind.String())
		switch kind {
		case apperr.KindNotFound:
			r.logger.Warn("payment signal for unknown reference", fields...)
			return nil, err
		case apperr.KindConflict:
			r.logger.Warn("payment status anomaly", append(fields, zap.Error(err))...)
			return nil, err
		case apperr.KindInternal:
			var ae *apperr.Error
			if !errors.As(err, &ae) {
				err = apperr.Wrap(apperr.KindInternal, op, "", err)
			}
		}
		r.logger.Error("payment update failed", append(fields, zap.Error(err))...)
		return nil, err
	}

	switch {
	case out.changed:
		r.metrics.PaymentSignal(string(event.Provider), path, "applied")
		r.logger.Info("payment status applied", append(fields, zap.String("payment", p.ID.String()))...)
	default:
		r.metrics.PaymentSignal(string(event.Provider), path, "noop")
	}

	// A PAID redelivery re-runs the cascade: if an earlier cascade failed
	// after the payment committed, this is what completes it.
	if p.Status == models.PaymentPaid {
		if err := r.runCascade(ctx, p, out.paid); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// decide is the payment state machine. It mutates p only when it reports
// a change.
func decide(p *models.Payment, event NormalizedEvent, now time.Time) (outcome, error) {
	const op = "payment.ApplyStatus"
	from, to := p.Status, event.Status

	if from == to {
		return outcome{}, nil
	}
	if to == models.PaymentPending {
		// A late PENDING after settlement carries no information.
		return outcome{}, nil
	}

	switch {
	case from == models.PaymentPending && to == models.PaymentPaid:
		if event.AmountCents != nil && *event.AmountCents != p.AmountCents {
			return outcome{}, apperr.New(apperr.KindConflict, op,
				fmt.Sprintf("provider reported %d, expected %d", *event.AmountCents, p.AmountCents))
		}
		p.Status = models.PaymentPaid
		if p.PaidAt == nil {
			p.PaidAt = &now
		}
		p.UpdatedAt = now
		return outcome{changed: true, paid: true}, nil

	case from == models.PaymentPending && to == models.PaymentFailed:
		p.Status = models.PaymentFailed
		p.UpdatedAt = now
		return outcome{changed: true}, nil

	case from == models.PaymentPaid && to == models.PaymentRefunded:
		p.Status = models.PaymentRefunded
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
		p.UpdatedAt = now
		return outcome{changed: true}, nil
	}

	return outcome{}, apperr.New(apperr.KindConflict, op,
		fmt.Sprintf("payment is %s, refusing %s", from, to))
}

// runCascade marks the application and, when that write is the one that
// set the flag, publishes the downstream notification. The flag write is
// guarded by the application's version, so exactly one caller sees
// applied=true no matter how many deliveries race.
func (r *Reconciler) runCascade(ctx context.Context, p *models.Payment, transitioned bool) error {
	const op = "payment.cascade"

	publish := transitioned
	if p.Metadata.ApplicationID != uuid.Nil {
		applied, err := r.cascade.MarkPaymentReceived(ctx, p.Metadata.ApplicationID, p.ID, p.Provider)
		switch {
		case apperr.KindOf(err) == apperr.KindNotFound:
			r.logger.Warn("paid payment references a missing application",
				zap.String("payment", p.ID.String()),
				zap.String("target", p.Metadata.ApplicationID.String()),
			)
		case err != nil:
			r.logger.Error("payment cascade failed",
				zap.String("payment", p.ID.String()),
				zap.String("target", p.Metadata.ApplicationID.String()),
				zap.Error(err),
			)
			if apperr.Retryable(err) {
				return err
			}
			return apperr.Wrap(apperr.KindInternal, op, "", err)
		default:
			publish = applied
		}
	}
	if !publish {
		return nil
	}

	paidAt := ""
	if p.PaidAt != nil {
		paidAt = p.PaidAt.Format(time.RFC3339)
	}
	msg := PaymentConfirmed{
		PaymentID:     p.ID,
		TenantID:      p.TenantID,
		ApplicationID: p.Metadata.ApplicationID,
		ApplicantID:   p.Metadata.ApplicantID,
		Provider:      p.Provider,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		PaidAt:        paidAt,
	}
	if err := r.publisher.PublishPaymentConfirmed(ctx, msg); err != nil {
		r.logger.Warn("payment confirmation not published",
			zap.String("payment", p.ID.String()),
			zap.Error(err),
		)
	}
	return nil
}

// NopPublisher drops notifications. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishPaymentConfirmed(context.Context, PaymentConfirmed) error { return nil }
