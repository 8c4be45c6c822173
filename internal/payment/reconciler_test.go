package payment

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/lifecycle"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/permission"
	"github.com/lalith-99/admitflow/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

// fakeProvider accepts webhooks whose signature header equals "ok" and
// whose body is the provider reference followed by the status.
type fakeProvider struct {
	name models.PaymentProvider

	mu        sync.Mutex
	status    map[string]models.PaymentStatus
	amount    *int64
	verifyErr error
	verifies  int
	block     chan struct{}
	nextRef   string
}

func newFakeProvider(name models.PaymentProvider) *fakeProvider {
	return &fakeProvider{name: name, status: make(map[string]models.PaymentStatus)}
}

func (f *fakeProvider) Name() models.PaymentProvider { return f.name }

func (f *fakeProvider) VerifyAndParse(payload []byte, header http.Header) (*NormalizedEvent, error) {
	if header.Get("X-Fake-Signature") != "ok" {
		return nil, apperr.New(apperr.KindInvalidSignature, "fake", "bad signature")
	}
	var ref, status string
	for i, b := range payload {
		if b == ' ' {
			ref, status = string(payload[:i]), string(payload[i+1:])
			break
		}
	}
	if status == "" {
		return nil, nil
	}
	return &NormalizedEvent{Provider: f.name, ProviderRef: ref, Status: models.PaymentStatus(status)}, nil
}

func (f *fakeProvider) VerifyStatus(ctx context.Context, ref string) (*NormalizedEvent, error) {
	f.mu.Lock()
	f.verifies++
	block := f.block
	err := f.verifyErr
	st := f.status[ref]
	amount := f.amount
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if st == "" {
		st = models.PaymentPending
	}
	return &NormalizedEvent{Provider: f.name, ProviderRef: ref, Status: st, AmountCents: amount}, nil
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	ref := f.nextRef
	if ref == "" {
		ref = "ref_" + req.PaymentID.String()
	}
	return &CheckoutSession{ProviderRef: ref, RedirectURL: "https://pay.example/" + ref}, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []PaymentConfirmed
}

func (p *recordingPublisher) PublishPaymentConfirmed(_ context.Context, msg PaymentConfirmed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type harness struct {
	store     *memory.Store
	rec       *Reconciler
	stripe    *fakeProvider
	moncash   *fakeProvider
	published *recordingPublisher
	tenantID  uuid.UUID
	app       *models.Application
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.New()
	logger := zaptest.NewLogger(t)
	tenantID := uuid.New()
	store.PutTenant(models.Tenant{ID: tenantID})
	perms := permission.NewResolver(store.Tenants(), store.Staff(), nil, logger)
	life := lifecycle.NewService(store.Applications(), perms, nil, logger, 10)

	app := &models.Application{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ApplicantID: uuid.New(),
		Status:      models.StatusInReview,
		Version:     1,
	}
	store.PutApplication(app)

	h := &harness{
		store:     store,
		stripe:    newFakeProvider(models.ProviderStripe),
		moncash:   newFakeProvider(models.ProviderMonCash),
		published: &recordingPublisher{},
		tenantID:  tenantID,
		app:       app,
	}
	h.rec = NewReconciler(Config{
		Payments:     store.Payments(),
		Applications: store.Applications(),
		Cascade:      life,
		Publisher:    h.published,
		Permissions:  perms,
		Providers:    []Provider{h.stripe, h.moncash},
		Fees: map[models.PaymentProvider]Fee{
			models.ProviderStripe:  {AmountCents: 5000, Currency: "usd"},
			models.ProviderMonCash: {AmountCents: 250000, Currency: "HTG"},
		},
		ProviderTimeout: time.Second,
		Logger:          logger,
	})
	return h
}

func (h *harness) payment(t *testing.T, provider models.PaymentProvider, ref string, status models.PaymentStatus) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:          uuid.New(),
		TenantID:    h.tenantID,
		Provider:    provider,
		ProviderRef: ref,
		AmountCents: 5000,
		Currency:    "usd",
		Status:      status,
		Metadata:    models.PaymentMetadata{ApplicationID: h.app.ID, ApplicantID: h.app.ApplicantID},
	}
	if err := h.store.Payments().Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return p
}

func (h *harness) cascadeEvents(t *testing.T) int {
	t.Helper()
	events, err := h.store.Applications().ListTimeline(context.Background(), h.app.ID)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Action == models.ActionPaymentConfirmed {
			n++
		}
	}
	return n
}

func signed(body string) ([]byte, http.Header) {
	h := http.Header{}
	h.Set("X-Fake-Signature", "ok")
	return []byte(body), h
}

// A webhook confirms, then a poll redelivers PAID.
func TestWebhookThenPollIsOneCascade(t *testing.T) {
	h := newHarness(t)
	p := h.payment(t, models.ProviderStripe, "sess_123", models.PaymentPending)
	ctx := context.Background()

	body, header := signed("sess_123 PAID")
	if err := h.rec.HandleWebhook(ctx, models.ProviderStripe, body, header); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	stored, _ := h.store.Payments().GetByID(ctx, p.ID)
	if stored.Status != models.PaymentPaid || stored.PaidAt == nil {
		t.Fatalf("payment not paid: %+v", stored)
	}
	paidAt := *stored.PaidAt

	h.stripe.status["sess_123"] = models.PaymentPaid
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}
	again, err := h.rec.Verify(ctx, owner, models.ProviderStripe, "sess_123")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !again.PaidAt.Equal(paidAt) {
		t.Fatal("paidAt changed on redelivery")
	}
	if n := h.cascadeEvents(t); n != 1 {
		t.Fatalf("expected one cascade event, got %d", n)
	}
	if n := h.published.count(); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}

	app, _ := h.store.Applications().GetByID(ctx, h.app.ID)
	if !app.Checklist.PaymentReceived || *app.PaymentID != p.ID {
		t.Fatalf("checklist not updated: %+v", app.Checklist)
	}
	if app.Status != models.StatusInReview {
		t.Fatal("payment must not advance the application status")
	}
}

func TestConcurrentDoubleDelivery(t *testing.T) {
	h := newHarness(t)
	h.payment(t, models.ProviderStripe, "sess_race", models.PaymentPending)

	const deliveries = 8
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, header := signed("sess_race PAID")
			errs <- h.rec.HandleWebhook(context.Background(), models.ProviderStripe, body, header)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("delivery failed: %v", err)
		}
	}

	if n := h.cascadeEvents(t); n != 1 {
		t.Fatalf("expected one cascade event, got %d", n)
	}
	if n := h.published.count(); n != 1 {
		t.Fatalf("expected one notification, got %d", n)
	}
}

func TestTerminalRedelivery(t *testing.T) {
	cases := []struct {
		name    string
		stored  models.PaymentStatus
		signal  models.PaymentStatus
		wantErr error
		want    models.PaymentStatus
	}{
		{"paid again", models.PaymentPaid, models.PaymentPaid, nil, models.PaymentPaid},
		{"failed again", models.PaymentFailed, models.PaymentFailed, nil, models.PaymentFailed},
		{"paid then failed", models.PaymentPaid, models.PaymentFailed, apperr.ErrConflict, models.PaymentPaid},
		{"failed then paid", models.PaymentFailed, models.PaymentPaid, apperr.ErrConflict, models.PaymentFailed},
		{"refunded then paid", models.PaymentRefunded, models.PaymentPaid, apperr.ErrConflict, models.PaymentRefunded},
		{"paid then refunded", models.PaymentPaid, models.PaymentRefunded, nil, models.PaymentRefunded},
		{"pending refunded", models.PaymentPending, models.PaymentRefunded, apperr.ErrConflict, models.PaymentPending},
		{"late pending", models.PaymentPaid, models.PaymentPending, nil, models.PaymentPaid},
		{"pending failed", models.PaymentPending, models.PaymentFailed, nil, models.PaymentFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			p := h.payment(t, models.ProviderMonCash, "order-1", tc.stored)

			_, err := h.rec.ApplyStatus(context.Background(), NormalizedEvent{
				Provider:    models.ProviderMonCash,
				ProviderRef: "order-1",
				Status:      tc.signal,
			})
			if tc.wantErr == nil && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			stored, _ := h.store.Payments().GetByID(context.Background(), p.ID)
			if stored.Status != tc.want {
				t.Fatalf("expected stored %s, got %s", tc.want, stored.Status)
			}
		})
	}
}

func TestAmountMismatchDoesNotCredit(t *testing.T) {
	h := newHarness(t)
	p := h.payment(t, models.ProviderMonCash, "order-2", models.PaymentPending)
	short := int64(100)

	_, err := h.rec.ApplyStatus(context.Background(), NormalizedEvent{
		Provider: models.ProviderMonCash, ProviderRef: "order-2", Status: models.PaymentPaid, AmountCents: &short,
	})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected Conflict, got %v", err)
	}
	stored, _ := h.store.Payments().GetByID(context.Background(), p.ID)
	if stored.Status != models.PaymentPending || h.cascadeEvents(t) != 0 {
		t.Fatal("mismatched amount must not credit")
	}
}

func TestUnknownReference(t *testing.T) {
	h := newHarness(t)
	body, header := signed("sess_unknown PAID")

	err := h.rec.HandleWebhook(context.Background(), models.ProviderStripe, body, header)
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestWebhookSignatureCheckedFirst(t *testing.T) {
	h := newHarness(t)
	p := h.payment(t, models.ProviderStripe, "sess_sig", models.PaymentPending)

	err := h.rec.HandleWebhook(context.Background(), models.ProviderStripe, []byte("sess_sig PAID"), http.Header{})
	if !errors.Is(err, apperr.ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature, got %v", err)
	}
	stored, _ := h.store.Payments().GetByID(context.Background(), p.ID)
	if stored.Status != models.PaymentPending {
		t.Fatal("unsigned webhook changed the payment")
	}

	body, header := signed("ignored-event")
	if err := h.rec.HandleWebhook(context.Background(), models.ProviderStripe, body, header); err != nil {
		t.Fatalf("ignored event should succeed, got %v", err)
	}
}

func TestVerifyProviderErrorIsRetryable(t *testing.T) {
	h := newHarness(t)
	p := h.payment(t, models.ProviderMonCash, "order-3", models.PaymentPending)
	h.moncash.verifyErr = errors.New("connection reset")
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}

	_, err := h.rec.Verify(context.Background(), owner, models.ProviderMonCash, "order-3")
	if !errors.Is(err, apperr.ErrProviderError) || !apperr.Retryable(err) {
		t.Fatalf("expected retryable ProviderError, got %v", err)
	}
	stored, _ := h.store.Payments().GetByID(context.Background(), p.ID)
	if stored.Status != models.PaymentPending {
		t.Fatal("provider failure must never mark the payment FAILED")
	}
}

func TestVerifyTimeout(t *testing.T) {
	h := newHarness(t)
	h.payment(t, models.ProviderMonCash, "order-4", models.PaymentPending)
	h.moncash.block = make(chan struct{})
	defer close(h.moncash.block)
	h.rec.timeout = 20 * time.Millisecond
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}

	_, err := h.rec.Verify(context.Background(), owner, models.ProviderMonCash, "order-4")
	if !errors.Is(err, apperr.ErrProviderError) {
		t.Fatalf("expected ProviderError on timeout, got %v", err)
	}
}

func TestVerifyAuthorization(t *testing.T) {
	h := newHarness(t)
	h.payment(t, models.ProviderStripe, "sess_auth", models.PaymentPending)
	stranger := models.Principal{ID: uuid.New(), GlobalRole: models.GlobalRoleApplicant}

	_, err := h.rec.Verify(context.Background(), stranger, models.ProviderStripe, "sess_auth")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for a stranger, got %v", err)
	}

	finance := models.Principal{ID: uuid.New(), GlobalRole: models.GlobalRoleSchoolAdmin}
	h.store.PutStaff(models.StaffMember{TenantID: h.tenantID, PrincipalID: finance.ID, Role: models.RoleUniFinance})
	if _, err := h.rec.Verify(context.Background(), finance, models.ProviderStripe, "sess_auth"); err != nil {
		t.Fatalf("finance staff should verify: %v", err)
	}
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	paid := h.payment(t, models.ProviderStripe, "sess_refund", models.PaymentPaid)
	pending := h.payment(t, models.ProviderStripe, "sess_pending", models.PaymentPending)
	ctx := context.Background()

	reviewer := models.Principal{ID: uuid.New(), GlobalRole: models.GlobalRoleSchoolAdmin}
	h.store.PutStaff(models.StaffMember{TenantID: h.tenantID, PrincipalID: reviewer.ID, Role: models.RoleUniReviewer})
	if _, err := h.rec.Refund(ctx, reviewer, paid.ID); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("reviewer lacks MANAGE_PAYMENTS, got %v", err)
	}

	finance := models.Principal{ID: uuid.New(), GlobalRole: models.GlobalRoleSchoolAdmin}
	h.store.PutStaff(models.StaffMember{TenantID: h.tenantID, PrincipalID: finance.ID, Role: models.RoleUniFinance})
	refunded, err := h.rec.Refund(ctx, finance, paid.ID)
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != models.PaymentRefunded || refunded.RefundedAt == nil {
		t.Fatalf("unexpected refund result %+v", refunded)
	}

	if _, err := h.rec.Refund(ctx, finance, pending.ID); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("refund from PENDING must conflict, got %v", err)
	}
}

func TestBeginCheckout(t *testing.T) {
	h := newHarness(t)
	owner := models.Principal{ID: h.app.ApplicantID, Email: "applicant@example.com", GlobalRole: models.GlobalRoleApplicant}
	ctx := context.Background()

	res, err := h.rec.BeginCheckout(ctx, owner, h.app.ID, models.ProviderMonCash)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if res.Payment.Status != models.PaymentPending || res.Payment.ProviderRef == "" || res.RedirectURL == "" {
		t.Fatalf("unexpected checkout %+v", res)
	}
	if res.Payment.AmountCents != 250000 || res.Payment.Currency != "HTG" {
		t.Fatalf("fee not applied: %+v", res.Payment)
	}
	stored, _ := h.store.Payments().GetByProviderRef(ctx, models.ProviderMonCash, res.Payment.ProviderRef)
	if stored == nil || stored.ID != res.Payment.ID {
		t.Fatal("provider reference not stored")
	}

	stranger := models.Principal{ID: uuid.New(), GlobalRole: models.GlobalRoleApplicant}
	if _, err := h.rec.BeginCheckout(ctx, stranger, h.app.ID, models.ProviderStripe); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected NotFound for a stranger, got %v", err)
	}
}

func TestSecondCheckoutWhileAttemptOpen(t *testing.T) {
	h := newHarness(t)
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}
	ctx := context.Background()

	first, err := h.rec.BeginCheckout(ctx, owner, h.app.ID, models.ProviderMonCash)
	if err != nil {
		t.Fatalf("first checkout: %v", err)
	}
	if _, err := h.rec.BeginCheckout(ctx, owner, h.app.ID, models.ProviderStripe); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected Conflict while an attempt is open, got %v", err)
	}

	// A racing checkout that slipped past the guard is still charged.
	// Both confirmations must reach the application.
	h.payment(t, models.ProviderStripe, "sess_second", models.PaymentPending)

	body, header := signed(first.Payment.ProviderRef + " PAID")
	if err := h.rec.HandleWebhook(ctx, models.ProviderMonCash, body, header); err != nil {
		t.Fatalf("first webhook: %v", err)
	}
	for i := 0; i < 2; i++ {
		body, header = signed("sess_second PAID")
		if err := h.rec.HandleWebhook(ctx, models.ProviderStripe, body, header); err != nil {
			t.Fatalf("second webhook, delivery %d: %v", i, err)
		}
	}

	app, _ := h.store.Applications().GetByID(ctx, h.app.ID)
	if *app.PaymentID != first.Payment.ID {
		t.Fatal("the first confirmed payment stays recorded on the application")
	}
	if n := h.cascadeEvents(t); n != 2 {
		t.Fatalf("expected a payment_confirmed event per charge, got %d", n)
	}
	if n := h.published.count(); n != 2 {
		t.Fatalf("expected a notification per charge, got %d", n)
	}

	if _, err := h.rec.BeginCheckout(ctx, owner, h.app.ID, models.ProviderStripe); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected Conflict once paid, got %v", err)
	}
}

func TestCheckoutAfterAbandonedAttempt(t *testing.T) {
	h := newHarness(t)
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}
	ctx := context.Background()

	stale := h.payment(t, models.ProviderStripe, "sess_stale", models.PaymentPending)
	stale.CreatedAt = time.Now().UTC().Add(-PendingCheckoutWindow - time.Hour)
	h.store.PutPayment(*stale)
	h.payment(t, models.ProviderMonCash, "order-failed", models.PaymentFailed)

	if _, err := h.rec.BeginCheckout(ctx, owner, h.app.ID, models.ProviderStripe); err != nil {
		t.Fatalf("abandoned and failed attempts must not block checkout: %v", err)
	}
}

func TestVerifySurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t)
	p := h.payment(t, models.ProviderStripe, "sess_shared", models.PaymentPending)
	h.stripe.status["sess_shared"] = models.PaymentPaid
	h.stripe.block = make(chan struct{})
	owner := models.Principal{ID: h.app.ApplicantID, GlobalRole: models.GlobalRoleApplicant}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.rec.Verify(ctx, owner, models.ProviderStripe, "sess_shared")
		firstErr <- err
	}()
	waitFor(t, func() bool {
		h.stripe.mu.Lock()
		defer h.stripe.mu.Unlock()
		return h.stripe.verifies == 1
	})

	second := make(chan *models.Payment, 1)
	secondErr := make(chan error, 1)
	go func() {
		got, err := h.rec.Verify(context.Background(), owner, models.ProviderStripe, "sess_shared")
		second <- got
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancelled caller to stop waiting, got %v", err)
	}
	close(h.stripe.block)

	if err := <-secondErr; err != nil {
		t.Fatalf("live caller failed: %v", err)
	}
	if got := <-second; got.ID != p.ID || got.Status != models.PaymentPaid {
		t.Fatalf("unexpected result %+v", got)
	}
	h.stripe.mu.Lock()
	defer h.stripe.mu.Unlock()
	if h.stripe.verifies != 1 {
		t.Fatalf("expected one provider round trip, got %d", h.stripe.verifies)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
