package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/auth"
	"github.com/lalith-99/admitflow/internal/lifecycle"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/payment"
	"github.com/lalith-99/admitflow/internal/payment/moncash"
	"github.com/lalith-99/admitflow/internal/permission"
	"github.com/lalith-99/admitflow/internal/repository/memory"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

const (
	testSecret        = "api-test-secret"
	moncashHookSecret = "moncash-hook-secret"
)

// stubCheckout stands in for Stripe on the checkout route.
type stubCheckout struct{}

func (stubCheckout) Name() models.PaymentProvider { return models.ProviderStripe }

func (stubCheckout) VerifyAndParse([]byte, http.Header) (*payment.NormalizedEvent, error) {
	return nil, nil
}

func (stubCheckout) VerifyStatus(_ context.Context, ref string) (*payment.NormalizedEvent, error) {
	return &payment.NormalizedEvent{ProviderRef: ref, Status: models.PaymentPending}, nil
}

func (stubCheckout) CreateCheckout(_ context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	ref := "cs_" + req.PaymentID.String()
	return &payment.CheckoutSession{ProviderRef: ref, RedirectURL: "https://checkout.example/" + ref}, nil
}

type server struct {
	t        *testing.T
	store    *memory.Store
	router   *gin.Engine
	tenantID uuid.UUID
}

func newServer(t *testing.T) *server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.New()
	tenantID := uuid.New()
	store.PutTenant(models.Tenant{ID: tenantID, Name: "Université d'État d'Haïti"})

	logger := zaptest.NewLogger(t)
	perms := permission.NewResolver(store.Tenants(), store.Staff(), nil, logger)
	life := lifecycle.NewService(store.Applications(), perms, nil, logger, 3)
	rec := payment.NewReconciler(payment.Config{
		Payments:     store.Payments(),
		Applications: store.Applications(),
		Cascade:      life,
		Permissions:  perms,
		Providers: []payment.Provider{
			stubCheckout{},
			moncash.New(moncash.Config{BaseURL: "http://moncash.invalid", WebhookSecret: moncashHookSecret}),
		},
		Fees: map[models.PaymentProvider]payment.Fee{
			models.ProviderStripe:  {AmountCents: 5000, Currency: "usd"},
			models.ProviderMonCash: {AmountCents: 250000, Currency: "HTG"},
		},
		ProviderTimeout: time.Second,
		Logger:          logger,
	})

	router := NewRouter(Handlers{
		Auth:          NewAuthHandler(store.Accounts(), testSecret, time.Hour, logger),
		Users:         NewUserHandler(store.Accounts(), logger),
		Permissions:   NewPermissionHandler(perms, logger),
		Applications:  NewApplicationHandler(life, rec, logger),
		Payments:      NewPaymentHandler(rec, logger),
		Webhooks:      NewWebhookHandler(rec, logger),
		Authenticator: auth.NewPrincipalResolver(testSecret, store.Accounts(), logger),
	})
	return &server{t: t, store: store, router: router, tenantID: tenantID}
}

// account stores an account with password "correct horse" and returns it.
func (s *server) account(role models.GlobalRole) models.Account {
	s.t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		s.t.Fatalf("hash: %v", err)
	}
	a := models.Account{
		ID:           uuid.New(),
		Email:        uuid.NewString()[:8] + "@example.edu",
		GlobalRole:   role,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	s.store.PutAccount(a)
	return a
}

func (s *server) staff(role models.TenantRole) models.Account {
	a := s.account(models.GlobalRoleSchoolAdmin)
	s.store.PutStaff(models.StaffMember{TenantID: s.tenantID, PrincipalID: a.ID, Role: role})
	return a
}

func (s *server) application(applicantID uuid.UUID, status models.ApplicationStatus) *models.Application {
	now := time.Now().UTC()
	a := &models.Application{
		ID:          uuid.New(),
		TenantID:    s.tenantID,
		ApplicantID: applicantID,
		Status:      status,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.store.PutApplication(a)
	return a
}

func (s *server) token(a models.Account) string {
	s.t.Helper()
	tok, err := auth.GenerateToken(&a, testSecret, time.Hour)
	if err != nil {
		s.t.Fatalf("token: %v", err)
	}
	return tok
}

func (s *server) do(method, path, token string, body any, header http.Header) *httptest.ResponseRecorder {
	s.t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			s.t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthIsPublic(t *testing.T) {
	s := newServer(t)
	if rec := s.do(http.MethodGet, "/v1/health", "", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, "/v1/permissions", "", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}
}

func TestLoginThenQueryPermissions(t *testing.T) {
	s := newServer(t)
	finance := s.staff(models.RoleUniFinance)

	bad := s.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: finance.Email, Password: "wrong"}, nil)
	if bad.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", bad.Code)
	}

	rec := s.do(http.MethodPost, "/v1/auth/login", "", loginRequest{Email: finance.Email, Password: "correct horse"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	token := decode[authResponse](t, rec).Token

	header := http.Header{}
	header.Set("X-Tenant-ID", s.tenantID.String())
	rec = s.do(http.MethodGet, "/v1/permissions", token, nil, header)
	if rec.Code != http.StatusOK {
		t.Fatalf("permissions: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[permissionsResponse](t, rec)
	if got.Role != models.RoleUniFinance || len(got.Capabilities) != 5 || got.IsPlatformAdmin {
		t.Fatalf("unexpected permissions %+v", got)
	}

	// No tenant anywhere in the request or the session.
	if rec := s.do(http.MethodGet, "/v1/permissions", token, nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without tenant, got %d", rec.Code)
	}
}

func TestGetMe(t *testing.T) {
	s := newServer(t)
	applicant := s.account(models.GlobalRoleApplicant)

	rec := s.do(http.MethodGet, "/v1/users/me", s.token(applicant), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[map[string]any](t, rec)
	if got["email"] != applicant.Email {
		t.Fatalf("unexpected account %v", got)
	}
	if _, leaked := got["PasswordHash"]; leaked {
		t.Fatal("password hash must not be serialized")
	}
}

func TestTransitionEndpoint(t *testing.T) {
	s := newServer(t)
	applicant := s.account(models.GlobalRoleApplicant)
	reviewer := s.staff(models.RoleUniReviewer)
	app := s.application(applicant.ID, models.StatusNew)
	path := "/v1/applications/" + app.ID.String() + "/status"

	// The applicant has no membership: the record is concealed.
	rec := s.do(http.MethodPost, path, s.token(applicant), transitionRequest{Status: models.StatusAccepted}, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for non-member, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, path, s.token(reviewer), transitionRequest{Status: models.StatusInReview, Note: "starting"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[models.Application](t, rec)
	if got.Status != models.StatusInReview || got.ReviewedAt == nil || got.Version != 2 {
		t.Fatalf("unexpected application %+v", got)
	}

	rec = s.do(http.MethodPost, path, s.token(reviewer), transitionRequest{Status: "archived"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	s.do(http.MethodPost, path, s.token(reviewer), transitionRequest{Status: models.StatusRejected}, nil)
	rec = s.do(http.MethodPost, path, s.token(reviewer), transitionRequest{Status: models.StatusInReview}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 leaving a terminal state, got %d", rec.Code)
	}
}

func TestAssignReviewerByViewerIsForbidden(t *testing.T) {
	s := newServer(t)
	viewer := s.staff(models.RoleUniViewer)
	app := s.application(uuid.New(), models.StatusInReview)

	rec := s.do(http.MethodPost, "/v1/applications/"+app.ID.String()+"/reviewer", s.token(viewer),
		assignReviewerRequest{ReviewerID: uuid.New()}, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAssignReviewerRejectsNonReviewer(t *testing.T) {
	s := newServer(t)
	admin := s.staff(models.RoleUniAdmin)
	finance := s.staff(models.RoleUniFinance)
	reviewer := s.staff(models.RoleUniReviewer)
	app := s.application(uuid.New(), models.StatusInReview)
	path := "/v1/applications/" + app.ID.String() + "/reviewer"

	rec := s.do(http.MethodPost, path, s.token(admin), assignReviewerRequest{ReviewerID: finance.ID}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 assigning finance staff, got %d", rec.Code)
	}
	rec = s.do(http.MethodPost, path, s.token(admin), assignReviewerRequest{ReviewerID: reviewer.ID}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("assign reviewer: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBulkAssignReportsPartialSuccess(t *testing.T) {
	s := newServer(t)
	reviewer := s.staff(models.RoleUniReviewer)
	a := s.application(uuid.New(), models.StatusInReview)
	b := s.application(uuid.New(), models.StatusInReview)

	rec := s.do(http.MethodPost, "/v1/bulk/reviewer-assignments", s.token(reviewer), bulkAssignRequest{
		ApplicationIDs: []uuid.UUID{a.ID, uuid.New(), b.ID},
		ReviewerID:     reviewer.ID,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk: %d %s", rec.Code, rec.Body.String())
	}
	got := decode[lifecycle.BulkResult](t, rec)
	if got.Updated != 2 || got.Skipped != 1 {
		t.Fatalf("expected 2 updated 1 skipped, got %+v", got)
	}
}

func TestNotesAndTimelineVisibility(t *testing.T) {
	s := newServer(t)
	applicant := s.account(models.GlobalRoleApplicant)
	viewer := s.staff(models.RoleUniViewer)
	app := s.application(applicant.ID, models.StatusInReview)
	base := "/v1/applications/" + app.ID.String()

	rec := s.do(http.MethodPost, base+"/notes", s.token(viewer), addNoteRequest{Text: "transcript looks odd", IsInternal: true}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add note: %d %s", rec.Code, rec.Body.String())
	}
	if note := decode[models.Note](t, rec); note.AuthorRole != string(models.RoleUniViewer) {
		t.Fatalf("expected author role snapshot, got %q", note.AuthorRole)
	}

	staffView := decode[lifecycle.Timeline](t, s.do(http.MethodGet, base+"/timeline", s.token(viewer), nil, nil))
	if len(staffView.Notes) != 1 {
		t.Fatalf("staff should see the internal note, got %d", len(staffView.Notes))
	}
	ownerView := decode[lifecycle.Timeline](t, s.do(http.MethodGet, base+"/timeline", s.token(applicant), nil, nil))
	if len(ownerView.Notes) != 0 {
		t.Fatalf("applicant must not see internal notes, got %d", len(ownerView.Notes))
	}
}

func TestDocumentStatusRequiresReasonForRejection(t *testing.T) {
	s := newServer(t)
	reviewer := s.staff(models.RoleUniReviewer)
	app := s.application(uuid.New(), models.StatusInReview)
	path := "/v1/applications/" + app.ID.String() + "/documents/transcript/status"

	rec := s.do(http.MethodPost, path, s.token(reviewer), documentStatusRequest{Status: models.DocumentRejected}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d", rec.Code)
	}
	rec = s.do(http.MethodPost, path, s.token(reviewer), documentStatusRequest{Status: models.DocumentRejected, RejectionReason: "blurry"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set document status: %d %s", rec.Code, rec.Body.String())
	}
	doc := decode[models.Application](t, rec).Documents["transcript"]
	if doc.RejectionReason == nil || *doc.RejectionReason != "blurry" {
		t.Fatalf("unexpected document review %+v", doc)
	}
}

func TestCheckoutThenVerify(t *testing.T) {
	s := newServer(t)
	applicant := s.account(models.GlobalRoleApplicant)
	app := s.application(applicant.ID, models.StatusInReview)

	rec := s.do(http.MethodPost, "/v1/applications/"+app.ID.String()+"/checkout", s.token(applicant), checkoutRequest{Provider: "stripe"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("checkout: %d %s", rec.Code, rec.Body.String())
	}
	result := decode[payment.CheckoutResult](t, rec)
	if result.Payment.Status != models.PaymentPending || result.RedirectURL == "" {
		t.Fatalf("unexpected checkout %+v", result)
	}

	rec = s.do(http.MethodPost, "/v1/payments/verify", s.token(applicant),
		verifyRequest{Provider: "STRIPE", ProviderRef: result.Payment.ProviderRef}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Payment](t, rec); got.Status != models.PaymentPending {
		t.Fatalf("expected still pending, got %s", got.Status)
	}

	rec = s.do(http.MethodPost, "/v1/applications/"+app.ID.String()+"/checkout", s.token(applicant), checkoutRequest{Provider: "paypal"}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown provider, got %d", rec.Code)
	}

	rec = s.do(http.MethodPost, "/v1/applications/"+app.ID.String()+"/checkout", s.token(applicant), checkoutRequest{Provider: "moncash"}, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while the stripe attempt is open, got %d %s", rec.Code, rec.Body.String())
	}
}

func moncashHeader(body []byte) http.Header {
	h := http.Header{}
	h.Set(moncash.SignatureHeader, hex.EncodeToString(moncash.Sign([]byte(moncashHookSecret), body)))
	return h
}

func TestMonCashWebhook(t *testing.T) {
	s := newServer(t)
	app := s.application(uuid.New(), models.StatusInReview)
	p := &models.Payment{
		ID:          uuid.New(),
		TenantID:    s.tenantID,
		Provider:    models.ProviderMonCash,
		AmountCents: 250000,
		Currency:    "HTG",
		Status:      models.PaymentPending,
		Metadata:    models.PaymentMetadata{ApplicationID: app.ID, ApplicantID: app.ApplicantID},
	}
	p.ProviderRef = p.ID.String()
	if err := s.store.Payments().Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}

	paid := []byte(`{"orderId":"` + p.ProviderRef + `","transactionId":"7781","status":"successful","cost":2500}`)

	if rec := s.do(http.MethodPost, "/webhooks/moncash", "", paid, http.Header{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unsigned webhook, got %d", rec.Code)
	}

	for i := 0; i < 2; i++ {
		if rec := s.do(http.MethodPost, "/webhooks/moncash", "", paid, moncashHeader(paid)); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: %d %s", i, rec.Code, rec.Body.String())
		}
	}

	stored, _ := s.store.Applications().GetByID(context.Background(), app.ID)
	if !stored.Checklist.PaymentReceived || stored.PaymentID == nil || *stored.PaymentID != p.ID {
		t.Fatalf("cascade not applied: %+v", stored)
	}
	if stored.Status != models.StatusInReview {
		t.Fatalf("payment must not move the application status, got %s", stored.Status)
	}

	unknown := []byte(`{"orderId":"` + uuid.NewString() + `","status":"successful","cost":2500}`)
	if rec := s.do(http.MethodPost, "/webhooks/moncash", "", unknown, moncashHeader(unknown)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown reference, got %d", rec.Code)
	}

	pending := []byte(`{"orderId":"` + p.ProviderRef + `","status":"processing"}`)
	if rec := s.do(http.MethodPost, "/webhooks/moncash", "", pending, moncashHeader(pending)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored status, got %d", rec.Code)
	}
}

func TestPaymentReadsAndRefund(t *testing.T) {
	s := newServer(t)
	finance := s.staff(models.RoleUniFinance)
	viewer := s.staff(models.RoleUniViewer)
	app := s.application(uuid.New(), models.StatusInReview)
	p := &models.Payment{
		ID:          uuid.New(),
		TenantID:    s.tenantID,
		Provider:    models.ProviderStripe,
		ProviderRef: "cs_paid",
		AmountCents: 5000,
		Currency:    "usd",
		Status:      models.PaymentPaid,
		Metadata:    models.PaymentMetadata{ApplicationID: app.ID, ApplicantID: app.ApplicantID},
	}
	if err := s.store.Payments().Create(context.Background(), p); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	path := "/v1/payments/" + p.ID.String()

	if rec := s.do(http.MethodGet, path, s.token(viewer), nil, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("viewer lacks VIEW_PAYMENTS, got %d", rec.Code)
	}
	if rec := s.do(http.MethodGet, path, s.token(finance), nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("finance read: %d", rec.Code)
	}

	rec := s.do(http.MethodPost, path+"/refund", s.token(finance), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("refund: %d %s", rec.Code, rec.Body.String())
	}
	if got := decode[models.Payment](t, rec); got.Status != models.PaymentRefunded || got.RefundedAt == nil {
		t.Fatalf("unexpected refund result %+v", got)
	}

	if rec := s.do(http.MethodGet, "/v1/payments/not-a-uuid", s.token(finance), nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
}
