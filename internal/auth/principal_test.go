package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/repository/memory"
	"go.uber.org/zap/zaptest"
)

const testSecret = "unit-test-secret"

func seedAccount(store *memory.Store, mutate func(*models.Account)) models.Account {
	a := models.Account{
		ID:         uuid.New(),
		Email:      "dean@example.edu",
		GlobalRole: models.GlobalRoleSchoolAdmin,
		TenantID:   uuid.New(),
		CreatedAt:  time.Now(),
	}
	if mutate != nil {
		mutate(&a)
	}
	store.PutAccount(a)
	return a
}

func TestTokenRoundTrip(t *testing.T) {
	a := &models.Account{ID: uuid.New(), Email: "x@example.edu", GlobalRole: models.GlobalRoleApplicant}

	token, err := GenerateToken(a, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := ParseToken(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != a.ID || claims.Email != a.Email || claims.GlobalRole != a.GlobalRole {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestParseTokenRejects(t *testing.T) {
	a := &models.Account{ID: uuid.New(), Email: "x@example.edu"}

	expired, err := GenerateToken(a, testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	valid, err := GenerateToken(a, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: a.ID}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("none token: %v", err)
	}

	cases := map[string]struct {
		token  string
		secret string
	}{
		"expired":      {expired, testSecret},
		"wrong secret": {valid, "other-secret"},
		"alg none":     {unsigned, testSecret},
		"garbage":      {"not.a.token", testSecret},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseToken(tc.token, tc.secret); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResolveActiveAccount(t *testing.T) {
	store := memory.New()
	account := seedAccount(store, nil)
	resolver := NewPrincipalResolver(testSecret, store.Accounts(), zaptest.NewLogger(t))

	token, err := GenerateToken(&account, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	p, err := resolver.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.ID != account.ID || p.GlobalRole != models.GlobalRoleSchoolAdmin || p.TenantID != account.TenantID {
		t.Fatalf("unexpected principal %+v", p)
	}
}

func TestResolveUsesStoredRoleNotClaim(t *testing.T) {
	store := memory.New()
	account := seedAccount(store, nil)
	resolver := NewPrincipalResolver(testSecret, store.Accounts(), zaptest.NewLogger(t))

	// A token minted claiming PLATFORM_ADMIN for a school admin account.
	forged := account
	forged.GlobalRole = models.GlobalRolePlatformAdmin
	token, err := GenerateToken(&forged, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	p, err := resolver.Resolve(context.Background(), token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p.GlobalRole != models.GlobalRoleSchoolAdmin {
		t.Fatalf("expected stored role, got %s", p.GlobalRole)
	}
}

func TestResolveFailuresAreIndistinguishable(t *testing.T) {
	store := memory.New()
	deletedAt := time.Now()
	disabled := seedAccount(store, func(a *models.Account) { a.Disabled = true })
	deleted := seedAccount(store, func(a *models.Account) { a.DeletedAt = &deletedAt })
	unknown := models.Account{ID: uuid.New(), Email: "ghost@example.edu"}
	resolver := NewPrincipalResolver(testSecret, store.Accounts(), zaptest.NewLogger(t))

	tokenFor := func(a models.Account) string {
		token, err := GenerateToken(&a, testSecret, time.Hour)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		return token
	}

	cases := map[string]string{
		"missing":  "",
		"invalid":  "garbage",
		"disabled": tokenFor(disabled),
		"deleted":  tokenFor(deleted),
		"unknown":  tokenFor(unknown),
	}

	var messages []string
	for name, credential := range cases {
		_, err := resolver.Resolve(context.Background(), credential)
		if !errors.Is(err, apperr.ErrUnauthenticated) {
			t.Fatalf("%s: expected Unauthenticated, got %v", name, err)
		}
		messages = append(messages, err.Error())
	}
	for _, m := range messages[1:] {
		if m != messages[0] {
			t.Fatalf("failure messages differ: %q vs %q", m, messages[0])
		}
	}
}
