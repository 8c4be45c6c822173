// Package moncash is the Digicel MonCash payment provider.
//
// MonCash identifies a payment by the merchant's orderId, so the provider
// reference of a MonCash payment is our payment id. Amounts travel in
// gourdes; the rest of the system works in cents.
package moncash

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lalith-99/admitflow/internal/apperr"
	"github.com/lalith-99/admitflow/internal/models"
	"github.com/lalith-99/admitflow/internal/payment"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw notification body.
const SignatureHeader = "X-MonCash-Signature"

const (
	tokenPath    = "/Api/oauth/token"
	createPath   = "/Api/v1/CreatePayment"
	retrievePath = "/Api/v1/RetrieveOrderPayment"
	redirectPath = "/Moncash-middleware/Payment/Redirect"
)

type Config struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	// HTTPClient is the transport under the OAuth2 client; nil uses a
	// client with a 15s timeout.
	HTTPClient *http.Client
}

type Provider struct {
	baseURL       string
	http          *http.Client
	webhookSecret []byte
}

// New builds a provider whose HTTP client fetches and refreshes the
// client-credentials token on its own.
func New(cfg Config) *Provider {
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     baseURL + tokenPath,
		Scopes:       []string{"read,write"},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// The token source keeps this context for refreshes; it only carries
	// the base client.
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	return &Provider{
		baseURL:       baseURL,
		http:          cc.Client(tokenCtx),
		webhookSecret: []byte(cfg.WebhookSecret),
	}
}

func (p *Provider) Name() models.PaymentProvider { return models.ProviderMonCash }

type createRequest struct {
	Amount  float64 `json:"amount"`
	OrderID string  `json:"orderId"`
}

type createResponse struct {
	PaymentToken struct {
		Token   string `json:"token"`
		Expired string `json:"expired"`
	} `json:"payment_token"`
	Status int `json:"status"`
}

// CreateCheckout registers the order with MonCash and returns the hosted
// payment page for its token.
func (p *Provider) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutSession, error) {
	orderID := req.PaymentID.String()

	var resp createResponse
	status, err := p.post(ctx, createPath, createRequest{Amount: toGourdes(req.AmountCents), OrderID: orderID}, &resp)
	if err != nil {
		return nil, err
	}
	if status/100 != 2 || resp.PaymentToken.Token == "" {
		return nil, fmt.Errorf("moncash create payment: unexpected status %d", status)
	}

	redirect := p.baseURL + redirectPath + "?token=" + url.QueryEscape(resp.PaymentToken.Token)
	return &payment.CheckoutSession{ProviderRef: orderID, RedirectURL: redirect}, nil
}

type retrieveRequest struct {
	OrderID string `json:"orderId"`
}

type retrieveResponse struct {
	Payment struct {
		Reference     string  `json:"reference"`
		TransactionID string  `json:"transaction_id"`
		Cost          float64 `json:"cost"`
		Message       string  `json:"message"`
		Payer         string  `json:"payer"`
	} `json:"payment"`
	Status int `json:"status"`
}

// VerifyStatus looks the order up. MonCash answers 404 until the payer has
// completed the payment, which is PENDING, not a failure.
func (p *Provider) VerifyStatus(ctx context.Context, providerRef string) (*payment.NormalizedEvent, error) {
	var resp retrieveResponse
	status, err := p.post(ctx, retrievePath, retrieveRequest{OrderID: providerRef}, &resp)
	if err != nil {
		return nil, err
	}

	ev := &payment.NormalizedEvent{
		Provider:    models.ProviderMonCash,
		ProviderRef: providerRef,
		Status:      models.PaymentPending,
	}
	switch {
	case status == http.StatusNotFound:
		return ev, nil
	case status/100 != 2:
		return nil, fmt.Errorf("moncash retrieve order %s: unexpected status %d", providerRef, status)
	}

	if strings.EqualFold(resp.Payment.Message, "successful") {
		ev.Status = models.PaymentPaid
		ev.EventID = resp.Payment.TransactionID
		amount := toCents(resp.Payment.Cost)
		ev.AmountCents = &amount
	}
	return ev, nil
}

// post sends a JSON body and decodes a 2xx JSON answer into out. Non-2xx
// statuses are returned for the caller to interpret.
func (p *Provider) post(ctx context.Context, path string, body, out any) (int, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode moncash request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return 0, fmt.Errorf("build moncash request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("moncash %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode moncash %s: %w", path, err)
	}
	return resp.StatusCode, nil
}

// notification is the body relayed to our webhook for a MonCash order.
type notification struct {
	OrderID       string   `json:"orderId"`
	TransactionID string   `json:"transactionId"`
	Status        string   `json:"status"`
	Cost          *float64 `json:"cost"`
}

// VerifyAndParse checks the hex HMAC-SHA256 of the raw body before decoding
// it. Statuses other than successful and failed are ignored.
func (p *Provider) VerifyAndParse(payload []byte, header http.Header) (*payment.NormalizedEvent, error) {
	const op = "moncash.VerifyAndParse"

	if !p.validSignature(payload, header.Get(SignatureHeader)) {
		return nil, apperr.New(apperr.KindInvalidSignature, op, "invalid moncash signature")
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, apperr.Wrap(apperr.KindInvalidArgument, op, "malformed notification", err)
	}
	if n.OrderID == "" {
		return nil, apperr.New(apperr.KindInvalidArgument, op, "notification has no orderId")
	}

	ev := &payment.NormalizedEvent{
		Provider:    models.ProviderMonCash,
		ProviderRef: n.OrderID,
		EventID:     n.TransactionID,
	}
	switch strings.ToLower(n.Status) {
	case "successful":
		ev.Status = models.PaymentPaid
		if n.Cost != nil {
			amount := toCents(*n.Cost)
			ev.AmountCents = &amount
		}
	case "failed":
		ev.Status = models.PaymentFailed
	default:
		return nil, nil
	}
	return ev, nil
}

func (p *Provider) validSignature(payload []byte, signature string) bool {
	if len(p.webhookSecret) == 0 || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(p.webhookSecret, payload))
}

// Sign returns the HMAC-SHA256 of payload under secret.
func Sign(secret, payload []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

func toGourdes(cents int64) float64 {
	return float64(cents) / 100
}

func toCents(gourdes float64) int64 {
	return int64(math.Round(gourdes * 100))
}

// ErrNotConfigured is returned by NewFromConfig when credentials are missing.
var ErrNotConfigured = errors.New("moncash credentials are not configured")

// NewFromConfig validates cfg before building the provider.
func NewFromConfig(cfg Config) (*Provider, error) {
	if cfg.BaseURL == "" || cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.WebhookSecret == "" {
		return nil, ErrNotConfigured
	}
	return New(cfg), nil
}
