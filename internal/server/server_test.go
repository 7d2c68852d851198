package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/config"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/status"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubAdapter implements provider.Adapter for server-level tests
type stubAdapter struct {
	name       string
	currencies []string
	payin      bool
	payout     bool
}

func (a *stubAdapter) Name() string                  { return a.name }
func (a *stubAdapter) Type() provider.Type           { return provider.TypeBank }
func (a *stubAdapter) SupportedCurrencies() []string { return a.currencies }
func (a *stubAdapter) SupportsPayin() bool           { return a.payin }
func (a *stubAdapter) SupportsPayout() bool          { return a.payout }
func (a *stubAdapter) Available(_ context.Context) bool {
	return true
}

func (a *stubAdapter) Payin(_ context.Context, req provider.PayinRequest) (*provider.Result, error) {
	if !a.payin {
		return nil, provider.ErrUnsupported(a.name, provider.OpPayin)
	}
	return &provider.Result{
		Success:      true,
		ProviderTxID: "stub_" + req.Reference,
		NativeStatus: "pending",
		Status:       status.Pending,
		PayinRef:     "Wema Bank 0123456789",
	}, nil
}

func (a *stubAdapter) Payout(_ context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	if !a.payout {
		return nil, provider.ErrUnsupported(a.name, provider.OpPayout)
	}
	return &provider.Result{
		Success:      true,
		ProviderTxID: "stub_" + req.Reference,
		NativeStatus: "processing",
		Status:       status.Processing,
	}, nil
}

func (a *stubAdapter) Balances(_ context.Context, _ string) ([]provider.BalanceSnapshot, error) {
	return []provider.BalanceSnapshot{{
		Provider:  a.name,
		Currency:  "NGN",
		Available: decimal.NewFromInt(1000000),
		AsOf:      time.Now(),
	}}, nil
}

func (a *stubAdapter) CheckStatus(_ context.Context, providerTxID string) (*provider.Result, error) {
	return &provider.Result{Success: true, ProviderTxID: providerTxID, Status: status.Success}, nil
}

func (a *stubAdapter) EstimateFee(_ context.Context, amount decimal.Decimal, _ string, _ provider.Operation) (decimal.Decimal, error) {
	return amount.Mul(decimal.NewFromFloat(0.01)), nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:          "0",
		Env:           "development",
		LogLevel:      "error",
		WebhookSecret: "whsec_test",
		RateLimitRPS:  1000,
	}
}

// newTestServer creates an in-memory server with a stub bank adapter
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithAdapters(&stubAdapter{
		name:       "paystack",
		currencies: []string{"NGN"},
		payin:      true,
		payout:     true,
	}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Payrail")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestLiveness(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHealthAggregates(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "paystack", resp.Checks[0].Name)
}

func TestPayinThroughHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/payments/payin", gin.H{
		"userId":   "usr_1",
		"amount":   "5000",
		"currency": "NGN",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result struct {
		Success       bool   `json:"success"`
		TransactionID string `json:"transactionId"`
		ProviderRef   string `json:"providerRef"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Contains(t, result.ProviderRef, "Wema Bank")

	// Transaction is visible afterwards
	w = doJSON(t, s, http.MethodGet, "/api/v1/payments/"+result.TransactionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPayinValidation(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/payments/payin", gin.H{
		"userId": "usr_1",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookRejectsMissingSignature(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/webhooks/paystack", gin.H{
		"reference": "txn_nope",
	})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhookValidSignatureUnknownReference(t *testing.T) {
	s := newTestServer(t)

	body, _ := json.Marshal(gin.H{"reference": "txn_nope", "status": "success"})
	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(body)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Payrail-Signature", hex.EncodeToString(mac.Sum(nil)))
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEscrowLifecycleThroughHTTP(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/escrows", gin.H{
		"buyerId":  "usr_buyer",
		"sellerId": "usr_seller",
		"amount":   "250.00",
		"currency": "NGN",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Escrow struct {
			ID string `json:"id"`
		} `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Escrow.ID)

	w = doJSON(t, s, http.MethodGet, "/api/v1/escrows/"+created.Escrow.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserBalanceEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Missing currency
	w := doJSON(t, s, http.MethodGet, "/api/v1/users/usr_1/balance", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/users/usr_1/balance?currency=ngn", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var bal struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, "NGN", bal.Currency)
}

func TestProviderBalancesEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/balances?currencies=NGN", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "paystack")
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)
	w := doJSON(t, s, http.MethodGet, "/", nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
