package cryptopay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/errclass"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/status"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "test-token"})
}

func TestPayin_CreatesInvoice(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/createInvoice", r.URL.Path)
		assert.Equal(t, "test-token", r.Header.Get("Crypto-Pay-API-Token"))

		var params map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&params))
		assert.Equal(t, "BTC", params["asset"])
		assert.Equal(t, "0.001", params["amount"])
		assert.Equal(t, "txn_123", params["payload"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"invoice_id": 42,
				"status":     "active",
				"asset":      "BTC",
				"amount":     "0.001",
				"pay_url":    "https://pay.example/inv42",
			},
		})
	})

	res, err := a.Payin(context.Background(), provider.PayinRequest{
		UserID:    "u1",
		Amount:    decimal.RequireFromString("0.001"),
		Currency:  "btc",
		Reference: "txn_123",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "42", res.ProviderTxID)
	assert.Equal(t, status.Awaiting, res.Status)
	assert.Equal(t, "https://pay.example/inv42", res.PayinRef)
}

func TestPayin_GatewayError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]any{"code": 401, "name": "UNAUTHORIZED"},
		})
	})

	_, err := a.Payin(context.Background(), provider.PayinRequest{
		Amount: decimal.RequireFromString("1"), Currency: "USDT", Reference: "txn_1",
	})
	require.Error(t, err)
	// Native error must classify as a credential defect.
	c := errclass.Classify(err, Name)
	assert.Equal(t, errclass.Permanent, c.Category)
}

func TestPayout_Unsupported(t *testing.T) {
	a := New(Config{BaseURL: "http://unused", Token: "t"})
	_, err := a.Payout(context.Background(), provider.PayoutRequest{})
	require.Error(t, err)

	var ce *errclass.CategoryError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, errclass.Business, ce.Category)
}

func TestCheckStatus_MapsPaidToSuccess(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/getInvoices", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": map[string]any{
				"items": []map[string]any{{
					"invoice_id": 42,
					"status":     "paid",
				}},
			},
		})
	})

	res, err := a.CheckStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, status.Success, res.Status)
}

func TestBalances_FiltersByCurrency(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"result": []map[string]any{
				{"currency_code": "BTC", "available": "1.5", "onhold": "0.1"},
				{"currency_code": "USDT", "available": "900", "onhold": "0"},
			},
		})
	})

	snaps, err := a.Balances(context.Background(), "btc")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "BTC", snaps[0].Currency)
	assert.True(t, snaps[0].Available.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, snaps[0].Locked.Equal(decimal.RequireFromString("0.1")))
}

func TestCapabilities(t *testing.T) {
	a := New(Config{})
	assert.True(t, a.SupportsPayin())
	assert.False(t, a.SupportsPayout())
	assert.Equal(t, provider.TypeCryptoGateway, a.Type())
	assert.False(t, a.Available(context.Background()), "no token means unavailable")
}
