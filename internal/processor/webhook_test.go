package processor

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

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/escrow"
	"github.com/haldor/payrail/internal/status"
)

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"reference":"txn_1"}`)

	assert.NoError(t, VerifySignature(payload, sign(payload, "s3cret"), "s3cret"))
	assert.ErrorIs(t, VerifySignature(payload, sign(payload, "wrong"), "s3cret"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(payload, "", "s3cret"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature(payload, sign(payload, "s3cret"), ""), ErrBadSignature)

	// Prefixed form is accepted.
	assert.NoError(t, VerifySignature(payload, "sha256="+sign(payload, "s3cret"), "s3cret"))
}

func TestHandleWebhook_ConfirmsDepositAndActivatesEscrow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e, err := f.escrows.Create(ctx, escrow.CreateRequest{
		BuyerID: "buyer-1", SellerID: "seller-1",
		Amount: decimal.RequireFromString("0.05"), Currency: "BTC",
	})
	require.NoError(t, err)
	e.Status = escrow.StatusPendingDeposit
	require.NoError(t, f.escStore.Update(ctx, e))

	// Pay-in created for this escrow.
	result := f.processor.ProcessPayin(ctx, PayinRequest{
		UserID: "buyer-1", Amount: decimal.RequireFromString("0.05"),
		Currency: "BTC", OpType: "escrow", ReferenceID: e.ID,
	})
	require.True(t, result.Success)

	err = f.processor.HandleWebhook(ctx, WebhookEvent{
		Provider:     "cryptopay",
		Reference:    result.TransactionID,
		ProviderTxID: "inv_1",
		NativeStatus: "paid",
		Status:       status.Success,
		Amount:       decimal.RequireFromString("0.05"),
		Currency:     "BTC",
	})
	require.NoError(t, err)

	st, err := f.states.GetStatus(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)

	after, err := f.escrows.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusActive, after.Status)
	assert.Equal(t, "inv_1", after.DepositProof)
}

func TestHandleWebhook_ReplayIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.processor.ProcessPayin(ctx, PayinRequest{
		UserID: "user-1", Amount: decimal.RequireFromString("0.05"), Currency: "BTC",
	})
	require.True(t, result.Success)

	ev := WebhookEvent{
		Provider:  "cryptopay",
		Reference: result.TransactionID,
		Status:    status.Success,
	}
	require.NoError(t, f.processor.HandleWebhook(ctx, ev))
	// Replay: same-state no-op, no extra history row.
	require.NoError(t, f.processor.HandleWebhook(ctx, ev))

	history, err := f.states.History(ctx, result.TransactionID, 10)
	require.NoError(t, err)
	// Create is not a history row; Pending→Awaiting then Awaiting→Success.
	assert.Len(t, history, 2)
}

func TestHandleWebhook_UnknownReference(t *testing.T) {
	f := newFixture(t)

	err := f.processor.HandleWebhook(context.Background(), WebhookEvent{
		Provider:  "cryptopay",
		Reference: "txn_missing",
		Status:    status.Success,
	})
	assert.ErrorIs(t, err, ErrUnknownWebhook)
}

func TestHandleWebhook_LegacyNativeStatusFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result := f.processor.ProcessPayin(ctx, PayinRequest{
		UserID: "user-1", Amount: decimal.RequireFromString("5000"), Currency: "NGN",
	})
	require.True(t, result.Success)

	// No canonical status in the event; the legacy map resolves it.
	err := f.processor.HandleWebhook(ctx, WebhookEvent{
		Provider:     "paystack",
		Reference:    result.TransactionID,
		NativeStatus: "success",
	})
	require.NoError(t, err)

	st, err := f.states.GetStatus(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)
}

func TestWebhookEndpoint_SignatureEnforced(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	result := f.processor.ProcessPayin(context.Background(), PayinRequest{
		UserID: "user-1", Amount: decimal.RequireFromString("0.05"), Currency: "BTC",
	})
	require.True(t, result.Success)

	h := NewHandler(f.processor, "whsec_test")
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	body, _ := json.Marshal(WebhookEvent{
		Reference: result.TransactionID,
		Status:    status.Success,
	})

	// Missing signature → 401, no state change.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks/cryptopay", bytes.NewReader(body))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	st, _ := f.states.GetStatus(context.Background(), result.TransactionID)
	assert.NotEqual(t, status.Success, st)

	// Valid signature → applied.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/webhooks/cryptopay", bytes.NewReader(body))
	req.Header.Set("X-Payrail-Signature", sign(body, "whsec_test"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	st, err := f.states.GetStatus(context.Background(), result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)
}

func TestWebhookEndpoint_UnknownReferenceIs404(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	h := NewHandler(f.processor, "whsec_test")
	r := gin.New()
	h.RegisterRoutes(r.Group("/v1"))

	body, _ := json.Marshal(WebhookEvent{Reference: "txn_missing", Status: status.Success})
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set("X-Payrail-Signature", sign(body, "whsec_test"))
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_found", resp["error"])
}
