// Package paystack adapts the fiat bank-transfer gateway to the common
// provider interface. Both directions: pay-ins are collected through
// dedicated virtual accounts, pay-outs through bank transfers.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/money"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/status"
)

const (
	Name           = "paystack"
	defaultTimeout = 15 * time.Second
	maxBodySize    = 1 << 20
)

var supportedCurrencies = []string{"NGN"}

// nativeStatus maps gateway transfer/charge statuses onto the canonical model.
var nativeStatus = map[string]status.Status{
	"pending":     status.Pending,
	"processing":  status.Processing,
	"ongoing":     status.Processing,
	"otp":         status.Awaiting,
	"pending_otp": status.Awaiting,
	"success":     status.Success,
	"failed":      status.Failed,
	"reversed":    status.Failed,
	"abandoned":   status.Failed,
}

// Config holds gateway credentials.
type Config struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// Adapter implements provider.Adapter over the gateway REST API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a paystack adapter.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

func (a *Adapter) Name() string                  { return Name }
func (a *Adapter) Type() provider.Type           { return provider.TypeBank }
func (a *Adapter) SupportedCurrencies() []string { return supportedCurrencies }
func (a *Adapter) SupportsPayin() bool           { return true }
func (a *Adapter) SupportsPayout() bool          { return true }

// Available probes the bank list endpoint, the cheapest authenticated call.
func (a *Adapter) Available(ctx context.Context) bool {
	if a.cfg.SecretKey == "" {
		return false
	}
	return a.call(ctx, http.MethodGet, "/bank?perPage=1", nil, nil) == nil
}

// Payin provisions a dedicated virtual account the payer transfers into.
// The returned PayinRef is the account number; settlement confirms
// asynchronously through the gateway webhook.
func (a *Adapter) Payin(ctx context.Context, req provider.PayinRequest) (*provider.Result, error) {
	body := map[string]any{
		"customer":       req.UserID,
		"preferred_bank": "wema-bank",
		"reference":      req.Reference,
		"amount":         toKobo(req.Amount),
		"currency":       money.NormalizeCurrency(req.Currency),
	}
	var out struct {
		AccountNumber string `json:"account_number"`
		AccountName   string `json:"account_name"`
		BankName      string `json:"bank_name"`
		ID            int64  `json:"id"`
	}
	if err := a.call(ctx, http.MethodPost, "/dedicated_account", body, &out); err != nil {
		return nil, err
	}
	return &provider.Result{
		Success:      true,
		ProviderTxID: fmt.Sprintf("%d", out.ID),
		NativeStatus: "pending",
		Status:       status.Pending, // awaiting the actual bank transfer
		PayinRef:     fmt.Sprintf("%s %s (%s)", out.BankName, out.AccountNumber, out.AccountName),
	}, nil
}

// Payout initiates a bank transfer to the destination account.
// Destination format: "<bank_code>:<account_number>".
func (a *Adapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	bankCode, account, ok := strings.Cut(req.Destination, ":")
	if !ok {
		return nil, fmt.Errorf("paystack: invalid account destination %q", req.Destination)
	}

	// Transfers require a recipient handle first.
	var recipient struct {
		RecipientCode string `json:"recipient_code"`
	}
	if err := a.call(ctx, http.MethodPost, "/transferrecipient", map[string]any{
		"type":           "nuban",
		"account_number": account,
		"bank_code":      bankCode,
		"currency":       money.NormalizeCurrency(req.Currency),
		"name":           req.UserID,
	}, &recipient); err != nil {
		return nil, err
	}

	var out struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	if err := a.call(ctx, http.MethodPost, "/transfer", map[string]any{
		"source":    "balance",
		"amount":    toKobo(req.Amount),
		"currency":  money.NormalizeCurrency(req.Currency),
		"recipient": recipient.RecipientCode,
		"reference": req.Reference,
	}, &out); err != nil {
		return nil, err
	}
	return a.normalize(out.TransferCode, out.Status), nil
}

// Balances queries the settlement float.
func (a *Adapter) Balances(ctx context.Context, currency string) ([]provider.BalanceSnapshot, error) {
	var out []struct {
		Currency string `json:"currency"`
		Balance  int64  `json:"balance"` // kobo
	}
	if err := a.call(ctx, http.MethodGet, "/balance", nil, &out); err != nil {
		return nil, err
	}

	want := money.NormalizeCurrency(currency)
	now := time.Now()
	var snaps []provider.BalanceSnapshot
	for _, b := range out {
		code := money.NormalizeCurrency(b.Currency)
		if want != "" && code != want {
			continue
		}
		snaps = append(snaps, provider.BalanceSnapshot{
			Provider:  Name,
			Currency:  code,
			Available: fromKobo(b.Balance),
			AsOf:      now,
		})
	}
	return snaps, nil
}

// CheckStatus re-queries a transfer by its transfer code.
func (a *Adapter) CheckStatus(ctx context.Context, providerTxID string) (*provider.Result, error) {
	var out struct {
		TransferCode string `json:"transfer_code"`
		Status       string `json:"status"`
	}
	if err := a.call(ctx, http.MethodGet, "/transfer/"+providerTxID, nil, &out); err != nil {
		return nil, err
	}
	return a.normalize(out.TransferCode, out.Status), nil
}

// EstimateFee quotes the gateway's NGN transfer fee schedule.
func (a *Adapter) EstimateFee(ctx context.Context, amount decimal.Decimal, currency string, op provider.Operation) (decimal.Decimal, error) {
	if money.NormalizeCurrency(currency) != "NGN" {
		return decimal.Zero, fmt.Errorf("paystack: currency %s not supported", currency)
	}
	if op == provider.OpPayin {
		// 1% capped at 300 NGN.
		fee := amount.Mul(decimal.RequireFromString("0.01"))
		cap := decimal.NewFromInt(300)
		if fee.GreaterThan(cap) {
			fee = cap
		}
		return fee, nil
	}
	// Flat transfer fee tiers.
	switch {
	case amount.LessThanOrEqual(decimal.NewFromInt(5000)):
		return decimal.NewFromInt(10), nil
	case amount.LessThanOrEqual(decimal.NewFromInt(50000)):
		return decimal.NewFromInt(25), nil
	default:
		return decimal.NewFromInt(50), nil
	}
}

func (a *Adapter) normalize(code, native string) *provider.Result {
	st, ok := nativeStatus[native]
	if !ok {
		st = status.MapLegacy(native)
	}
	return &provider.Result{
		Success:      st != status.Failed,
		ProviderTxID: code,
		NativeStatus: native,
		Status:       st,
	}
}

// toKobo converts an NGN amount to the gateway's integer subunit.
func toKobo(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).IntPart()
}

func fromKobo(k int64) decimal.Decimal {
	return decimal.NewFromInt(k).Div(decimal.NewFromInt(100))
}

// call performs one JSON call against the gateway and unwraps its envelope.
func (a *Adapter) call(ctx context.Context, method, path string, body map[string]any, result any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("paystack: marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("paystack: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("paystack: %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("paystack: read response: %w", err)
	}

	var envelope struct {
		Status  bool            `json:"status"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("paystack: %s returned status %d: %s", path, resp.StatusCode, string(raw))
	}
	if !envelope.Status {
		return fmt.Errorf("paystack: %s failed: %s", path, envelope.Message)
	}
	if result != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, result); err != nil {
			return fmt.Errorf("paystack: decode %s: %w", path, err)
		}
	}
	return nil
}

var _ provider.Adapter = (*Adapter)(nil)
