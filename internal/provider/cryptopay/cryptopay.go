// Package cryptopay adapts the crypto deposit gateway (Crypto Pay style
// invoice API) to the common provider interface. Pay-in only: deposits
// are collected through invoices; the gateway has no payout surface.
package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/money"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/status"
)

const (
	Name           = "cryptopay"
	defaultTimeout = 15 * time.Second
	maxBodySize    = 1 << 20
)

var supportedCurrencies = []string{"BTC", "ETH", "USDT", "TON", "LTC"}

// nativeStatus maps the gateway's invoice statuses onto the canonical model.
var nativeStatus = map[string]status.Status{
	"active":  status.Awaiting, // invoice issued, deposit not yet seen
	"paid":    status.Success,
	"expired": status.Failed,
}

// Config holds gateway credentials and endpoint.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Adapter implements provider.Adapter over the invoice API.
type Adapter struct {
	cfg    Config
	client *http.Client
}

// New creates a cryptopay adapter.
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
func (a *Adapter) Type() provider.Type           { return provider.TypeCryptoGateway }
func (a *Adapter) SupportedCurrencies() []string { return supportedCurrencies }
func (a *Adapter) SupportsPayin() bool           { return true }
func (a *Adapter) SupportsPayout() bool          { return false }

// Available probes the gateway with a cheap getMe call.
func (a *Adapter) Available(ctx context.Context) bool {
	if a.cfg.Token == "" {
		return false
	}
	return a.call(ctx, "getMe", nil, nil) == nil
}

// invoice is the gateway's native invoice shape.
type invoice struct {
	InvoiceID int64  `json:"invoice_id"`
	Status    string `json:"status"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	PayURL    string `json:"pay_url"`
	Payload   string `json:"payload"`
}

// Payin creates a deposit invoice. The returned PayinRef is the pay URL
// the buyer must complete; the deposit confirms asynchronously via
// webhook or the chain watcher.
func (a *Adapter) Payin(ctx context.Context, req provider.PayinRequest) (*provider.Result, error) {
	params := map[string]any{
		"asset":   money.NormalizeCurrency(req.Currency),
		"amount":  req.Amount.String(),
		"payload": req.Reference,
	}
	var inv invoice
	if err := a.call(ctx, "createInvoice", params, &inv); err != nil {
		return nil, err
	}
	return a.normalize(&inv), nil
}

// Payout is not a capability of the deposit gateway.
func (a *Adapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	return nil, provider.ErrUnsupported(Name, provider.OpPayout)
}

// Balances queries the gateway float.
func (a *Adapter) Balances(ctx context.Context, currency string) ([]provider.BalanceSnapshot, error) {
	var out []struct {
		Asset     string `json:"currency_code"`
		Available string `json:"available"`
		OnHold    string `json:"onhold"`
	}
	if err := a.call(ctx, "getBalance", nil, &out); err != nil {
		return nil, err
	}

	want := money.NormalizeCurrency(currency)
	now := time.Now()
	var snaps []provider.BalanceSnapshot
	for _, b := range out {
		code := money.NormalizeCurrency(b.Asset)
		if want != "" && code != want {
			continue
		}
		avail, err := money.ParseNonNegative(b.Available)
		if err != nil {
			return nil, fmt.Errorf("cryptopay: bad balance for %s: %w", code, err)
		}
		locked, _ := money.ParseNonNegative(b.OnHold)
		snaps = append(snaps, provider.BalanceSnapshot{
			Provider:  Name,
			Currency:  code,
			Available: avail,
			Locked:    locked,
			AsOf:      now,
		})
	}
	return snaps, nil
}

// CheckStatus re-queries an invoice by id.
func (a *Adapter) CheckStatus(ctx context.Context, providerTxID string) (*provider.Result, error) {
	var out struct {
		Items []invoice `json:"items"`
	}
	if err := a.call(ctx, "getInvoices", map[string]any{"invoice_ids": providerTxID}, &out); err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("cryptopay: invoice %s not found", providerTxID)
	}
	return a.normalize(&out.Items[0]), nil
}

// EstimateFee returns the gateway's flat deposit fee (none for invoices).
func (a *Adapter) EstimateFee(ctx context.Context, amount decimal.Decimal, currency string, op provider.Operation) (decimal.Decimal, error) {
	if op != provider.OpPayin {
		return decimal.Zero, provider.ErrUnsupported(Name, op)
	}
	return decimal.Zero, nil
}

func (a *Adapter) normalize(inv *invoice) *provider.Result {
	st, ok := nativeStatus[inv.Status]
	if !ok {
		st = status.MapLegacy(inv.Status)
	}
	return &provider.Result{
		Success:      st != status.Failed,
		ProviderTxID: fmt.Sprintf("%d", inv.InvoiceID),
		NativeStatus: inv.Status,
		Status:       st,
		PayinRef:     inv.PayURL,
	}
}

// call performs one JSON-RPC-style POST against the gateway.
func (a *Adapter) call(ctx context.Context, method string, params map[string]any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("cryptopay: marshal %s: %w", method, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+"/api/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("cryptopay: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Crypto-Pay-API-Token", a.cfg.Token)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cryptopay: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("cryptopay: read response: %w", err)
	}

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
		Error  struct {
			Code int    `json:"code"`
			Name string `json:"name"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("cryptopay: %s returned status %d: %s", method, resp.StatusCode, string(raw))
	}
	if !envelope.OK {
		return fmt.Errorf("cryptopay: %s failed: %d %s", method, envelope.Error.Code, envelope.Error.Name)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("cryptopay: decode %s result: %w", method, err)
		}
	}
	return nil
}

var _ provider.Adapter = (*Adapter)(nil)
