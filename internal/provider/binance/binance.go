// Package binance adapts the crypto withdrawal exchange to the common
// provider interface. Pay-out only: the exchange account is the
// platform's withdrawal float; deposits never route here.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/money"
	"github.com/haldor/payrail/internal/provider"
	"github.com/haldor/payrail/internal/status"
)

const (
	Name           = "binance"
	defaultTimeout = 20 * time.Second
	maxBodySize    = 1 << 20
)

var supportedCurrencies = []string{"BTC", "ETH", "USDT", "LTC"}

// withdrawStatus maps the exchange's numeric withdrawal statuses.
// 0 email sent, 1 cancelled, 2 awaiting approval, 3 rejected,
// 4 processing, 5 failure, 6 completed.
var withdrawStatus = map[int]status.Status{
	0: status.Processing,
	1: status.Failed,
	2: status.Awaiting,
	3: status.Failed,
	4: status.Processing,
	5: status.Failed,
	6: status.Success,
}

// feeTable is the static per-asset withdrawal fee quote. The exchange
// only reports exact fees after submission, so estimates use this table.
var feeTable = map[string]string{
	"BTC":  "0.0002",
	"ETH":  "0.003",
	"USDT": "1",
	"LTC":  "0.001",
}

// Config holds exchange credentials.
type Config struct {
	BaseURL   string
	APIKey    string
	SecretKey string
	Timeout   time.Duration
}

// Adapter implements provider.Adapter over the exchange REST API.
type Adapter struct {
	cfg    Config
	client *http.Client
	now    func() time.Time // injectable for signature tests
}

// New creates a binance adapter.
func New(cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		now:    time.Now,
	}
}

func (a *Adapter) Name() string                  { return Name }
func (a *Adapter) Type() provider.Type           { return provider.TypeExchange }
func (a *Adapter) SupportedCurrencies() []string { return supportedCurrencies }
func (a *Adapter) SupportsPayin() bool           { return false }
func (a *Adapter) SupportsPayout() bool          { return true }

// Available pings the exchange system status endpoint.
func (a *Adapter) Available(ctx context.Context) bool {
	if a.cfg.APIKey == "" || a.cfg.SecretKey == "" {
		return false
	}
	var out struct {
		Status int `json:"status"` // 0 normal, 1 maintenance
	}
	if err := a.get(ctx, "/sapi/v1/system/status", nil, false, &out); err != nil {
		return false
	}
	return out.Status == 0
}

// Payin is not a capability of the withdrawal exchange.
func (a *Adapter) Payin(ctx context.Context, req provider.PayinRequest) (*provider.Result, error) {
	return nil, provider.ErrUnsupported(Name, provider.OpPayin)
}

// Payout submits a withdrawal to an external crypto address.
func (a *Adapter) Payout(ctx context.Context, req provider.PayoutRequest) (*provider.Result, error) {
	params := url.Values{}
	params.Set("coin", money.NormalizeCurrency(req.Currency))
	params.Set("address", req.Destination)
	params.Set("amount", req.Amount.String())
	params.Set("withdrawOrderId", req.Reference)

	var out struct {
		ID string `json:"id"`
	}
	if err := a.post(ctx, "/sapi/v1/capital/withdraw/apply", params, &out); err != nil {
		return nil, err
	}
	// Withdrawals are asynchronous: accepted means processing, not done.
	return &provider.Result{
		Success:      true,
		ProviderTxID: out.ID,
		NativeStatus: "processing",
		Status:       status.Processing,
	}, nil
}

// Balances queries the spot account float.
func (a *Adapter) Balances(ctx context.Context, currency string) ([]provider.BalanceSnapshot, error) {
	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := a.get(ctx, "/api/v3/account", nil, true, &out); err != nil {
		return nil, err
	}

	want := money.NormalizeCurrency(currency)
	now := time.Now()
	var snaps []provider.BalanceSnapshot
	for _, b := range out.Balances {
		code := money.NormalizeCurrency(b.Asset)
		if want != "" && code != want {
			continue
		}
		free, err := money.ParseNonNegative(b.Free)
		if err != nil {
			return nil, fmt.Errorf("binance: bad balance for %s: %w", code, err)
		}
		locked, _ := money.ParseNonNegative(b.Locked)
		snaps = append(snaps, provider.BalanceSnapshot{
			Provider:  Name,
			Currency:  code,
			Available: free,
			Locked:    locked,
			AsOf:      now,
		})
	}
	return snaps, nil
}

// CheckStatus looks up a withdrawal by our order id.
func (a *Adapter) CheckStatus(ctx context.Context, providerTxID string) (*provider.Result, error) {
	var out []struct {
		ID     string `json:"id"`
		Status int    `json:"status"`
		TxID   string `json:"txId"`
	}
	params := url.Values{}
	if err := a.get(ctx, "/sapi/v1/capital/withdraw/history", params, true, &out); err != nil {
		return nil, err
	}
	for _, w := range out {
		if w.ID != providerTxID {
			continue
		}
		st, ok := withdrawStatus[w.Status]
		if !ok {
			st = status.Pending
		}
		return &provider.Result{
			Success:      st != status.Failed,
			ProviderTxID: w.ID,
			NativeStatus: strconv.Itoa(w.Status),
			Status:       st,
		}, nil
	}
	return nil, fmt.Errorf("binance: withdrawal %s not found", providerTxID)
}

// EstimateFee quotes the static withdrawal fee for the asset.
func (a *Adapter) EstimateFee(ctx context.Context, amount decimal.Decimal, currency string, op provider.Operation) (decimal.Decimal, error) {
	if op != provider.OpPayout {
		return decimal.Zero, provider.ErrUnsupported(Name, op)
	}
	fee, ok := feeTable[money.NormalizeCurrency(currency)]
	if !ok {
		return decimal.Zero, fmt.Errorf("binance: asset %s not supported", currency)
	}
	return decimal.RequireFromString(fee), nil
}

// sign appends the HMAC-SHA256 signature the exchange requires on
// authenticated endpoints.
func (a *Adapter) sign(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(a.now().UnixMilli(), 10))
	mac := hmac.New(sha256.New, []byte(a.cfg.SecretKey))
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

func (a *Adapter) get(ctx context.Context, path string, params url.Values, signed bool, result any) error {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params = a.sign(params)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("binance: create request: %w", err)
	}
	return a.do(req, result)
}

func (a *Adapter) post(ctx context.Context, path string, params url.Values, result any) error {
	params = a.sign(params)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("binance: create request: %w", err)
	}
	return a.do(req, result)
}

func (a *Adapter) do(req *http.Request, result any) error {
	req.Header.Set("X-MBX-APIKEY", a.cfg.APIKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("binance: %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("binance: read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Msg != "" {
			return fmt.Errorf("binance: %d %s", apiErr.Code, apiErr.Msg)
		}
		return fmt.Errorf("binance: %s returned status %d: %s", req.URL.Path, resp.StatusCode, string(raw))
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("binance: decode response: %w", err)
		}
	}
	return nil
}

var _ provider.Adapter = (*Adapter)(nil)
