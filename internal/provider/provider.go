// Package provider defines the common capability interface every external
// settlement provider adapter implements.
//
// Adapters are capability-typed: the payment processor only ever calls
// this interface and never inspects which concrete provider it holds.
// Providers are asymmetric (the crypto gateway accepts deposits only,
// the exchange pays out only, the bank gateway does both) and an
// unsupported operation is a Business-category failure, never a panic.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/errclass"
	"github.com/haldor/payrail/internal/status"
)

// Type identifies the provider class.
type Type string

const (
	TypeCryptoGateway Type = "crypto_gateway"
	TypeExchange      Type = "exchange"
	TypeBank          Type = "bank"
)

// Operation is the direction of a money movement.
type Operation string

const (
	OpPayin  Operation = "payin"
	OpPayout Operation = "payout"
)

// PayinRequest asks a provider to accept money into platform custody.
type PayinRequest struct {
	UserID    string
	Amount    decimal.Decimal
	Currency  string
	Reference string // our transaction id; echoed back on callbacks
}

// PayoutRequest asks a provider to move money out of platform custody.
type PayoutRequest struct {
	UserID      string
	Amount      decimal.Decimal
	Currency    string
	Destination string // crypto address or bank account, provider-dependent
	Reference   string
}

// Result is the normalized outcome of a provider call. Adapters own the
// translation from native status/error vocabulary; the core never sees
// provider-native strings beyond the classifier's pattern rules.
type Result struct {
	Success      bool
	ProviderTxID string
	NativeStatus string
	Status       status.Status   // canonical mapping of NativeStatus
	PayinRef     string          // deposit address / virtual account for pay-ins
	Fee          decimal.Decimal // provider-quoted fee, zero if unknown
	NativeError  string
}

// BalanceSnapshot is one currency balance at one provider.
type BalanceSnapshot struct {
	Provider  string          `json:"provider"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	Locked    decimal.Decimal `json:"locked"`
	AsOf      time.Time       `json:"asOf"`
}

// Adapter is the common capability interface.
type Adapter interface {
	Name() string
	Type() Type
	SupportedCurrencies() []string
	SupportsPayin() bool
	SupportsPayout() bool

	// Available reports whether the provider is reachable and configured.
	Available(ctx context.Context) bool

	Payin(ctx context.Context, req PayinRequest) (*Result, error)
	Payout(ctx context.Context, req PayoutRequest) (*Result, error)

	// Balances returns float balances; empty currency means all.
	Balances(ctx context.Context, currency string) ([]BalanceSnapshot, error)

	// CheckStatus re-queries a previously submitted transfer.
	CheckStatus(ctx context.Context, providerTxID string) (*Result, error)

	EstimateFee(ctx context.Context, amount decimal.Decimal, currency string, op Operation) (decimal.Decimal, error)
}

// ErrUnsupported builds the uniform Business-category failure returned
// when an adapter is asked for a capability it does not have.
func ErrUnsupported(name string, op Operation) error {
	return errclass.BusinessErr("unsupported_operation",
		fmt.Errorf("provider %s does not support %s", name, op))
}

// SupportsCurrency is a helper over SupportedCurrencies.
func SupportsCurrency(a Adapter, currency string) bool {
	for _, c := range a.SupportedCurrencies() {
		if c == currency {
			return true
		}
	}
	return false
}
