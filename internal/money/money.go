// Package money provides shared amount parsing and formatting.
//
// All monetary amounts are fixed-point decimals. Floats never touch an
// amount anywhere in the codebase; parsing goes through this package so
// precision rules stay in one place.
package money

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency code")
)

// currencyRegex accepts ISO-ish codes and crypto tickers (BTC, USDT, NGN).
var currencyRegex = regexp.MustCompile(`^[A-Z]{2,6}$`)

// precision is the display/storage scale per currency. Currencies not
// listed fall back to DefaultPrecision.
var precision = map[string]int32{
	"BTC":  8,
	"ETH":  8,
	"LTC":  8,
	"USDT": 6,
	"USDC": 6,
	"TON":  6,
	"NGN":  2,
	"USD":  2,
	"EUR":  2,
}

// DefaultPrecision is used for currencies without an explicit scale.
const DefaultPrecision int32 = 8

// Parse converts a decimal string (e.g. "0.001") into a decimal amount.
// Rejects empty, non-numeric, and non-positive input.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.Sign() <= 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// ParseNonNegative is Parse but permits zero (fee estimates, balances).
func ParseNonNegative(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || d.Sign() < 0 {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// Format renders an amount at the currency's scale, truncating excess digits.
func Format(d decimal.Decimal, currency string) string {
	return d.Truncate(Precision(currency)).StringFixed(Precision(currency))
}

// Precision returns the decimal scale for a currency code.
func Precision(currency string) int32 {
	if p, ok := precision[NormalizeCurrency(currency)]; ok {
		return p
	}
	return DefaultPrecision
}

// NormalizeCurrency upper-cases and trims a currency code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether the code looks like a currency ticker.
func ValidCurrency(code string) bool {
	return currencyRegex.MatchString(NormalizeCurrency(code))
}
