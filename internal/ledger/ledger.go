// Package ledger tracks user balances on the platform, one balance per
// user and currency.
//
// The escrow operations are the only writers of escrow-related credits,
// and they call in while holding the per-escrow lock; the ledger's own
// duty is idempotency: the same reference never credits twice even if
// a caller replays it.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/money"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidAmount       = errors.New("ledger: invalid amount")
	ErrDuplicateReference  = errors.New("ledger: reference already processed")
)

// Entry represents one ledger movement.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"` // credit, debit
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference,omitempty"` // escrow id, transaction id
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Balance is one user's balance in one currency.
type Balance struct {
	UserID    string          `json:"userId"`
	Currency  string          `json:"currency"`
	Available decimal.Decimal `json:"available"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store persists ledger data.
type Store interface {
	GetBalance(ctx context.Context, userID, currency string) (*Balance, error)
	// Credit must be atomic and reject a reference it has already seen
	// with ErrDuplicateReference.
	Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error
	Debit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error
	GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Ledger manages user balances.
type Ledger struct {
	store Store
}

// New creates a new ledger.
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// Credit adds funds to a user balance. Replaying a reference is not an
// error for the caller: the credit already happened, so the outcome the
// caller wanted holds.
func (l *Ledger) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := l.store.Credit(ctx, userID, amount, money.NormalizeCurrency(currency), reference, description)
	if errors.Is(err, ErrDuplicateReference) {
		return nil
	}
	return err
}

// Debit removes funds from a user balance after a sufficiency check.
func (l *Ledger) Debit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	currency = money.NormalizeCurrency(currency)

	bal, err := l.store.GetBalance(ctx, userID, currency)
	if err != nil {
		return err
	}
	if bal.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	return l.store.Debit(ctx, userID, amount, currency, reference, description)
}

// GetBalance returns a user's balance in one currency.
func (l *Ledger) GetBalance(ctx context.Context, userID, currency string) (*Balance, error) {
	return l.store.GetBalance(ctx, userID, money.NormalizeCurrency(currency))
}

// GetHistory returns ledger entries for a user, newest first.
func (l *Ledger) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.GetHistory(ctx, userID, limit)
}

// HasReference reports whether a reference was already processed.
func (l *Ledger) HasReference(ctx context.Context, reference string) (bool, error) {
	return l.store.HasReference(ctx, strings.TrimSpace(reference))
}
