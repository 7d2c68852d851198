// Package state owns the canonical transaction record and its status.
//
// The Manager here is the only component permitted to write a canonical
// status. Every write is validated against the status model and paired
// with an immutable history entry in the same unit of work, so "how did
// we get here" is always answerable during a dispute.
package state

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/status"
)

var (
	ErrTransactionNotFound = errors.New("state: transaction not found")
	ErrDuplicateID         = errors.New("state: transaction id already exists")
	// ErrStaleStatus means the stored status changed between read and
	// write; the caller lost a concurrent race and must re-read.
	ErrStaleStatus = errors.New("state: stored status changed concurrently")
)

// Direction of money movement relative to platform custody.
type Direction string

const (
	PayIn  Direction = "payin"
	PayOut Direction = "payout"
)

// Actor identifies who triggered a transition.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAdmin  Actor = "admin"
	ActorUser   Actor = "user"
)

// Transaction is the generic unit of money movement. Created Pending by
// the payment processor and mutated only through the Manager. Never
// deleted: failed and abandoned transactions remain for audit.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"userId"`
	Direction   Direction         `json:"direction"`
	Amount      decimal.Decimal   `json:"amount"`
	Currency    string            `json:"currency"`
	Status      status.Status     `json:"status"`
	Provider    string            `json:"provider,omitempty"`
	OpType      string            `json:"opType"` // escrow, cashout, refund, ...
	ReferenceID string            `json:"referenceId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// HistoryEntry is one append-only transition record.
type HistoryEntry struct {
	TransactionID string            `json:"transactionId"`
	FromStatus    status.Status     `json:"fromStatus"`
	ToStatus      status.Status     `json:"toStatus"`
	Actor         Actor             `json:"actor"`
	Reason        string            `json:"reason,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
}
