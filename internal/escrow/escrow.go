// Package escrow holds the domain aggregate for a held trade and the
// compound operations that mutate it.
//
// Every compound operation (release, refund, cancel, activation) runs
// inside an exclusive per-escrow critical section: the status change and
// its paired ledger credit commit together or not at all. Triggers come
// from user actions, provider webhooks, admin tooling and the timeout
// sweep, which may run in separate worker processes, so the lock is
// taken through a syncutil.Locker rather than a plain mutex.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/idgen"
	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/syncutil"
)

var (
	ErrEscrowNotFound = errors.New("escrow: not found")
	ErrInvalidAmount  = errors.New("escrow: invalid amount")
	ErrSameParty      = errors.New("escrow: buyer and seller cannot be the same user")
)

// Status is the escrow's domain vocabulary. It is richer than the
// canonical transaction status and validated through its own adjacency
// table.
type Status string

const (
	StatusCreated          Status = "created"
	StatusPaymentPending   Status = "payment_pending"
	StatusPaymentConfirmed Status = "payment_confirmed"
	StatusAwaitingSeller   Status = "awaiting_seller"
	StatusPendingSeller    Status = "pending_seller"
	StatusPendingDeposit   Status = "pending_deposit"
	StatusActive           Status = "active"
	StatusDisputed         Status = "disputed"
	StatusCompleted        Status = "completed"
	StatusRefunded         Status = "refunded"
	StatusCancelled        Status = "cancelled"
	StatusExpired          Status = "expired"
)

// transitions is the static adjacency table. Terminal states have no
// entry and reject everything, same-state included.
var transitions = map[Status][]Status{
	StatusCreated:          {StatusPaymentPending, StatusPendingSeller, StatusCancelled, StatusExpired},
	StatusPaymentPending:   {StatusPaymentConfirmed, StatusCancelled, StatusExpired},
	StatusPaymentConfirmed: {StatusAwaitingSeller, StatusActive, StatusCancelled, StatusExpired},
	StatusAwaitingSeller:   {StatusPendingSeller, StatusActive, StatusCancelled, StatusExpired},
	StatusPendingSeller:    {StatusPendingDeposit, StatusCancelled, StatusExpired},
	StatusPendingDeposit:   {StatusActive, StatusCancelled, StatusExpired},
	StatusActive:           {StatusDisputed, StatusCompleted, StatusRefunded, StatusExpired},
	StatusDisputed:         {StatusActive, StatusCompleted, StatusRefunded, StatusCancelled},
}

// IsTerminal reports whether s accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// CanTransition validates from → to for the given actor. A non-terminal
// same-state transition is valid so replayed triggers (webhooks, the
// sweep) stay no-ops instead of errors. The single actor-dependent edge
// is Active → Cancelled, legal only for an admin; every other edge is
// actor-independent.
func CanTransition(from, to Status, actor state.Actor) bool {
	if from.IsTerminal() {
		return false
	}
	if from == to {
		return true
	}
	if from == StatusActive && to == StatusCancelled {
		return actor == state.ActorAdmin
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidTransitions returns the reachable statuses from the given state
// for the given actor.
func ValidTransitions(from Status, actor state.Actor) []Status {
	var out []Status
	for _, next := range transitions[from] {
		if next == StatusCancelled && from == StatusActive && actor != state.ActorAdmin {
			continue
		}
		out = append(out, next)
	}
	if actor == state.ActorAdmin && from == StatusActive {
		out = append(out, StatusCancelled)
	}
	return out
}

// Escrow is the domain aggregate for a held trade between buyer and
// seller.
type Escrow struct {
	ID           string          `json:"id"`
	BuyerID      string          `json:"buyerId"`
	SellerID     string          `json:"sellerId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Status       Status          `json:"status"`
	DepositProof string          `json:"depositProof,omitempty"`
	Resolution   string          `json:"resolution,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ConfirmedAt  *time.Time      `json:"confirmedAt,omitempty"`
	ResolvedAt   *time.Time      `json:"resolvedAt,omitempty"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store persists escrow aggregates.
type Store interface {
	Create(ctx context.Context, e *Escrow) error
	Get(ctx context.Context, id string) (*Escrow, error)
	Update(ctx context.Context, e *Escrow) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Escrow, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
}

// LedgerService abstracts the ledger so escrow doesn't import it. The
// credit is assumed atomic and idempotent for a repeated reference;
// exactly-once is enforced here by the per-escrow lock.
type LedgerService interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error
}

// DefaultTTL is the window before an unfunded escrow expires.
const DefaultTTL = 24 * time.Hour

// CreateRequest contains the parameters for opening an escrow.
type CreateRequest struct {
	BuyerID  string          `json:"buyerId" binding:"required"`
	SellerID string          `json:"sellerId" binding:"required"`
	Amount   decimal.Decimal `json:"amount" binding:"required"`
	Currency string          `json:"currency" binding:"required"`
	TTL      string          `json:"ttl"` // duration string, e.g. "24h"
}

// ChangeRequest carries a plain status-change trigger.
type ChangeRequest struct {
	Target Status      `json:"target" binding:"required"`
	Actor  state.Actor `json:"actor"`
	Reason string      `json:"reason"`
}

// Service implements the compound escrow operations.
type Service struct {
	store  Store
	ledger LedgerService
	locks  syncutil.Locker
	logger *slog.Logger
}

// NewService creates the escrow service. The locker must be the shared
// mechanism all workers use (pg advisory locks across processes, the
// sharded mutex in memory mode).
func NewService(store Store, ledger LedgerService, locks syncutil.Locker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, ledger: ledger, locks: locks, logger: logger}
}

// Create opens a new escrow in Created.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	if strings.EqualFold(req.BuyerID, req.SellerID) {
		return nil, ErrSameParty
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	ttl := DefaultTTL
	if req.TTL != "" {
		if d, err := time.ParseDuration(req.TTL); err == nil && d > 0 {
			ttl = d
		}
	}

	now := time.Now()
	e := &Escrow{
		ID:        idgen.WithPrefix("esc_"),
		BuyerID:   req.BuyerID,
		SellerID:  req.SellerID,
		Amount:    req.Amount,
		Currency:  strings.ToUpper(req.Currency),
		Status:    StatusCreated,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("create escrow record: %w", err)
	}
	return e, nil
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*Escrow, error) {
	return s.store.Get(ctx, id)
}

// ListByUser returns escrows where the user is buyer or seller.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*Escrow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ChangeStatus applies a validated status-only transition. Returns
// false, never an error, when the transition is illegal; the aggregate
// is untouched in that case. A non-terminal same-state target reports
// true without writing anything.
func (s *Service) ChangeStatus(ctx context.Context, id string, req ChangeRequest) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}

	actor := req.Actor
	if actor == "" {
		actor = state.ActorSystem
	}
	if !CanTransition(e.Status, req.Target, actor) {
		return false, nil
	}
	if e.Status == req.Target {
		return true, nil
	}

	s.apply(e, req.Target, "", req.Reason)
	if err := s.store.Update(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseWithPayment completes an Active escrow and credits the seller.
// Credit first, status second: if the credit fails nothing changes, and
// a concurrent caller that lost the lock race sees a non-Active status
// and returns false without crediting.
func (s *Service) ReleaseWithPayment(ctx context.Context, id, sellerID string, amount decimal.Decimal, currency string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusActive {
		return false, nil
	}

	ref := "escrow_release:" + e.ID
	if err := s.ledger.Credit(ctx, sellerID, amount, currency, ref, "escrow release"); err != nil {
		return false, fmt.Errorf("credit seller: %w", err)
	}

	s.apply(e, StatusCompleted, "released", "")
	if err := s.persistAfterCredit(ctx, e, sellerID); err != nil {
		return false, err
	}
	return true, nil
}

// RefundWithPayment refunds an Active or Disputed escrow to the buyer.
func (s *Service) RefundWithPayment(ctx context.Context, id, buyerID string, amount decimal.Decimal, currency string) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusActive && e.Status != StatusDisputed {
		return false, nil
	}

	ref := "escrow_refund:" + e.ID
	if err := s.ledger.Credit(ctx, buyerID, amount, currency, ref, "escrow refund"); err != nil {
		return false, fmt.Errorf("credit buyer: %w", err)
	}

	s.apply(e, StatusRefunded, "refunded", "")
	if err := s.persistAfterCredit(ctx, e, buyerID); err != nil {
		return false, err
	}
	return true, nil
}

// ActivateFromDeposit moves PendingDeposit → Active once a deposit is
// confirmed, recording the proof reference and confirmation time.
func (s *Service) ActivateFromDeposit(ctx context.Context, id, proofRef string, confirmedAmount decimal.Decimal) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if e.Status != StatusPendingDeposit {
		return false, nil
	}
	if confirmedAmount.LessThan(e.Amount) {
		s.logger.Warn("deposit confirmed below escrow amount",
			"escrowId", e.ID, "expected", e.Amount.String(), "confirmed", confirmedAmount.String())
		return false, nil
	}

	now := time.Now()
	e.DepositProof = proofRef
	e.ConfirmedAt = &now
	s.apply(e, StatusActive, "", "")
	if err := s.store.Update(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// CancelWithRefund cancels an escrow, crediting the buyer first when a
// refund amount is given. The cancel itself is validated against the
// adjacency table with the supplied actor, so Active escrows cancel
// only for admins.
func (s *Service) CancelWithRefund(ctx context.Context, id string, actor state.Actor, reason string, refund *decimal.Decimal) (bool, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()

	e, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !CanTransition(e.Status, StatusCancelled, actor) {
		return false, nil
	}

	if refund != nil && refund.IsPositive() {
		ref := "escrow_cancel:" + e.ID
		if err := s.ledger.Credit(ctx, e.BuyerID, *refund, e.Currency, ref, "escrow cancelled"); err != nil {
			return false, fmt.Errorf("credit buyer on cancel: %w", err)
		}
		s.apply(e, StatusCancelled, "cancelled", reason)
		if err := s.persistAfterCredit(ctx, e, e.BuyerID); err != nil {
			return false, err
		}
		return true, nil
	}

	s.apply(e, StatusCancelled, "cancelled", reason)
	if err := s.store.Update(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// Expire moves a stale escrow to Expired. Called by the sweep timer.
func (s *Service) Expire(ctx context.Context, id string) (bool, error) {
	return s.ChangeStatus(ctx, id, ChangeRequest{
		Target: StatusExpired,
		Actor:  state.ActorSystem,
		Reason: "deadline passed",
	})
}

// apply mutates the aggregate in place for the given target status.
func (s *Service) apply(e *Escrow, target Status, resolution, reason string) {
	now := time.Now()
	e.Status = target
	e.UpdatedAt = now
	if resolution != "" {
		e.Resolution = resolution
	}
	if reason != "" {
		e.Reason = reason
	}
	if target.IsTerminal() {
		e.ResolvedAt = &now
	}
}

// persistAfterCredit writes the aggregate after funds have already
// moved. The credit has no inverse here, so on a store failure we retry
// once and otherwise log for manual resolution instead of applying a
// wrong compensation. When both writes fail the caller returns
// (false, err) even though the credit happened: the error, not the
// boolean, marks the manual-resolution case, and the idempotent ledger
// reference keeps a later replay from crediting twice.
func (s *Service) persistAfterCredit(ctx context.Context, e *Escrow, creditedUser string) error {
	err := s.store.Update(ctx, e)
	if err == nil {
		return nil
	}
	if retryErr := s.store.Update(ctx, e); retryErr != nil {
		s.logger.Error("CRITICAL: ledger credited but escrow status update failed",
			"escrowId", e.ID, "creditedUser", creditedUser, "status", string(e.Status), "error", retryErr)
		return fmt.Errorf("update escrow after credit (requires manual resolution): %w", err)
	}
	return nil
}
