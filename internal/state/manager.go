package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haldor/payrail/internal/status"
)

// TransitionContext carries everything about one requested transition
// except the target status.
type TransitionContext struct {
	TransactionID string
	Actor         Actor
	Reason        string
	Metadata      map[string]string
	// SkipValidation bypasses the transition-legality check. Reserved for
	// administrator emergency overrides; the history row still records the
	// real from/to pair.
	SkipValidation bool
}

// BatchItem pairs one transition context with its target.
type BatchItem struct {
	Context TransitionContext
	Target  status.Status
}

// Manager performs validated, audited status transitions. It does not
// lock: callers needing cross-field atomicity (status plus a side
// effect) wrap it the way the escrow operations do.
type Manager struct {
	store  Store
	logger *slog.Logger
}

// NewManager creates a state manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, logger: logger}
}

// Create registers a new transaction. Status is forced to Pending
// regardless of what the caller set.
func (m *Manager) Create(ctx context.Context, tx *Transaction) error {
	now := time.Now()
	tx.Status = status.Pending
	tx.CreatedAt = now
	tx.UpdatedAt = now
	if err := m.store.Create(ctx, tx); err != nil {
		return fmt.Errorf("create transaction: %w", err)
	}
	return nil
}

// Get returns a transaction by id.
func (m *Manager) Get(ctx context.Context, id string) (*Transaction, error) {
	return m.store.Get(ctx, id)
}

// GetStatus returns the current canonical status of a transaction.
func (m *Manager) GetStatus(ctx context.Context, id string) (status.Status, error) {
	tx, err := m.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return tx.Status, nil
}

// ListByStatus returns transactions currently in the given status.
func (m *Manager) ListByStatus(ctx context.Context, s status.Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.ListByStatus(ctx, s, limit)
}

// History returns the transition log, newest first.
func (m *Manager) History(ctx context.Context, id string, limit int) ([]*HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return m.store.History(ctx, id, limit)
}

// Transition moves a transaction to target.
//
// Returns (false, nil) when the transition is invalid or lost a
// concurrent race; state is untouched and callers must check the
// boolean. Returns an error only for storage faults. A same-state
// target is a validated no-op and reports true.
func (m *Manager) Transition(ctx context.Context, tc TransitionContext, target status.Status) (bool, error) {
	tx, err := m.store.Get(ctx, tc.TransactionID)
	if err != nil {
		return false, err
	}

	if tx.Status == target {
		return true, nil // idempotent no-op
	}

	if !tc.SkipValidation && !status.IsValidTransition(tx.Status, target) {
		m.logger.Warn("rejected status transition",
			"transactionId", tc.TransactionID,
			"from", tx.Status, "to", target, "actor", tc.Actor)
		return false, nil
	}

	entry := &HistoryEntry{
		TransactionID: tc.TransactionID,
		FromStatus:    tx.Status,
		ToStatus:      target,
		Actor:         tc.Actor,
		Reason:        tc.Reason,
		Metadata:      tc.Metadata,
		CreatedAt:     time.Now(),
	}

	if err := m.store.ApplyTransition(ctx, tc.TransactionID, tx.Status, target, entry); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			m.logger.Warn("lost transition race",
				"transactionId", tc.TransactionID, "from", tx.Status, "to", target)
			return false, nil
		}
		return false, fmt.Errorf("apply transition: %w", err)
	}

	m.logger.Info("status transition",
		"transactionId", tc.TransactionID,
		"from", tx.Status, "to", target,
		"actor", tc.Actor, "reason", tc.Reason)
	return true, nil
}

// BatchTransition applies a list of transitions and reports per-item
// success. An invalid item never rolls back the others; a storage fault
// stops processing and leaves remaining items marked false.
func (m *Manager) BatchTransition(ctx context.Context, items []BatchItem) map[string]bool {
	results := make(map[string]bool, len(items))
	for _, item := range items {
		results[item.Context.TransactionID] = false
	}
	for _, item := range items {
		ok, err := m.Transition(ctx, item.Context, item.Target)
		if err != nil {
			m.logger.Error("batch transition aborted",
				"transactionId", item.Context.TransactionID, "error", err)
			return results
		}
		results[item.Context.TransactionID] = ok
	}
	return results
}
