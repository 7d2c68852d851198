package state

import (
	"context"

	"github.com/haldor/payrail/internal/status"
)

// Store persists transactions and their transition history.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)

	// ApplyTransition writes the new status, merges entry metadata into the
	// transaction, and appends the history row in one unit of work. It must
	// fail with ErrStaleStatus if the stored status no longer equals from.
	ApplyTransition(ctx context.Context, id string, from, to status.Status, entry *HistoryEntry) error

	History(ctx context.Context, id string, limit int) ([]*HistoryEntry, error)
	ListByStatus(ctx context.Context, s status.Status, limit int) ([]*Transaction, error)
	ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error)
}
