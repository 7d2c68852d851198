package state

import (
	"context"
	"sync"
	"time"

	"github.com/haldor/payrail/internal/status"
)

// MemoryStore is an in-memory transaction store for demo/development mode.
type MemoryStore struct {
	txns    map[string]*Transaction
	history map[string][]*HistoryEntry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:    make(map[string]*Transaction),
		history: make(map[string][]*HistoryEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.txns[tx.ID]; ok {
		return ErrDuplicateID
	}
	m.txns[tx.ID] = copyTransaction(tx)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.txns[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (m *MemoryStore) ApplyTransition(ctx context.Context, id string, from, to status.Status, entry *HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txns[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != from {
		return ErrStaleStatus
	}

	tx.Status = to
	tx.UpdatedAt = time.Now()
	if len(entry.Metadata) > 0 {
		if tx.Metadata == nil {
			tx.Metadata = make(map[string]string, len(entry.Metadata))
		}
		for k, v := range entry.Metadata {
			tx.Metadata[k] = v
		}
	}

	cp := *entry
	m.history[id] = append(m.history[id], &cp)
	return nil
}

func (m *MemoryStore) History(ctx context.Context, id string, limit int) ([]*HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.history[id]
	var result []*HistoryEntry
	for i := len(entries) - 1; i >= 0 && len(result) < limit; i-- {
		cp := *entries[i]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, s status.Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txns {
		if tx.Status == s {
			result = append(result, copyTransaction(tx))
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByReference(ctx context.Context, referenceID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, tx := range m.txns {
		if tx.ReferenceID == referenceID {
			result = append(result, copyTransaction(tx))
		}
	}
	return result, nil
}

// copyTransaction deep-copies so callers cannot race on shared maps.
func copyTransaction(tx *Transaction) *Transaction {
	cp := *tx
	if tx.Metadata != nil {
		cp.Metadata = make(map[string]string, len(tx.Metadata))
		for k, v := range tx.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

var _ Store = (*MemoryStore)(nil)
