package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/haldor/payrail/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances   map[string]*Balance // key: userID|currency
	entries    []*Entry
	references map[string]bool
	mu         sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances:   make(map[string]*Balance),
		references: make(map[string]bool),
	}
}

func balanceKey(userID, currency string) string {
	return userID + "|" + currency
}

func (m *MemoryStore) GetBalance(ctx context.Context, userID, currency string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[balanceKey(userID, currency)]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{
		UserID:    userID,
		Currency:  currency,
		Available: decimal.Zero,
		UpdatedAt: time.Now(),
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.references[reference] {
		return ErrDuplicateReference
	}

	key := balanceKey(userID, currency)
	bal, ok := m.balances[key]
	if !ok {
		bal = &Balance{UserID: userID, Currency: currency, Available: decimal.Zero}
		m.balances[key] = bal
	}
	bal.Available = bal.Available.Add(amount)
	bal.UpdatedAt = time.Now()

	if reference != "" {
		m.references[reference] = true
	}
	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		UserID:      userID,
		Type:        "credit",
		Amount:      amount,
		Currency:    currency,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, userID string, amount decimal.Decimal, currency, reference, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := balanceKey(userID, currency)
	bal, ok := m.balances[key]
	if !ok || bal.Available.LessThan(amount) {
		return ErrInsufficientBalance
	}
	bal.Available = bal.Available.Sub(amount)
	bal.UpdatedAt = time.Now()

	m.entries = append(m.entries, &Entry{
		ID:          idgen.WithPrefix("le_"),
		UserID:      userID,
		Type:        "debit",
		Amount:      amount,
		Currency:    currency,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	})
	return nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].UserID == userID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.references[reference], nil
}

var _ Store = (*MemoryStore)(nil)
