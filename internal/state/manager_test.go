package state

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/status"
)

func newTestManager(t *testing.T) (*Manager, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return NewManager(store, nil), store
}

func createTx(t *testing.T, m *Manager, id string) {
	t.Helper()
	err := m.Create(context.Background(), &Transaction{
		ID:        id,
		UserID:    "u1",
		Direction: PayOut,
		Amount:    decimal.RequireFromString("0.001"),
		Currency:  "BTC",
		OpType:    "cashout",
	})
	require.NoError(t, err)
}

func TestCreate_ForcesPending(t *testing.T) {
	m, _ := newTestManager(t)
	tx := &Transaction{ID: "txn_1", UserID: "u1", Status: status.Success}
	require.NoError(t, m.Create(context.Background(), tx))

	got, err := m.GetStatus(context.Background(), "txn_1")
	require.NoError(t, err)
	assert.Equal(t, status.Pending, got)
}

func TestTransition_ValidPathWritesHistory(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	ok, err := m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1", Actor: ActorSystem, Reason: "provider accepted",
	}, status.Processing)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1", Actor: ActorSystem, Reason: "provider confirmed",
	}, status.Success)
	require.NoError(t, err)
	assert.True(t, ok)

	history, err := m.History(ctx, "txn_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Newest first.
	assert.Equal(t, status.Processing, history[0].FromStatus)
	assert.Equal(t, status.Success, history[0].ToStatus)
	assert.Equal(t, status.Pending, history[1].FromStatus)
}

func TestTransition_InvalidReturnsFalseNotError(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	ok, err := m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1", Actor: ActorSystem,
	}, status.Success)
	require.NoError(t, err)
	assert.True(t, ok)

	// Success is terminal: nothing leaves it.
	ok, err = m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1", Actor: ActorAdmin,
	}, status.Pending)
	require.NoError(t, err)
	assert.False(t, ok)

	// State untouched, no extra history row.
	st, err := m.GetStatus(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, status.Success, st)
	history, _ := m.History(ctx, "txn_1", 10)
	assert.Len(t, history, 1)
}

func TestTransition_SameStateIsIdempotentNoOp(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	ok, err := m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1", Actor: ActorSystem,
	}, status.Pending)
	require.NoError(t, err)
	assert.True(t, ok)

	history, _ := m.History(ctx, "txn_1", 10)
	assert.Empty(t, history, "no-op must not write a history row")
}

func TestTransition_SkipValidationAllowsOverride(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	_, err := m.Transition(ctx, TransitionContext{TransactionID: "txn_1", Actor: ActorSystem}, status.Success)
	require.NoError(t, err)

	ok, err := m.Transition(ctx, TransitionContext{
		TransactionID:  "txn_1",
		Actor:          ActorAdmin,
		Reason:         "emergency reversal",
		SkipValidation: true,
	}, status.Failed)
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := m.GetStatus(ctx, "txn_1")
	assert.Equal(t, status.Failed, st)

	history, _ := m.History(ctx, "txn_1", 10)
	require.Len(t, history, 2)
	assert.Equal(t, ActorAdmin, history[0].Actor)
}

func TestTransition_NotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Transition(context.Background(), TransitionContext{TransactionID: "missing"}, status.Processing)
	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestTransition_MetadataMergedIntoTransaction(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	ok, err := m.Transition(ctx, TransitionContext{
		TransactionID: "txn_1",
		Actor:         ActorSystem,
		Metadata:      map[string]string{"providerTxId": "wd-7"},
	}, status.Processing)
	require.NoError(t, err)
	require.True(t, ok)

	tx, err := m.Get(ctx, "txn_1")
	require.NoError(t, err)
	assert.Equal(t, "wd-7", tx.Metadata["providerTxId"])
}

func TestBatchTransition_PartialFailure(t *testing.T) {
	m, _ := newTestManager(t)
	createTx(t, m, "txn_a")
	createTx(t, m, "txn_b")
	ctx := context.Background()

	// txn_b is already terminal so its transition must fail.
	_, err := m.Transition(ctx, TransitionContext{TransactionID: "txn_b", Actor: ActorSystem}, status.Success)
	require.NoError(t, err)

	results := m.BatchTransition(ctx, []BatchItem{
		{Context: TransitionContext{TransactionID: "txn_a", Actor: ActorSystem}, Target: status.Processing},
		{Context: TransitionContext{TransactionID: "txn_b", Actor: ActorSystem}, Target: status.Processing},
	})
	assert.True(t, results["txn_a"])
	assert.False(t, results["txn_b"])

	// The valid item stayed applied despite the invalid one.
	st, _ := m.GetStatus(ctx, "txn_a")
	assert.Equal(t, status.Processing, st)
}

func TestApplyTransition_StaleStatusLosesRace(t *testing.T) {
	m, store := newTestManager(t)
	createTx(t, m, "txn_1")
	ctx := context.Background()

	// Simulate a concurrent writer moving the status after our read.
	require.NoError(t, store.ApplyTransition(ctx, "txn_1", status.Pending, status.Processing,
		&HistoryEntry{TransactionID: "txn_1", FromStatus: status.Pending, ToStatus: status.Processing, Actor: ActorSystem}))

	err := store.ApplyTransition(ctx, "txn_1", status.Pending, status.Awaiting,
		&HistoryEntry{TransactionID: "txn_1", FromStatus: status.Pending, ToStatus: status.Awaiting, Actor: ActorSystem})
	assert.ErrorIs(t, err, ErrStaleStatus)
}
