package escrow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/state"
	"github.com/haldor/payrail/internal/syncutil"
)

// recordingLedger counts credits per reference and can be told to fail.
type recordingLedger struct {
	mu      sync.Mutex
	credits []creditCall
	failAll bool
}

type creditCall struct {
	userID    string
	amount    decimal.Decimal
	currency  string
	reference string
}

func (l *recordingLedger) Credit(_ context.Context, userID string, amount decimal.Decimal, currency, reference, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAll {
		return errors.New("ledger unavailable")
	}
	l.credits = append(l.credits, creditCall{userID, amount, currency, reference})
	return nil
}

func (l *recordingLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.credits)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingLedger) {
	t.Helper()
	store := NewMemoryStore()
	ledger := &recordingLedger{}
	svc := NewService(store, ledger, syncutil.NewContextShardedMutex(), slog.Default())
	return svc, store, ledger
}

func mustCreate(t *testing.T, svc *Service, status Status) *Escrow {
	t.Helper()
	e, err := svc.Create(context.Background(), CreateRequest{
		BuyerID:  "buyer-1",
		SellerID: "seller-1",
		Amount:   decimal.RequireFromString("100.00"),
		Currency: "USD",
	})
	require.NoError(t, err)
	if status != StatusCreated {
		e.Status = status
		require.NoError(t, svc.store.Update(context.Background(), e))
	}
	return e
}

func TestCreate_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{
		BuyerID: "u1", SellerID: "U1",
		Amount: decimal.RequireFromString("10"), Currency: "USD",
	})
	assert.ErrorIs(t, err, ErrSameParty)

	_, err = svc.Create(ctx, CreateRequest{
		BuyerID: "u1", SellerID: "u2",
		Amount: decimal.Zero, Currency: "USD",
	})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	e, err := svc.Create(ctx, CreateRequest{
		BuyerID: "u1", SellerID: "u2",
		Amount: decimal.RequireFromString("10"), Currency: "usd",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, e.Status)
	assert.Equal(t, "USD", e.Currency)
	assert.NotEmpty(t, e.ID)
}

func TestCanTransition_AdminOnlyEdge(t *testing.T) {
	assert.False(t, CanTransition(StatusActive, StatusCancelled, state.ActorUser))
	assert.False(t, CanTransition(StatusActive, StatusCancelled, state.ActorSystem))
	assert.True(t, CanTransition(StatusActive, StatusCancelled, state.ActorAdmin))

	// Every other edge is actor-independent.
	assert.True(t, CanTransition(StatusActive, StatusDisputed, state.ActorUser))
	assert.True(t, CanTransition(StatusActive, StatusDisputed, state.ActorAdmin))
	assert.True(t, CanTransition(StatusDisputed, StatusCancelled, state.ActorUser))
}

func TestCanTransition_SameStateIsNoOp(t *testing.T) {
	assert.True(t, CanTransition(StatusActive, StatusActive, state.ActorUser))
	assert.True(t, CanTransition(StatusPendingDeposit, StatusPendingDeposit, state.ActorSystem))

	// Terminal states reject even themselves.
	assert.False(t, CanTransition(StatusCompleted, StatusCompleted, state.ActorAdmin))
	assert.False(t, CanTransition(StatusExpired, StatusExpired, state.ActorSystem))
}

func TestChangeStatus_SameStateLeavesAggregateUntouched(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusActive)

	ok, err := svc.ChangeStatus(ctx, e.ID, ChangeRequest{Target: StatusActive, Actor: state.ActorSystem})
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
	assert.Equal(t, e.UpdatedAt, after.UpdatedAt, "replayed trigger must not rewrite the aggregate")
}

func TestCanTransition_TerminalRejectsEverything(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired}
	all := []Status{
		StatusCreated, StatusPaymentPending, StatusPaymentConfirmed,
		StatusAwaitingSeller, StatusPendingSeller, StatusPendingDeposit,
		StatusActive, StatusDisputed,
		StatusCompleted, StatusRefunded, StatusCancelled, StatusExpired,
	}
	for _, from := range terminals {
		for _, to := range all {
			assert.False(t, CanTransition(from, to, state.ActorAdmin),
				"%s -> %s must be rejected", from, to)
		}
	}
}

func TestChangeStatus_InvalidReturnsFalseUntouched(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusCompleted)

	ok, err := svc.ChangeStatus(ctx, e.ID, ChangeRequest{Target: StatusActive, Actor: state.ActorAdmin})
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Equal(t, e.UpdatedAt, after.UpdatedAt)
}

func TestReleaseWithPayment_Success(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusActive)

	ok, err := svc.ReleaseWithPayment(ctx, e.ID, "seller-1", e.Amount, "USD")
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Equal(t, "released", after.Resolution)
	assert.NotNil(t, after.ResolvedAt)

	require.Equal(t, 1, ledger.count())
	assert.Equal(t, "seller-1", ledger.credits[0].userID)
	assert.Equal(t, "escrow_release:"+e.ID, ledger.credits[0].reference)
}

func TestReleaseWithPayment_WrongStatusNoCredit(t *testing.T) {
	svc, _, ledger := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusPendingDeposit)

	ok, err := svc.ReleaseWithPayment(ctx, e.ID, "seller-1", e.Amount, "USD")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, ledger.count())
}

func TestReleaseWithPayment_CreditFailureLeavesStatus(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusActive)

	ledger.failAll = true
	ok, err := svc.ReleaseWithPayment(ctx, e.ID, "seller-1", e.Amount, "USD")
	assert.Error(t, err)
	assert.False(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
	assert.Empty(t, after.Resolution)
}

// failingStore simulates a store outage after the credit succeeded.
type failingStore struct {
	*MemoryStore
	failUpdates bool
}

func (s *failingStore) Update(ctx context.Context, e *Escrow) error {
	if s.failUpdates {
		return errors.New("store unavailable")
	}
	return s.MemoryStore.Update(ctx, e)
}

func TestReleaseWithPayment_PersistFailureSignalsViaError(t *testing.T) {
	store := &failingStore{MemoryStore: NewMemoryStore()}
	ledger := &recordingLedger{}
	svc := NewService(store, ledger, syncutil.NewContextShardedMutex(), slog.Default())
	ctx := context.Background()

	e := mustCreate(t, svc, StatusActive)

	store.failUpdates = true
	ok, err := svc.ReleaseWithPayment(ctx, e.ID, "seller-1", e.Amount, "USD")

	// The credit went through but the status write did not: the error,
	// not the boolean, carries the manual-resolution signal.
	assert.False(t, ok)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual resolution")
	require.Equal(t, 1, ledger.count())

	after, getErr := store.Get(ctx, e.ID)
	require.NoError(t, getErr)
	assert.Equal(t, StatusActive, after.Status)

	// A replay reuses the same ledger reference, so a real ledger
	// credits at most once.
	store.failUpdates = false
	ok, err = svc.ReleaseWithPayment(ctx, e.ID, "seller-1", e.Amount, "USD")
	require.NoError(t, err)
	assert.True(t, ok)
	require.Equal(t, 2, ledger.count())
	assert.Equal(t, ledger.credits[0].reference, ledger.credits[1].reference)
}

func TestReleaseWithPayment_ConcurrentExactlyOnce(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusActive)
	amount := decimal.RequireFromString("100.00")

	results := make(chan bool, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := svc.ReleaseWithPayment(ctx, e.ID, "seller-1", amount, "USD")
			assert.NoError(t, err)
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for ok := range results {
		if ok {
			succeeded++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one release must win")

	require.Equal(t, 1, ledger.count())
	assert.True(t, ledger.credits[0].amount.Equal(amount))

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
}

func TestRefundWithPayment_FromDisputed(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusDisputed)

	ok, err := svc.RefundWithPayment(ctx, e.ID, "buyer-1", e.Amount, "USD")
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, after.Status)
	assert.Equal(t, "refunded", after.Resolution)

	require.Equal(t, 1, ledger.count())
	assert.Equal(t, "buyer-1", ledger.credits[0].userID)
}

func TestRefundWithPayment_CompletedRejected(t *testing.T) {
	svc, _, ledger := newTestService(t)
	e := mustCreate(t, svc, StatusCompleted)

	ok, err := svc.RefundWithPayment(context.Background(), e.ID, "buyer-1", e.Amount, "USD")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, ledger.count())
}

func TestActivateFromDeposit(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusPendingDeposit)

	ok, err := svc.ActivateFromDeposit(ctx, e.ID, "0xabc123", e.Amount)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
	assert.Equal(t, "0xabc123", after.DepositProof)
	assert.NotNil(t, after.ConfirmedAt)
}

func TestActivateFromDeposit_Underpaid(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	e := mustCreate(t, svc, StatusPendingDeposit)

	ok, err := svc.ActivateFromDeposit(ctx, e.ID, "0xabc", decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingDeposit, after.Status)
	assert.Empty(t, after.DepositProof)
}

func TestCancelWithRefund(t *testing.T) {
	svc, store, ledger := newTestService(t)
	ctx := context.Background()

	t.Run("no refund", func(t *testing.T) {
		e := mustCreate(t, svc, StatusPaymentPending)
		ok, err := svc.CancelWithRefund(ctx, e.ID, state.ActorUser, "buyer backed out", nil)
		require.NoError(t, err)
		assert.True(t, ok)

		after, _ := store.Get(ctx, e.ID)
		assert.Equal(t, StatusCancelled, after.Status)
		assert.Equal(t, "buyer backed out", after.Reason)
		assert.Equal(t, 0, ledger.count())
	})

	t.Run("with refund", func(t *testing.T) {
		e := mustCreate(t, svc, StatusDisputed)
		refund := decimal.RequireFromString("100.00")
		ok, err := svc.CancelWithRefund(ctx, e.ID, state.ActorAdmin, "dispute resolved", &refund)
		require.NoError(t, err)
		assert.True(t, ok)

		require.Equal(t, 1, ledger.count())
		assert.Equal(t, "buyer-1", ledger.credits[0].userID)

		after, _ := store.Get(ctx, e.ID)
		assert.Equal(t, StatusCancelled, after.Status)
	})

	t.Run("active needs admin", func(t *testing.T) {
		e := mustCreate(t, svc, StatusActive)
		ok, err := svc.CancelWithRefund(ctx, e.ID, state.ActorUser, "nope", nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = svc.CancelWithRefund(ctx, e.ID, state.ActorAdmin, "admin override", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestTimerSweep(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	stale := mustCreate(t, svc, StatusPaymentPending)
	stale.ExpiresAt = stale.CreatedAt.Add(-time.Hour)
	require.NoError(t, store.Update(ctx, stale))

	funded := mustCreate(t, svc, StatusActive)
	funded.ExpiresAt = funded.CreatedAt.Add(-time.Hour)
	require.NoError(t, store.Update(ctx, funded))

	timer := NewTimer(svc, store, slog.Default())
	timer.sweep(ctx)

	after, err := store.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, after.Status)

	// Funded escrows are never swept.
	after, err = store.Get(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, after.Status)
}
