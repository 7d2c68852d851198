//go:build integration

package escrow_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldor/payrail/internal/escrow"
	"github.com/haldor/payrail/internal/testutil"
)

func newEscrow(id string, status escrow.Status, expiresAt time.Time) *escrow.Escrow {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &escrow.Escrow{
		ID:        id,
		BuyerID:   "usr_buyer",
		SellerID:  "usr_seller",
		Amount:    decimal.RequireFromString("300.00"),
		Currency:  "NGN",
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestPostgresStore_CreateGetUpdate(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	e := newEscrow("esc_pg_1", escrow.StatusCreated, time.Now().Add(24*time.Hour))
	require.NoError(t, store.Create(ctx, e))

	got, err := store.Get(ctx, "esc_pg_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusCreated, got.Status)
	assert.True(t, e.Amount.Equal(got.Amount))
	assert.Nil(t, got.ConfirmedAt)

	now := time.Now().UTC()
	got.Status = escrow.StatusActive
	got.DepositProof = "0xdeadbeef"
	got.ConfirmedAt = &now
	got.UpdatedAt = now
	require.NoError(t, store.Update(ctx, got))

	again, err := store.Get(ctx, "esc_pg_1")
	require.NoError(t, err)
	assert.Equal(t, escrow.StatusActive, again.Status)
	assert.Equal(t, "0xdeadbeef", again.DepositProof)
	require.NotNil(t, again.ConfirmedAt)

	_, err = store.Get(ctx, "esc_missing")
	assert.ErrorIs(t, err, escrow.ErrEscrowNotFound)
	assert.ErrorIs(t, store.Update(ctx, newEscrow("esc_missing", escrow.StatusCreated, now)), escrow.ErrEscrowNotFound)
}

func TestPostgresStore_ListByUser(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newEscrow("esc_pg_2", escrow.StatusCreated, time.Now().Add(time.Hour))))
	require.NoError(t, store.Create(ctx, newEscrow("esc_pg_3", escrow.StatusActive, time.Now().Add(time.Hour))))

	// Both parties see the escrow.
	buyers, err := store.ListByUser(ctx, "usr_buyer", 10)
	require.NoError(t, err)
	assert.Len(t, buyers, 2)

	sellers, err := store.ListByUser(ctx, "usr_seller", 10)
	require.NoError(t, err)
	assert.Len(t, sellers, 2)

	nobody, err := store.ListByUser(ctx, "usr_other", 10)
	require.NoError(t, err)
	assert.Empty(t, nobody)
}

func TestPostgresStore_ListExpiredSkipsFunded(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := escrow.NewPostgresStore(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, newEscrow("esc_stale", escrow.StatusPaymentPending, past)))
	require.NoError(t, store.Create(ctx, newEscrow("esc_funded", escrow.StatusActive, past)))
	require.NoError(t, store.Create(ctx, newEscrow("esc_fresh", escrow.StatusCreated, time.Now().Add(time.Hour))))

	expired, err := store.ListExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "esc_stale", expired[0].ID)
}
