package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarna/savings-engine/savings"
	"github.com/swarna/savings-engine/savings/store"
)

func TestMemory_TransactionsKeptSortedByPaidAt(t *testing.T) {
	// GIVEN: Payments appended out of chronological order
	// WHEN: Reading them back
	// THEN: They come out ordered by PaidAt, like the SQLite ORDER BY

	m := store.NewMemory()
	ctx := context.Background()

	mk := func(id string, at time.Time) savings.Transaction {
		return savings.Transaction{
			ID: id, EnrollmentID: "enr-1",
			Amount: decimal.NewFromInt(100), Type: savings.TxnTopUp,
			Status: savings.PaymentSuccess, PaidAt: at,
			BillingMonth: savings.MonthOf(at),
		}
	}

	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, m.AppendTransaction(ctx, mk("tx-b", base.AddDate(0, 0, 10))))
	require.NoError(t, m.AppendTransaction(ctx, mk("tx-a", base)))
	require.NoError(t, m.AppendTransaction(ctx, mk("tx-c", base.AddDate(0, 0, 20))))

	txs, err := m.Transactions(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, []string{"tx-a", "tx-b", "tx-c"}, []string{txs[0].ID, txs[1].ID, txs[2].ID})
}

func TestMemory_PrimaryGuardMatchesSQLiteSemantics(t *testing.T) {
	// The memory store mirrors the partial unique index: one SUCCESS primary
	// per enrollment-month, any number of top-ups.
	m := store.NewMemory()
	ctx := context.Background()
	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

	mk := func(id string, typ savings.TxnType) savings.Transaction {
		return savings.Transaction{
			ID: id, EnrollmentID: "enr-1", Amount: decimal.NewFromInt(5000),
			Type: typ, Status: savings.PaymentSuccess, PaidAt: jan,
			BillingMonth: savings.MonthOf(jan),
		}
	}

	require.NoError(t, m.AppendTransaction(ctx, mk("tx-1", savings.TxnPrimary)))
	assert.ErrorIs(t, m.AppendTransaction(ctx, mk("tx-2", savings.TxnPrimary)), savings.ErrCommitmentAlreadyMet)
	require.NoError(t, m.AppendTransaction(ctx, mk("tx-3", savings.TxnTopUp)))
	require.NoError(t, m.AppendTransaction(ctx, mk("tx-4", savings.TxnTopUp)))
}

func TestMemory_GetRedemptionByEnrollment(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	r := savings.Redemption{
		ID: "red-1", RetailerID: "ret-1", EnrollmentID: "enr-1",
		Grams: decimal.RequireFromString("1.5"), Status: savings.RedemptionPending,
	}
	require.NoError(t, m.SaveRedemption(ctx, r))

	got, err := m.GetRedemptionByEnrollment(ctx, "enr-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "red-1", got.ID)

	missing, err := m.GetRedemptionByEnrollment(ctx, "enr-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
