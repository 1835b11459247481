package savings_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarna/savings-engine/savings"
	"github.com/swarna/savings-engine/savings/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testScope = savings.Scope{RetailerID: "ret-1", ActorID: "staff-1"}

// testWorld is a seeded store with one customer, one plan, one ACTIVE
// enrollment committing 5000/month on a 24K plan, and a 22K/24K rate book.
type testWorld struct {
	Store      *store.Memory
	Allocator  *savings.PaymentAllocator
	Rates      *savings.RateBook
	Ledger     *savings.CommitmentLedger
	Enrollment savings.Enrollment
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	st := store.NewMemory()
	ctx := context.Background()

	require.NoError(t, st.SaveCustomer(ctx, savings.Customer{
		ID: "cust-1", RetailerID: "ret-1", Name: "Meena", CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.SavePlan(ctx, savings.Plan{
		ID: "plan-1", RetailerID: "ret-1", Name: "Gold 11", Kind: savings.Metal24K,
		MinInstallment: dec("1000"), DurationMonths: 11, CreatedAt: time.Now().UTC(),
	}))

	start := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	e := savings.Enrollment{
		ID: "enr-1", RetailerID: "ret-1", CustomerID: "cust-1", PlanID: "plan-1",
		Kind: savings.Metal24K, CommitmentAmount: dec("5000"),
		StartDate: start, BillingDay: 15, DurationMonths: 11,
		MaturityDate: savings.MaturityDate(start, 11),
		Status:       savings.EnrollmentActive, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.SaveEnrollment(ctx, e))

	return &testWorld{
		Store:      st,
		Allocator:  savings.NewPaymentAllocator(st),
		Rates:      savings.NewRateBook(st),
		Ledger:     savings.NewCommitmentLedger(st),
		Enrollment: e,
	}
}

func (w *testWorld) setRate(t *testing.T, kind savings.MetalKind, perGram string) {
	t.Helper()
	_, err := w.Rates.Record(context.Background(), testScope, kind, dec(perGram))
	require.NoError(t, err)
}

func (w *testWorld) pay(amount string, paidAt time.Time) (*savings.AllocationResult, error) {
	return w.Allocator.Allocate(context.Background(), testScope, savings.AllocationInput{
		EnrollmentID: w.Enrollment.ID,
		Amount:       dec(amount),
		PaidAt:       paidAt,
	})
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// LOCKED RATE TESTS
// =============================================================================

func TestAllocate_LocksRateAndGramsAtPaymentTime(t *testing.T) {
	// GIVEN: 24K rate of 6000/g
	// WHEN: Paying the 5000 commitment
	// THEN: Grams are 5000/6000, truncating to 0.8333 for display

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	paidAt := time.Date(2025, time.January, 15, 10, 0, 0, 0, time.UTC)
	result, err := w.pay("5000", paidAt)
	require.NoError(t, err)

	tx := result.Transaction
	assert.Equal(t, savings.TxnPrimary, tx.Type)
	assert.True(t, tx.RateSnapshot.Equal(dec("6000")))
	assert.Equal(t, "0.8333", savings.DisplayGrams(tx.GramsSnapshot).String())
	// grams * rate recovers the amount to within a nanorupee. The division
	// keeps 16 significant digits, so the product is not bit-exact.
	drift := tx.GramsSnapshot.Mul(tx.RateSnapshot).Sub(tx.Amount).Abs()
	assert.True(t, drift.LessThanOrEqual(dec("0.000000001")),
		"round-trip drift %s exceeds 1e-9", drift)
}

func TestAllocate_RateChangeDoesNotTouchPastPayments(t *testing.T) {
	// GIVEN: A payment recorded at 6000/g
	// WHEN: The rate later rises to 7000/g and a new payment is made
	// THEN: The old transaction keeps its snapshot; only the new one uses 7000

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	first, err := w.pay("5000", jan)
	require.NoError(t, err)

	w.setRate(t, savings.Metal24K, "7000")

	feb := time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC)
	second, err := w.pay("5000", feb)
	require.NoError(t, err)

	txs, err := w.Store.Transactions(context.Background(), w.Enrollment.ID)
	require.NoError(t, err)
	require.Len(t, txs, 2)

	assert.True(t, first.Transaction.RateSnapshot.Equal(dec("6000")))
	assert.True(t, second.Transaction.RateSnapshot.Equal(dec("7000")))
	assert.True(t, txs[0].RateSnapshot.Equal(dec("6000")), "stored row must keep its locked rate")
}

func TestAllocate_NoRateConfigured_Rejected(t *testing.T) {
	// GIVEN: No rate rows for 24K
	// WHEN: Recording a payment
	// THEN: Rejected with RateUnavailableError naming the kind; nothing written

	w := newTestWorld(t)

	_, err := w.pay("5000", time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, savings.ErrRateUnavailable)

	var rateErr *savings.RateUnavailableError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, savings.Metal24K, rateErr.Kind)

	txs, _ := w.Store.Transactions(context.Background(), w.Enrollment.ID)
	assert.Empty(t, txs)
}

// =============================================================================
// CLASSIFICATION TESTS
// =============================================================================

func TestAllocate_ExactCommitment_IsPrimary(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	result, err := w.pay("5000", time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	assert.Equal(t, savings.TxnPrimary, result.Transaction.Type)
	assert.True(t, result.Status.Met)
	assert.True(t, result.Status.Remaining.IsZero())
}

func TestAllocate_AfterCommitmentMet_IsTopUp(t *testing.T) {
	// GIVEN: January's commitment is already met
	// WHEN: Paying again in January
	// THEN: The payment is a TOP_UP; it allocates grams but the month stays met

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	_, err := w.pay("5000", jan)
	require.NoError(t, err)

	topup, err := w.pay("2000", jan.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, savings.TxnTopUp, topup.Transaction.Type)
	assert.True(t, topup.Transaction.GramsSnapshot.IsPositive())

	// TOP_UP never counts toward commitment
	assert.True(t, topup.Status.TotalPaid.Equal(dec("5000")))
}

func TestAllocate_PartialPrimary_RejectedWithExactShortfall(t *testing.T) {
	// GIVEN: Remaining commitment of 5000
	// WHEN: Paying 3000
	// THEN: Rejected with shortfall 2000 and no transaction written

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	_, err := w.pay("3000", time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
	assert.ErrorIs(t, err, savings.ErrInsufficientAmount)

	var insErr *savings.InsufficientAmountError
	require.ErrorAs(t, err, &insErr)
	assert.True(t, insErr.Remaining.Equal(dec("5000")))
	assert.True(t, insErr.Attempted.Equal(dec("3000")))
	assert.True(t, insErr.Shortfall.Equal(dec("2000")))

	txs, _ := w.Store.Transactions(context.Background(), w.Enrollment.ID)
	assert.Empty(t, txs, "rejected payment must not write")
}

func TestAllocate_OverCommitment_SinglePrimaryForFullAmount(t *testing.T) {
	// GIVEN: Commitment 5000
	// WHEN: Paying 8000 in one go
	// THEN: One PRIMARY_INSTALLMENT for the full 8000; month is met

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	result, err := w.pay("8000", time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, savings.TxnPrimary, result.Transaction.Type)
	assert.True(t, result.Transaction.Amount.Equal(dec("8000")))
	assert.True(t, result.Status.Met)
}

func TestAllocate_NewMonth_ResetsCommitment(t *testing.T) {
	// GIVEN: January met
	// WHEN: Paying the commitment on Feb 15
	// THEN: The February payment is a fresh PRIMARY_INSTALLMENT

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	_, err := w.pay("5000", time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	feb, err := w.pay("5000", time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, savings.TxnPrimary, feb.Transaction.Type)
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestAllocate_NonPositiveAmount_Rejected(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	for _, amount := range []string{"0", "-100"} {
		_, err := w.pay(amount, time.Now().UTC())
		assert.ErrorIs(t, err, savings.ErrInvalidAmount, "amount %s", amount)
	}
}

func TestAllocate_MissingScope_Rejected(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	_, err := w.Allocator.Allocate(context.Background(), savings.Scope{}, savings.AllocationInput{
		EnrollmentID: w.Enrollment.ID,
		Amount:       dec("5000"),
	})
	assert.ErrorIs(t, err, savings.ErrMissingScope)
}

func TestAllocate_UnknownEnrollment_Rejected(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	_, err := w.Allocator.Allocate(context.Background(), testScope, savings.AllocationInput{
		EnrollmentID: "nope",
		Amount:       dec("5000"),
	})
	assert.ErrorIs(t, err, savings.ErrEnrollmentNotFound)
}

func TestAllocate_ForeignTenantEnrollment_NotFound(t *testing.T) {
	// GIVEN: An enrollment owned by ret-1
	// WHEN: A staff member scoped to another retailer pays against it
	// THEN: The enrollment reads as not found; no transaction is written

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	foreign := savings.Scope{RetailerID: "ret-2", ActorID: "staff-9"}
	_, err := w.Allocator.Allocate(context.Background(), foreign, savings.AllocationInput{
		EnrollmentID: w.Enrollment.ID,
		Amount:       dec("5000"),
	})
	assert.ErrorIs(t, err, savings.ErrEnrollmentNotFound)

	txs, err := w.Store.Transactions(context.Background(), w.Enrollment.ID)
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestAllocate_ClosedEnrollment_Rejected(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")
	require.NoError(t, w.Store.SetEnrollmentStatus(context.Background(), w.Enrollment.ID, savings.EnrollmentCancelled))

	_, err := w.pay("5000", time.Now().UTC())
	assert.ErrorIs(t, err, savings.ErrEnrollmentClosed)
}

func TestAllocate_KindMismatch_Rejected(t *testing.T) {
	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")

	_, err := w.Allocator.Allocate(context.Background(), testScope, savings.AllocationInput{
		EnrollmentID: w.Enrollment.ID,
		Amount:       dec("5000"),
		Kind:         savings.MetalSilver,
	})
	require.Error(t, err)
}

func TestAllocate_DuplicateIdempotencyKey_Rejected(t *testing.T) {
	// GIVEN: A payment recorded with key "pay-1"
	// WHEN: Retrying with the same key
	// THEN: ErrDuplicateIdempotencyKey and no second row

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")
	ctx := context.Background()

	in := savings.AllocationInput{
		EnrollmentID:   w.Enrollment.ID,
		Amount:         dec("5000"),
		PaidAt:         time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC),
		IdempotencyKey: "pay-1",
	}
	_, err := w.Allocator.Allocate(ctx, testScope, in)
	require.NoError(t, err)

	_, err = w.Allocator.Allocate(ctx, testScope, in)
	assert.ErrorIs(t, err, savings.ErrDuplicateIdempotencyKey)

	txs, _ := w.Store.Transactions(ctx, w.Enrollment.ID)
	assert.Len(t, txs, 1)
}

// =============================================================================
// CONCURRENCY GUARD TESTS
// =============================================================================

func TestStore_SecondSuccessPrimarySameMonth_Rejected(t *testing.T) {
	// GIVEN: A SUCCESS primary already stored for January
	// WHEN: Appending another SUCCESS primary for the same enrollment-month,
	//       as a raced writer that passed the remaining check would
	// THEN: The store guard rejects it with ErrCommitmentAlreadyMet

	w := newTestWorld(t)
	ctx := context.Background()
	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)

	mk := func(id string) savings.Transaction {
		return savings.Transaction{
			ID: id, RetailerID: "ret-1", EnrollmentID: w.Enrollment.ID,
			Amount: dec("5000"), RateSnapshot: dec("6000"),
			GramsSnapshot: dec("5000").Div(dec("6000")),
			Type:          savings.TxnPrimary, Status: savings.PaymentSuccess,
			PaidAt: jan, BillingMonth: savings.MonthOf(jan),
		}
	}

	require.NoError(t, w.Store.AppendTransaction(ctx, mk("tx-1")))

	err := w.Store.AppendTransaction(ctx, mk("tx-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, savings.ErrCommitmentAlreadyMet)
	assert.True(t, savings.IsRetryableAllocation(err))
}

func TestStore_PrimaryGuard_AllowsDifferentMonths(t *testing.T) {
	w := newTestWorld(t)
	ctx := context.Background()

	mk := func(id string, at time.Time) savings.Transaction {
		return savings.Transaction{
			ID: id, EnrollmentID: w.Enrollment.ID, Amount: dec("5000"),
			RateSnapshot: dec("6000"), GramsSnapshot: dec("5000").Div(dec("6000")),
			Type: savings.TxnPrimary, Status: savings.PaymentSuccess,
			PaidAt: at, BillingMonth: savings.MonthOf(at),
		}
	}

	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, time.February, 15, 0, 0, 0, 0, time.UTC)
	require.NoError(t, w.Store.AppendTransaction(ctx, mk("tx-1", jan)))
	require.NoError(t, w.Store.AppendTransaction(ctx, mk("tx-2", feb)))
}

func TestAllocate_MarksBillingMonthPaid(t *testing.T) {
	// GIVEN: No billing month row yet (rollover has not run)
	// WHEN: A primary installment is recorded
	// THEN: The row is created on demand and flipped to PAID

	w := newTestWorld(t)
	w.setRate(t, savings.Metal24K, "6000")
	ctx := context.Background()

	jan := time.Date(2025, time.January, 15, 0, 0, 0, 0, time.UTC)
	_, err := w.pay("5000", jan)
	require.NoError(t, err)

	bm, err := w.Store.GetBillingMonth(ctx, w.Enrollment.ID, jan)
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, savings.BillingPaid, bm.Status)
	assert.True(t, bm.PrimaryPaid)
}

func TestIsRetryableAllocation(t *testing.T) {
	assert.True(t, savings.IsRetryableAllocation(savings.ErrCommitmentAlreadyMet))
	assert.False(t, savings.IsRetryableAllocation(errors.New("boom")))
	assert.False(t, savings.IsRetryableAllocation(savings.ErrInvalidAmount))
}
