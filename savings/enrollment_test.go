package savings_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarna/savings-engine/savings"
	"github.com/swarna/savings-engine/savings/store"
)

func newEnrollmentFixture(t *testing.T) (*savings.EnrollmentService, *store.Memory) {
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
	return savings.NewEnrollmentService(st), st
}

// =============================================================================
// ENROLLMENT CREATION TESTS
// =============================================================================

func TestEnroll_CreatesEnrollmentWithFirstBillingMonth(t *testing.T) {
	// GIVEN: A customer and an 11-month plan
	// WHEN: Enrolling with a 5000 commitment starting Jan 31
	// THEN: The enrollment stores a clamped maturity date and the first
	//       billing month row exists with a clamped due date

	svc, st := newEnrollmentFixture(t)
	ctx := context.Background()

	start := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	e, err := svc.Enroll(ctx, testScope, savings.EnrollmentInput{
		CustomerID:       "cust-1",
		PlanID:           "plan-1",
		CommitmentAmount: dec("5000"),
		StartDate:        start,
		BillingDay:       31,
	})
	require.NoError(t, err)

	assert.Equal(t, savings.EnrollmentActive, e.Status)
	assert.Equal(t, savings.Metal24K, e.Kind)
	assert.Equal(t, 11, e.DurationMonths)
	// Jan 31 + 11 months clamps to Dec 31 (31-day month, no clamp needed)
	assert.Equal(t, time.Date(2025, time.December, 31, 0, 0, 0, 0, time.UTC), e.MaturityDate)

	bm, err := st.GetBillingMonth(ctx, e.ID, start)
	require.NoError(t, err)
	require.NotNil(t, bm)
	assert.Equal(t, savings.BillingDue, bm.Status)
	assert.Equal(t, 31, bm.DueDate.Day())
}

func TestEnroll_CommitmentBelowPlanMinimum_Rejected(t *testing.T) {
	svc, _ := newEnrollmentFixture(t)

	_, err := svc.Enroll(context.Background(), testScope, savings.EnrollmentInput{
		CustomerID:       "cust-1",
		PlanID:           "plan-1",
		CommitmentAmount: dec("500"),
		BillingDay:       5,
	})
	assert.ErrorIs(t, err, savings.ErrInvalidAmount)
}

func TestEnroll_CommitmentAboveMinimum_Allowed(t *testing.T) {
	svc, _ := newEnrollmentFixture(t)

	e, err := svc.Enroll(context.Background(), testScope, savings.EnrollmentInput{
		CustomerID:       "cust-1",
		PlanID:           "plan-1",
		CommitmentAmount: dec("25000"),
		BillingDay:       5,
	})
	require.NoError(t, err)
	assert.True(t, e.CommitmentAmount.Equal(dec("25000")))
}

func TestEnroll_BillingDayOutOfRange_Rejected(t *testing.T) {
	svc, _ := newEnrollmentFixture(t)

	for _, day := range []int{0, 32, -1} {
		_, err := svc.Enroll(context.Background(), testScope, savings.EnrollmentInput{
			CustomerID:       "cust-1",
			PlanID:           "plan-1",
			CommitmentAmount: dec("5000"),
			BillingDay:       day,
		})
		assert.Error(t, err, "billing day %d", day)
	}
}

func TestEnroll_UnknownReferences_Rejected(t *testing.T) {
	svc, _ := newEnrollmentFixture(t)
	ctx := context.Background()

	_, err := svc.Enroll(ctx, testScope, savings.EnrollmentInput{
		CustomerID: "nope", PlanID: "plan-1", CommitmentAmount: dec("5000"), BillingDay: 5,
	})
	assert.ErrorIs(t, err, savings.ErrCustomerNotFound)

	_, err = svc.Enroll(ctx, testScope, savings.EnrollmentInput{
		CustomerID: "cust-1", PlanID: "nope", CommitmentAmount: dec("5000"), BillingDay: 5,
	})
	assert.ErrorIs(t, err, savings.ErrPlanNotFound)
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCancel_ActiveOnly(t *testing.T) {
	svc, st := newEnrollmentFixture(t)
	ctx := context.Background()

	e, err := svc.Enroll(ctx, testScope, savings.EnrollmentInput{
		CustomerID: "cust-1", PlanID: "plan-1", CommitmentAmount: dec("5000"), BillingDay: 5,
	})
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(ctx, testScope, e.ID))

	got, _ := st.GetEnrollment(ctx, e.ID)
	assert.Equal(t, savings.EnrollmentCancelled, got.Status)

	// Cancelling again fails: not ACTIVE anymore
	err = svc.Cancel(ctx, testScope, e.ID)
	assert.ErrorIs(t, err, savings.ErrEnrollmentClosed)
}

func TestCancel_ForeignTenantEnrollment_NotFound(t *testing.T) {
	svc, st := newEnrollmentFixture(t)
	ctx := context.Background()

	e, err := svc.Enroll(ctx, testScope, savings.EnrollmentInput{
		CustomerID: "cust-1", PlanID: "plan-1", CommitmentAmount: dec("5000"), BillingDay: 5,
	})
	require.NoError(t, err)

	foreign := savings.Scope{RetailerID: "ret-2", ActorID: "staff-9"}
	err = svc.Cancel(ctx, foreign, e.ID)
	assert.ErrorIs(t, err, savings.ErrEnrollmentNotFound)

	got, _ := st.GetEnrollment(ctx, e.ID)
	assert.Equal(t, savings.EnrollmentActive, got.Status)
}
