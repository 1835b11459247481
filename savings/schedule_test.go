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

// =============================================================================
// DAY CLAMPING TESTS
// =============================================================================

func TestDueDateFor_ClampsToMonthLength(t *testing.T) {
	// GIVEN: A billing day of 31
	// WHEN: Computing due dates across months of different lengths
	// THEN: The day clamps to each month's last day

	jan := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC)
	apr := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 31, savings.DueDateFor(jan, 31).Day())
	assert.Equal(t, 28, savings.DueDateFor(feb, 31).Day())
	assert.Equal(t, 30, savings.DueDateFor(apr, 31).Day())
}

func TestDueDateFor_LeapFebruary(t *testing.T) {
	feb2024 := time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 29, savings.DueDateFor(feb2024, 31).Day())
	assert.Equal(t, 29, savings.DueDateFor(feb2024, 29).Day())
	assert.Equal(t, 15, savings.DueDateFor(feb2024, 15).Day())
}

func TestDueDateFor_ClampAppliesEveryMonth(t *testing.T) {
	// GIVEN: Billing day 31
	// WHEN: Walking 12 consecutive months
	// THEN: Every month's due date is min(31, month length), not just the first

	for m := time.January; m <= time.December; m++ {
		month := time.Date(2025, m, 1, 0, 0, 0, 0, time.UTC)
		due := savings.DueDateFor(month, 31)
		assert.Equal(t, savings.DaysInMonth(month), due.Day(), "month %s", m)
		assert.Equal(t, m, due.Month())
	}
}

func TestAddMonthsClamped_NoOverflow(t *testing.T) {
	// GIVEN: Jan 31
	// WHEN: Adding one month
	// THEN: Feb 28, never Mar 2/3 (the time.AddDate overflow)

	jan31 := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := savings.AddMonthsClamped(jan31, 1)
	assert.Equal(t, time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), got)

	// Leap year lands on the 29th
	jan31leap := time.Date(2024, time.January, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 29, savings.AddMonthsClamped(jan31leap, 1).Day())
}

func TestMaturityDate_ClampsLikeDueDates(t *testing.T) {
	// GIVEN: Enrollment started Jan 31, 2025 with a 13-month duration
	// WHEN: Computing the maturity date
	// THEN: Feb 28, 2026

	start := time.Date(2025, time.January, 31, 0, 0, 0, 0, time.UTC)
	got := savings.MaturityDate(start, 13)
	assert.Equal(t, time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC), got)
}

func TestMonthOf_NormalizesToFirstMidnightUTC(t *testing.T) {
	at := time.Date(2025, time.June, 17, 15, 4, 5, 0, time.UTC)
	assert.Equal(t, time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), savings.MonthOf(at))
}

// =============================================================================
// SCHEDULER TESTS
// =============================================================================

func TestScheduler_EnsureMonth_Idempotent(t *testing.T) {
	// GIVEN: A billing month row already exists for June
	// WHEN: Ensuring the same month again
	// THEN: The existing row is returned unchanged, no duplicate is created

	st := store.NewMemory()
	sched := savings.NewScheduler(st)
	ctx := context.Background()

	e := savings.Enrollment{ID: "enr-1", RetailerID: "ret-1", BillingDay: 5, Status: savings.EnrollmentActive}
	june := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)

	first, created, err := sched.EnsureMonth(ctx, e, june)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := sched.EnsureMonth(ctx, e, june)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	months, err := st.BillingMonths(ctx, "enr-1")
	require.NoError(t, err)
	assert.Len(t, months, 1)
}

func TestScheduler_Rollover_CreatesCurrentMonthAndMarksMissed(t *testing.T) {
	// GIVEN: An ACTIVE enrollment whose May row is DUE and past its due date
	// WHEN: Rolling over in June
	// THEN: The June row is created and the May row flips to MISSED

	st := store.NewMemory()
	sched := savings.NewScheduler(st)
	ctx := context.Background()

	e := savings.Enrollment{ID: "enr-1", RetailerID: "ret-1", BillingDay: 5, Status: savings.EnrollmentActive}
	require.NoError(t, st.SaveEnrollment(ctx, e))

	may := time.Date(2025, time.May, 5, 0, 0, 0, 0, time.UTC)
	_, _, err := sched.EnsureMonth(ctx, e, may)
	require.NoError(t, err)

	june10 := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
	created, missed, err := sched.Rollover(ctx, "ret-1", june10)
	require.NoError(t, err)
	assert.Equal(t, 1, created, "June row should be created")
	// May (due 5th) and June (due 5th, already past on the 10th) both flip
	assert.Equal(t, 2, missed)

	months, err := st.BillingMonths(ctx, "enr-1")
	require.NoError(t, err)
	require.Len(t, months, 2)
	assert.Equal(t, savings.BillingMissed, months[0].Status)
}

func TestScheduler_Rollover_PaidMonthStaysPaid(t *testing.T) {
	// GIVEN: A past month marked PAID
	// WHEN: Rolling over later
	// THEN: The paid row is not flipped to MISSED

	st := store.NewMemory()
	sched := savings.NewScheduler(st)
	ctx := context.Background()

	e := savings.Enrollment{ID: "enr-1", RetailerID: "ret-1", BillingDay: 5, Status: savings.EnrollmentActive}
	require.NoError(t, st.SaveEnrollment(ctx, e))

	may := time.Date(2025, time.May, 5, 0, 0, 0, 0, time.UTC)
	bm, _, err := sched.EnsureMonth(ctx, e, may)
	require.NoError(t, err)
	require.NoError(t, st.SetBillingMonthStatus(ctx, bm.ID, savings.BillingPaid, true))

	june := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	_, missed, err := sched.Rollover(ctx, "ret-1", june)
	require.NoError(t, err)
	assert.Equal(t, 0, missed)

	got, err := st.GetBillingMonth(ctx, "enr-1", may)
	require.NoError(t, err)
	assert.Equal(t, savings.BillingPaid, got.Status)
	assert.True(t, got.PrimaryPaid)
}

func TestScheduler_Rollover_RepeatRunIsNoop(t *testing.T) {
	// GIVEN: Rollover already ran today
	// WHEN: Running it again
	// THEN: Nothing new is created or flipped

	st := store.NewMemory()
	sched := savings.NewScheduler(st)
	ctx := context.Background()

	e := savings.Enrollment{ID: "enr-1", RetailerID: "ret-1", BillingDay: 28, Status: savings.EnrollmentActive}
	require.NoError(t, st.SaveEnrollment(ctx, e))

	today := time.Date(2025, time.June, 10, 0, 0, 0, 0, time.UTC)
	created, missed, err := sched.Rollover(ctx, "ret-1", today)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, missed)

	created, missed, err = sched.Rollover(ctx, "ret-1", today)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 0, missed)
}

func TestScheduler_Rollover_SkipsClosedEnrollments(t *testing.T) {
	st := store.NewMemory()
	sched := savings.NewScheduler(st)
	ctx := context.Background()

	e := savings.Enrollment{ID: "enr-1", RetailerID: "ret-1", BillingDay: 5, Status: savings.EnrollmentCancelled}
	require.NoError(t, st.SaveEnrollment(ctx, e))

	created, _, err := sched.Rollover(ctx, "ret-1", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}
