/*
schedule.go - Billing month and due-date computation

PURPOSE:
  Pure calendar arithmetic for the billing cycle: which calendar month an
  enrollment is billed for, when that month's installment is due, and when
  the enrollment matures.

CLAMPING RULE:
  A billing day of 31 in a 30-day month falls due on the 30th; in February
  on the 28th (29th in leap years). The clamp applies on EVERY month's
  computation, not just the first. Maturity dates clamp the same way, so
  an enrollment started Jan 31 with a 13-month duration matures Feb 28/29,
  never Mar 2.

ROLLOVER:
  One BillingMonth row exists per ACTIVE enrollment per month. The first row
  is created with the enrollment; subsequent rows are created by the rollover
  pass (api.RolloverScheduler or the admin endpoint), deduplicated by
  (enrollmentID, month) through BillingStore.EnsureBillingMonth.
*/
package savings

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// CALENDAR PRIMITIVES
// =============================================================================

// MonthOf returns the first calendar day of t's month at midnight UTC.
func MonthOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EndOfMonth returns the last calendar day of t's month at midnight UTC.
func EndOfMonth(t time.Time) time.Time {
	return MonthOf(t).AddDate(0, 1, -1)
}

// DaysInMonth returns the number of days in t's month.
func DaysInMonth(t time.Time) int {
	return EndOfMonth(t).Day()
}

// ClampDay returns day limited to the length of t's month.
func ClampDay(t time.Time, day int) int {
	if n := DaysInMonth(t); day > n {
		return n
	}
	if day < 1 {
		return 1
	}
	return day
}

// AddMonthsClamped advances t by n months, clamping the day-of-month to the
// target month's length. Unlike time.AddDate, Jan 31 + 1 month is Feb 28/29,
// not Mar 2/3.
func AddMonthsClamped(t time.Time, n int) time.Time {
	anchor := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, n, 0)
	day := ClampDay(anchor, t.Day())
	return time.Date(anchor.Year(), anchor.Month(), day, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// BILLING SCHEDULE
// =============================================================================

// FirstBillingMonth returns the billing month an enrollment starts in:
// the first calendar day of startDate's month, normalized to midnight.
func FirstBillingMonth(startDate time.Time) time.Time {
	return MonthOf(startDate)
}

// DueDateFor returns the due date within the given billing month for a
// billing day-of-month, clamped to the month's length.
func DueDateFor(month time.Time, billingDay int) time.Time {
	m := MonthOf(month)
	return time.Date(m.Year(), m.Month(), ClampDay(m, billingDay), 0, 0, 0, 0, time.UTC)
}

// NextDueDate returns the due date in the month following startDate's month.
func NextDueDate(startDate time.Time, billingDay int) time.Time {
	return DueDateFor(MonthOf(startDate).AddDate(0, 1, 0), billingDay)
}

// MaturityDate returns startDate + durationMonths with day clamping.
func MaturityDate(startDate time.Time, durationMonths int) time.Time {
	return AddMonthsClamped(startDate, durationMonths)
}

// =============================================================================
// SCHEDULER - Billing month row creation
// =============================================================================

// Scheduler creates BillingMonth rows against a store. Creation is
// idempotent per (enrollment, month); callers may re-run freely.
type Scheduler struct {
	Store Store
}

func NewScheduler(store Store) *Scheduler {
	return &Scheduler{Store: store}
}

// EnsureMonth creates (or returns) the billing month row for the enrollment
// covering the given date.
func (s *Scheduler) EnsureMonth(ctx context.Context, e Enrollment, at time.Time) (*BillingMonth, bool, error) {
	month := MonthOf(at)
	return s.Store.EnsureBillingMonth(ctx, BillingMonth{
		ID:           uuid.NewString(),
		EnrollmentID: e.ID,
		RetailerID:   e.RetailerID,
		Month:        month,
		DueDate:      DueDateFor(month, e.BillingDay),
		Status:       BillingDue,
		CreatedAt:    time.Now().UTC(),
	})
}

// Rollover ensures the current month's row for every ACTIVE enrollment of the
// retailer and flips past-due unpaid months to MISSED. Returns how many rows
// were newly created and how many flipped.
func (s *Scheduler) Rollover(ctx context.Context, retailerID string, today time.Time) (created, missed int, err error) {
	enrollments, err := s.Store.ListEnrollmentsByStatus(ctx, retailerID, EnrollmentActive)
	if err != nil {
		return 0, 0, err
	}

	for _, e := range enrollments {
		_, madeNew, err := s.EnsureMonth(ctx, e, today)
		if err != nil {
			return created, missed, err
		}
		if madeNew {
			created++
		}

		months, err := s.Store.BillingMonths(ctx, e.ID)
		if err != nil {
			return created, missed, err
		}
		for _, m := range months {
			if m.Status == BillingDue && !m.PrimaryPaid && m.DueDate.Before(today) {
				if err := s.Store.SetBillingMonthStatus(ctx, m.ID, BillingMissed, false); err != nil {
					return created, missed, err
				}
				missed++
			}
		}
	}
	return created, missed, nil
}
