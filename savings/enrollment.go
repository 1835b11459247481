/*
enrollment.go - Enrollment creation and lifecycle

PURPOSE:
  Creates enrollments with their first billing month row in one atomic step,
  and owns the narrow lifecycle transitions (ACTIVE -> CANCELLED; the
  ACTIVE -> COMPLETED flip belongs to redemption.go).

  CommitmentAmount may exceed the plan's minimum installment but never go
  below it, and is immutable after creation.
*/
package savings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EnrollmentInput is a request to enroll a customer into a plan.
type EnrollmentInput struct {
	CustomerID       string
	PlanID           string
	CommitmentAmount decimal.Decimal
	StartDate        time.Time // zero value means today
	BillingDay       int
}

// EnrollmentService creates and cancels enrollments.
type EnrollmentService struct {
	Store Store
}

func NewEnrollmentService(store Store) *EnrollmentService {
	return &EnrollmentService{Store: store}
}

// Enroll creates an ACTIVE enrollment and its first billing month row
// atomically. The maturity date is computed once here, with the same
// day-clamping rule as due dates, and stored.
func (es *EnrollmentService) Enroll(ctx context.Context, scope Scope, in EnrollmentInput) (*Enrollment, error) {
	if !scope.Valid() {
		return nil, ErrMissingScope
	}
	if in.BillingDay < 1 || in.BillingDay > 31 {
		return nil, fmt.Errorf("billing day %d out of range 1..31", in.BillingDay)
	}

	start := in.StartDate
	if start.IsZero() {
		start = time.Now().UTC()
	}
	start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)

	var enrollment *Enrollment
	err := inTx(ctx, es.Store, func(s Store) error {
		customer, err := s.GetCustomer(ctx, in.CustomerID)
		if err != nil {
			return err
		}
		if customer == nil {
			return ErrCustomerNotFound
		}

		plan, err := s.GetPlan(ctx, in.PlanID)
		if err != nil {
			return err
		}
		if plan == nil {
			return ErrPlanNotFound
		}
		if in.CommitmentAmount.LessThan(plan.MinInstallment) {
			return &InvalidAmountError{
				Amount: in.CommitmentAmount,
				Reason: fmt.Sprintf("commitment below plan minimum %s", plan.MinInstallment),
			}
		}

		e := Enrollment{
			ID:               uuid.NewString(),
			RetailerID:       scope.RetailerID,
			CustomerID:       customer.ID,
			PlanID:           plan.ID,
			Kind:             plan.Kind,
			CommitmentAmount: in.CommitmentAmount,
			StartDate:        start,
			BillingDay:       in.BillingDay,
			DurationMonths:   plan.DurationMonths,
			MaturityDate:     MaturityDate(start, plan.DurationMonths),
			Status:           EnrollmentActive,
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.SaveEnrollment(ctx, e); err != nil {
			return err
		}

		sched := &Scheduler{Store: s}
		if _, _, err := sched.EnsureMonth(ctx, e, start); err != nil {
			return err
		}

		enrollment = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return enrollment, nil
}

// Cancel moves an ACTIVE enrollment to CANCELLED.
func (es *EnrollmentService) Cancel(ctx context.Context, scope Scope, enrollmentID string) error {
	if !scope.Valid() {
		return ErrMissingScope
	}
	e, err := es.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return err
	}
	// A foreign tenant's enrollment reads as not found.
	if e == nil || e.RetailerID != scope.RetailerID {
		return ErrEnrollmentNotFound
	}
	if e.Status != EnrollmentActive {
		return fmt.Errorf("%w: status %s", ErrEnrollmentClosed, e.Status)
	}
	return es.Store.SetEnrollmentStatus(ctx, enrollmentID, EnrollmentCancelled)
}
