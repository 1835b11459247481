/*
redemption.go - Maturity and redemption processing

PURPOSE:
  Determines when an enrollment can be redeemed and performs the terminal
  conversion of accumulated grams into value.

ELIGIBILITY (all three must hold):
  (a) today >= maturity date
  (b) cumulative grams allocated > 0
  (c) cumulative primary installments >= commitment * durationMonths,
      i.e. every month's commitment was eventually met; there is no grace
      for missed months

VALUATION:
  totalValue = grams * CURRENT rate, never the locked historical rates.
  Payments lock at payment time; redemptions value at redemption time.
*/
package savings

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Eligibility is the full breakdown behind an eligibility decision, so the
// caller can tell the customer which condition is unmet.
type Eligibility struct {
	Eligible       bool
	EligibleSince  *time.Time // maturity date when eligible, nil otherwise
	Matured        bool
	HasGrams       bool
	FullyCommitted bool
}

// RedemptionProcessor decides eligibility and processes redemptions.
type RedemptionProcessor struct {
	Store  Store
	Ledger *CommitmentLedger
	Rates  *RateBook
}

func NewRedemptionProcessor(store Store) *RedemptionProcessor {
	return &RedemptionProcessor{
		Store:  store,
		Ledger: NewCommitmentLedger(store),
		Rates:  NewRateBook(store),
	}
}

// Check evaluates eligibility as of the given day.
func (rp *RedemptionProcessor) Check(ctx context.Context, enrollmentID string, today time.Time) (Eligibility, error) {
	e, err := rp.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Eligibility{}, err
	}
	if e == nil {
		return Eligibility{}, ErrEnrollmentNotFound
	}
	return rp.check(ctx, rp.Ledger, *e, today)
}

func (rp *RedemptionProcessor) check(ctx context.Context, ledger *CommitmentLedger, e Enrollment, today time.Time) (Eligibility, error) {
	grams, err := ledger.TotalGrams(ctx, e.ID)
	if err != nil {
		return Eligibility{}, err
	}
	primaryPaid, err := ledger.TotalPrimaryPaid(ctx, e.ID)
	if err != nil {
		return Eligibility{}, err
	}

	required := e.CommitmentAmount.Mul(decimalFromInt(e.DurationMonths))

	el := Eligibility{
		Matured:        !today.Before(e.MaturityDate),
		HasGrams:       grams.IsPositive(),
		FullyCommitted: primaryPaid.GreaterThanOrEqual(required),
	}
	el.Eligible = el.Matured && el.HasGrams && el.FullyCommitted
	if el.Eligible {
		since := e.MaturityDate
		el.EligibleSince = &since
	}
	return el, nil
}

// Process creates a PENDING redemption valued at the current rate and closes
// the enrollment. Fails with ErrNotEligible when the conditions do not hold.
func (rp *RedemptionProcessor) Process(ctx context.Context, scope Scope, enrollmentID string, today time.Time) (*Redemption, error) {
	if !scope.Valid() {
		return nil, ErrMissingScope
	}

	var redemption *Redemption
	err := inTx(ctx, rp.Store, func(s Store) error {
		e, err := s.GetEnrollment(ctx, enrollmentID)
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

		ledger := &CommitmentLedger{Store: s}
		el, err := rp.check(ctx, ledger, *e, today)
		if err != nil {
			return err
		}
		if !el.Eligible {
			return fmt.Errorf("%w: matured=%t grams=%t committed=%t",
				ErrNotEligible, el.Matured, el.HasGrams, el.FullyCommitted)
		}

		// Redemption values at the live rate, not the locked history.
		rate, err := s.CurrentRate(ctx, e.RetailerID, e.Kind)
		if err != nil {
			return err
		}
		if rate == nil {
			return &RateUnavailableError{Kind: e.Kind}
		}

		grams, err := ledger.TotalGrams(ctx, e.ID)
		if err != nil {
			return err
		}

		r := Redemption{
			ID:           uuid.NewString(),
			RetailerID:   e.RetailerID,
			EnrollmentID: e.ID,
			CustomerID:   e.CustomerID,
			Kind:         e.Kind,
			Grams:        grams,
			RateAtRedeem: rate.PerGram,
			TotalValue:   grams.Mul(rate.PerGram),
			Status:       RedemptionPending,
			ProcessedBy:  scope.ActorID,
			ProcessedAt:  time.Now().UTC(),
		}
		if err := s.SaveRedemption(ctx, r); err != nil {
			return err
		}
		if err := s.SetEnrollmentStatus(ctx, e.ID, EnrollmentCompleted); err != nil {
			return err
		}
		redemption = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return redemption, nil
}

// Complete marks a pending redemption as settled.
func (rp *RedemptionProcessor) Complete(ctx context.Context, scope Scope, redemptionID string) error {
	if !scope.Valid() {
		return ErrMissingScope
	}
	r, err := rp.Store.GetRedemption(ctx, redemptionID)
	if err != nil {
		return err
	}
	if r == nil || r.RetailerID != scope.RetailerID {
		return fmt.Errorf("redemption %s not found", redemptionID)
	}
	return rp.Store.SetRedemptionStatus(ctx, redemptionID, RedemptionCompleted)
}
