/*
allocator.go - Rate-locked payment allocation and classification

PURPOSE:
  The single path for recording a payment. Looks up the current rate,
  computes the grams allocation, classifies the payment against the monthly
  commitment, and appends one immutable transaction row.

CLASSIFICATION:
  - Commitment already met for the month  -> TOP_UP
  - Not met and amount covers remaining   -> PRIMARY_INSTALLMENT
  - Not met and amount short of remaining -> rejected with the exact
    shortfall (partial primaries are not accepted)

LOCKED RATE:
  grams = amount / rate, computed once from the rate read inside the same
  store transaction that inserts the row. The snapshot keeps the full
  division precision (16 significant digits), so grams * rate recovers the
  amount to within 1e-9.

CONCURRENCY:
  The whole read-check-insert chain runs inside WithTx when the store
  supports it, and the store's primary-per-month uniqueness guard turns a
  raced second primary into ErrCommitmentAlreadyMet instead of a
  double-satisfied commitment.
*/
package savings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AllocationInput is one payment to record.
type AllocationInput struct {
	EnrollmentID   string
	Amount         decimal.Decimal
	Kind           MetalKind // optional; must match the enrollment when set
	PaidAt         time.Time // zero value means now
	Mode           string
	Source         string
	IdempotencyKey string
}

// AllocationResult is the recorded transaction plus the commitment position
// after it.
type AllocationResult struct {
	Transaction Transaction
	Status      MonthlyStatus
}

// PaymentAllocator records rate-locked payments.
type PaymentAllocator struct {
	Store  Store
	Ledger *CommitmentLedger
	Rates  *RateBook
}

func NewPaymentAllocator(store Store) *PaymentAllocator {
	return &PaymentAllocator{
		Store:  store,
		Ledger: NewCommitmentLedger(store),
		Rates:  NewRateBook(store),
	}
}

// Allocate validates, classifies, and appends one payment transaction.
// No write happens if any check fails.
func (a *PaymentAllocator) Allocate(ctx context.Context, scope Scope, in AllocationInput) (*AllocationResult, error) {
	if !scope.Valid() {
		return nil, ErrMissingScope
	}
	if !in.Amount.IsPositive() {
		return nil, &InvalidAmountError{Amount: in.Amount, Reason: "must be greater than zero"}
	}

	paidAt := in.PaidAt
	if paidAt.IsZero() {
		paidAt = time.Now().UTC()
	}

	var result *AllocationResult
	err := inTx(ctx, a.Store, func(s Store) error {
		e, err := s.GetEnrollment(ctx, in.EnrollmentID)
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
		if in.Kind != "" && in.Kind != e.Kind {
			return fmt.Errorf("metal kind %s does not match enrollment kind %s", in.Kind, e.Kind)
		}

		// Latest rate wins, read in the same transaction as the insert.
		rate, err := s.CurrentRate(ctx, e.RetailerID, e.Kind)
		if err != nil {
			return err
		}
		if rate == nil {
			return &RateUnavailableError{Kind: e.Kind}
		}

		ledger := &CommitmentLedger{Store: s}
		status, err := ledger.statusFor(ctx, *e, paidAt)
		if err != nil {
			return err
		}

		txnType := TxnPrimary
		if status.Met {
			txnType = TxnTopUp
		} else if in.Amount.LessThan(status.Remaining) {
			return &InsufficientAmountError{
				EnrollmentID: e.ID,
				Remaining:    status.Remaining,
				Attempted:    in.Amount,
				Shortfall:    status.Remaining.Sub(in.Amount),
			}
		}

		tx := Transaction{
			ID:             uuid.NewString(),
			RetailerID:     e.RetailerID,
			EnrollmentID:   e.ID,
			CustomerID:     e.CustomerID,
			Amount:         in.Amount,
			RateSnapshot:   rate.PerGram,
			GramsSnapshot:  in.Amount.Div(rate.PerGram),
			Type:           txnType,
			Status:         PaymentSuccess,
			PaidAt:         paidAt,
			BillingMonth:   MonthOf(paidAt),
			Mode:           in.Mode,
			Source:         in.Source,
			IdempotencyKey: in.IdempotencyKey,
			RecordedBy:     scope.ActorID,
			CreatedAt:      time.Now().UTC(),
		}

		if err := a.checkIdempotency(ctx, s, tx.IdempotencyKey); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, tx); err != nil {
			return err
		}

		if txnType == TxnPrimary {
			if err := a.markMonthPaid(ctx, s, *e, paidAt); err != nil {
				return err
			}
		}

		after, err := ledger.statusFor(ctx, *e, paidAt)
		if err != nil {
			return err
		}
		result = &AllocationResult{Transaction: tx, Status: after}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (a *PaymentAllocator) checkIdempotency(ctx context.Context, s Store, key string) error {
	if key == "" {
		return nil
	}
	exists, err := s.TransactionExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return ErrDuplicateIdempotencyKey
	}
	return nil
}

// markMonthPaid flips the billing month row for a satisfied commitment,
// creating it first if rollover has not run yet.
func (a *PaymentAllocator) markMonthPaid(ctx context.Context, s Store, e Enrollment, paidAt time.Time) error {
	sched := &Scheduler{Store: s}
	bm, _, err := sched.EnsureMonth(ctx, e, paidAt)
	if err != nil {
		return err
	}
	return s.SetBillingMonthStatus(ctx, bm.ID, BillingPaid, true)
}

// IsRetryableAllocation reports whether the caller may retry the same
// allocation after a conflict.
func IsRetryableAllocation(err error) bool {
	return errors.Is(err, ErrCommitmentAlreadyMet)
}
