/*
ledger.go - Monthly commitment reconciliation

PURPOSE:
  Single source of truth for "is this month's commitment met". Every payment
  call site routes through here; the arithmetic lives in exactly one place.

RULES:
  - totalPaid sums SUCCESS transactions of type PRIMARY_INSTALLMENT whose
    PaidAt falls within the calendar month. TOP_UP payments NEVER count
    toward commitment satisfaction - an explicit business rule, not an
    oversight.
  - remaining = max(0, commitment - totalPaid)
  - met = totalPaid >= commitment

  MonthlyStatus is pure and read-only: recomputed from the transaction log
  on every query, never cached.
*/
package savings

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// MonthlyStatus is the commitment position for one enrollment-month.
type MonthlyStatus struct {
	EnrollmentID string
	Month        time.Time
	Commitment   decimal.Decimal
	TotalPaid    decimal.Decimal
	Remaining    decimal.Decimal
	Met          bool
}

// CommitmentLedger reconciles payments against monthly commitments.
type CommitmentLedger struct {
	Store Store
}

func NewCommitmentLedger(store Store) *CommitmentLedger {
	return &CommitmentLedger{Store: store}
}

// MonthlyStatus computes the commitment position for the calendar month
// containing asOf. Read-only; no side effects.
func (l *CommitmentLedger) MonthlyStatus(ctx context.Context, enrollmentID string, asOf time.Time) (MonthlyStatus, error) {
	e, err := l.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return MonthlyStatus{}, err
	}
	if e == nil {
		return MonthlyStatus{}, ErrEnrollmentNotFound
	}
	return l.statusFor(ctx, *e, asOf)
}

func (l *CommitmentLedger) statusFor(ctx context.Context, e Enrollment, asOf time.Time) (MonthlyStatus, error) {
	month := MonthOf(asOf)
	from := month
	to := EndOfMonth(asOf).Add(24*time.Hour - time.Nanosecond)

	txs, err := l.Store.TransactionsInRange(ctx, e.ID, from, to)
	if err != nil {
		return MonthlyStatus{}, err
	}

	totalPaid := decimal.Zero
	for _, tx := range txs {
		if tx.Type == TxnPrimary && tx.Status == PaymentSuccess {
			totalPaid = totalPaid.Add(tx.Amount)
		}
	}

	remaining := e.CommitmentAmount.Sub(totalPaid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	return MonthlyStatus{
		EnrollmentID: e.ID,
		Month:        month,
		Commitment:   e.CommitmentAmount,
		TotalPaid:    totalPaid,
		Remaining:    remaining,
		Met:          totalPaid.GreaterThanOrEqual(e.CommitmentAmount),
	}, nil
}

// TotalPrimaryPaid sums all SUCCESS primary installments over the whole
// enrollment. Used by redemption eligibility.
func (l *CommitmentLedger) TotalPrimaryPaid(ctx context.Context, enrollmentID string) (decimal.Decimal, error) {
	txs, err := l.Store.Transactions(ctx, enrollmentID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Type == TxnPrimary && tx.Status == PaymentSuccess {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

// TotalGrams sums grams snapshots over all SUCCESS transactions, primary and
// top-up alike. Top-ups buy grams even though they never satisfy commitments.
func (l *CommitmentLedger) TotalGrams(ctx context.Context, enrollmentID string) (decimal.Decimal, error) {
	txs, err := l.Store.Transactions(ctx, enrollmentID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Status == PaymentSuccess {
			total = total.Add(tx.GramsSnapshot)
		}
	}
	return total, nil
}
