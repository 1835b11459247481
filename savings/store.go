/*
store.go - Persistence interface for the savings engine

PURPOSE:
  Defines the interface between the domain logic and the database.
  Rates and transactions are append-only; enrollments and billing months
  carry narrow, explicit mutation paths (status flips only).

APPEND-ONLY CONTRACT:
  - RecordRate(): new row per update, no edits, no deletes
  - AppendTransaction(): single immutable write; NO update or delete exists
  - Corrections to the ledger are out of band (a reversal row would be a
    new transaction, never an edit)

IDEMPOTENCY:
  - AppendTransaction rejects a reused idempotency key
  - EnsureBillingMonth returns the existing row for a repeated
    (enrollment, month) pair instead of erroring, so retries are safe

PRIMARY-PER-MONTH GUARD:
  Implementations must reject a second SUCCESS PRIMARY_INSTALLMENT for the
  same (enrollment, billing month) with ErrCommitmentAlreadyMet. This closes
  the race where two concurrent payments both pass the remaining-commitment
  check before either commits.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite
  - savings/store: in-memory for testing

SEE ALSO:
  - allocator.go: runs read-check-insert inside WithTx when available
*/
package savings

import (
	"context"
	"time"
)

// Store is the persistence surface the engine needs.
type Store interface {
	RateStore
	CustomerStore
	PlanStore
	EnrollmentStore
	BillingStore
	TransactionStore
	RedemptionStore
}

// TxStore wraps Store with transaction support. Allocation and redemption
// use it when available so check-then-insert is atomic.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// RATES (append-only)
// =============================================================================

type RateStore interface {
	// RecordRate inserts a new immutable rate row. Never updates prior rows.
	RecordRate(ctx context.Context, rate Rate) error

	// CurrentRate returns the row with the latest EffectiveFrom for the kind,
	// or (nil, nil) when no rate is configured. Callers map nil onto
	// RateUnavailableError and block payment recording.
	CurrentRate(ctx context.Context, retailerID string, kind MetalKind) (*Rate, error)

	// RateHistory returns all rate rows for a kind, newest first.
	RateHistory(ctx context.Context, retailerID string, kind MetalKind) ([]Rate, error)

	// GetRate returns a rate row by id, or (nil, nil).
	GetRate(ctx context.Context, id string) (*Rate, error)
}

// =============================================================================
// CUSTOMERS & PLANS
// =============================================================================

type CustomerStore interface {
	SaveCustomer(ctx context.Context, c Customer) error
	GetCustomer(ctx context.Context, id string) (*Customer, error)
	ListCustomers(ctx context.Context, retailerID string) ([]Customer, error)
}

type PlanStore interface {
	SavePlan(ctx context.Context, p Plan) error
	GetPlan(ctx context.Context, id string) (*Plan, error)
	ListPlans(ctx context.Context, retailerID string) ([]Plan, error)
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

type EnrollmentStore interface {
	SaveEnrollment(ctx context.Context, e Enrollment) error
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	ListEnrollments(ctx context.Context, retailerID string) ([]Enrollment, error)
	ListEnrollmentsByStatus(ctx context.Context, retailerID string, status EnrollmentStatus) ([]Enrollment, error)

	// Retailers returns the distinct retailer IDs that have enrollments.
	// The rollover scheduler walks this to cover every tenant.
	Retailers(ctx context.Context) ([]string, error)

	// SetEnrollmentStatus is the only mutation path for enrollments.
	// CommitmentAmount and schedule fields are immutable after creation.
	SetEnrollmentStatus(ctx context.Context, id string, status EnrollmentStatus) error
}

// =============================================================================
// BILLING MONTHS
// =============================================================================

type BillingStore interface {
	// EnsureBillingMonth creates the row if absent and returns the stored row
	// plus whether it was newly created. Repeated calls for the same
	// (enrollment, month) return the existing row unchanged, so retries and
	// rollover re-runs are safe.
	EnsureBillingMonth(ctx context.Context, bm BillingMonth) (*BillingMonth, bool, error)

	GetBillingMonth(ctx context.Context, enrollmentID string, month time.Time) (*BillingMonth, error)
	BillingMonths(ctx context.Context, enrollmentID string) ([]BillingMonth, error)
	BillingMonthsByStatus(ctx context.Context, retailerID string, status BillingStatus) ([]BillingMonth, error)

	// SetBillingMonthStatus flips status/primaryPaid. Lost updates between two
	// staff recording the same payment are prevented by the transaction
	// uniqueness guard, not by this call.
	SetBillingMonthStatus(ctx context.Context, id string, status BillingStatus, primaryPaid bool) error
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

type TransactionStore interface {
	// AppendTransaction persists one immutable payment row.
	// Fails with ErrDuplicateIdempotencyKey on a reused key and with
	// ErrCommitmentAlreadyMet on a second SUCCESS primary for the same
	// enrollment+month. This is the ONLY write operation.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// Transactions returns all rows for an enrollment ordered by PaidAt.
	Transactions(ctx context.Context, enrollmentID string) ([]Transaction, error)

	// TransactionsInRange returns rows with PaidAt in [from, to].
	TransactionsInRange(ctx context.Context, enrollmentID string, from, to time.Time) ([]Transaction, error)

	// TransactionExists checks whether an idempotency key was already used.
	TransactionExists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

type RedemptionStore interface {
	SaveRedemption(ctx context.Context, r Redemption) error
	GetRedemption(ctx context.Context, id string) (*Redemption, error)
	GetRedemptionByEnrollment(ctx context.Context, enrollmentID string) (*Redemption, error)
	ListRedemptions(ctx context.Context, retailerID string) ([]Redemption, error)
	SetRedemptionStatus(ctx context.Context, id string, status RedemptionStatus) error
}

// inTx runs fn transactionally when the store supports it, directly otherwise.
func inTx(ctx context.Context, s Store, fn func(Store) error) error {
	if ts, ok := s.(TxStore); ok {
		return ts.WithTx(ctx, fn)
	}
	return fn(s)
}
