/*
Package savings provides the core engine for rate-locked precious-metal
savings plans.

PURPOSE:
  This package contains the domain types and algorithms for recurring
  gold/silver savings: recording installment payments against a locked
  per-gram rate, reconciling monthly commitments, computing billing
  schedules, and determining redemption eligibility.

KEY CONCEPTS IN THIS FILE (types.go):
  - MetalKind: purity classification (18K, 22K, 24K gold, silver)
  - Rate: an immutable per-gram rate row; updates append, never edit
  - Enrollment: a customer's recurring commitment to a plan
  - BillingMonth: one due row per enrollment per calendar month
  - Transaction: an immutable payment record carrying rate/grams snapshots
  - Redemption: terminal conversion of accumulated grams to value

DESIGN PRINCIPLES:
  1. Immutability: rates and transactions are never modified once written
  2. Precision: decimal.Decimal for all money and grams arithmetic
  3. Type Safety: enumerations for metal kinds, statuses, and payment types,
     validated at the storage boundary
  4. Locked rate: grams are computed once from the rate snapshot at payment
     time and never recomputed

SEE ALSO:
  - allocator.go: payment allocation and classification
  - ledger.go: monthly commitment reconciliation
  - schedule.go: billing month and due-date computation
  - redemption.go: maturity and redemption processing
*/
package savings

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// METAL KIND - Purity classification with an independently tracked rate
// =============================================================================

type MetalKind string

const (
	Metal18K    MetalKind = "18K"
	Metal22K    MetalKind = "22K"
	Metal24K    MetalKind = "24K"
	MetalSilver MetalKind = "SILVER"
)

// ValidMetalKind reports whether k is one of the known kinds.
// Storage implementations call this when decoding rows.
func ValidMetalKind(k MetalKind) bool {
	switch k {
	case Metal18K, Metal22K, Metal24K, MetalSilver:
		return true
	}
	return false
}

// =============================================================================
// RATE - Append-only per-gram rate history
// =============================================================================

// Rate is one immutable rate row. A rate change is always a new row with a
// later EffectiveFrom; prior rows are never edited or deleted. This is the
// mechanism that lets historical transactions keep their locked rate.
type Rate struct {
	ID            string
	RetailerID    string
	Kind          MetalKind
	PerGram       decimal.Decimal
	EffectiveFrom time.Time
	RecordedBy    string
}

// =============================================================================
// PLAN & CUSTOMER - Read-only templates and owners
// =============================================================================

// Plan is a savings plan template. Enrollments reference a plan; the plan's
// minimum installment and duration apply at enrollment time.
type Plan struct {
	ID             string
	RetailerID     string
	Name           string
	Kind           MetalKind
	MinInstallment decimal.Decimal
	DurationMonths int
	CreatedAt      time.Time
}

type Customer struct {
	ID         string
	RetailerID string
	Name       string
	Phone      string
	CreatedAt  time.Time
}

// =============================================================================
// ENROLLMENT - A customer's recurring commitment
// =============================================================================

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentCancelled EnrollmentStatus = "CANCELLED"
)

// Enrollment links a customer to a plan with a monthly commitment amount.
// CommitmentAmount may exceed the plan's minimum installment and is immutable
// after creation. MaturityDate is derived from StartDate + DurationMonths at
// creation time (with end-of-month clamping) and stored.
type Enrollment struct {
	ID               string
	RetailerID       string
	CustomerID       string
	PlanID           string
	Kind             MetalKind
	CommitmentAmount decimal.Decimal
	StartDate        time.Time
	BillingDay       int // 1..31, clamped to month length when applied
	DurationMonths   int
	MaturityDate     time.Time
	Status           EnrollmentStatus
	CreatedAt        time.Time
}

// =============================================================================
// BILLING MONTH - One due row per enrollment per calendar month
// =============================================================================

type BillingStatus string

const (
	BillingDue    BillingStatus = "DUE"
	BillingMissed BillingStatus = "MISSED"
	BillingPaid   BillingStatus = "PAID"
)

// BillingMonth tracks whether an enrollment's commitment was met for one
// calendar month. Month is always the first of the month at midnight UTC.
// At most one row exists per (EnrollmentID, Month).
type BillingMonth struct {
	ID           string
	EnrollmentID string
	RetailerID   string
	Month        time.Time
	DueDate      time.Time
	PrimaryPaid  bool
	Status       BillingStatus
	CreatedAt    time.Time
}

// =============================================================================
// TRANSACTION - Immutable payment record with locked-rate snapshots
// =============================================================================

type TxnType string

const (
	// TxnPrimary counts toward satisfying the month's commitment.
	TxnPrimary TxnType = "PRIMARY_INSTALLMENT"
	// TxnTopUp is an additional payment beyond the commitment. It allocates
	// grams but never counts toward commitment satisfaction.
	TxnTopUp TxnType = "TOP_UP"
)

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Transaction is one immutable payment row.
//
// INVARIANT: GramsSnapshot == Amount / RateSnapshot, computed once at insert
// and never recomputed. Append-only: never edited or deleted once SUCCESS.
type Transaction struct {
	ID             string
	RetailerID     string
	EnrollmentID   string
	CustomerID     string
	Amount         decimal.Decimal
	RateSnapshot   decimal.Decimal
	GramsSnapshot  decimal.Decimal
	Type           TxnType
	Status         PaymentStatus
	PaidAt         time.Time
	BillingMonth   time.Time // first of PaidAt's month; indexed for month queries
	Mode           string    // cash, upi, card, ...
	Source         string    // admin, portal
	IdempotencyKey string
	RecordedBy     string
	CreatedAt      time.Time
}

// =============================================================================
// REDEMPTION - Terminal conversion of grams to value
// =============================================================================

type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "PENDING"
	RedemptionCompleted RedemptionStatus = "COMPLETED"
)

// Redemption values accumulated grams at the rate current AT REDEMPTION TIME,
// not the locked historical rates. Payments lock; redemptions float. The
// asymmetry is deliberate.
type Redemption struct {
	ID           string
	RetailerID   string
	EnrollmentID string
	CustomerID   string
	Kind         MetalKind
	Grams        decimal.Decimal
	RateAtRedeem decimal.Decimal
	TotalValue   decimal.Decimal
	Status       RedemptionStatus
	ProcessedBy  string
	ProcessedAt  time.Time
}

// =============================================================================
// SCOPE - Tenant and actor context for every operation
// =============================================================================

// Scope carries the tenant and actor identity supplied by the auth layer.
// Core operations reject an empty RetailerID as a configuration error.
type Scope struct {
	RetailerID string
	ActorID    string
}

func (s Scope) Valid() bool { return s.RetailerID != "" }

// =============================================================================
// DECIMAL HELPERS
// =============================================================================

// DisplayGrams truncates grams to 4 decimal places for presentation.
// Stored snapshots keep the full division precision; grams * rate recovers
// the amount to within 1e-9.
func DisplayGrams(g decimal.Decimal) decimal.Decimal { return g.Truncate(4) }

func decimalFromInt(n int) decimal.Decimal { return decimal.NewFromInt(int64(n)) }
