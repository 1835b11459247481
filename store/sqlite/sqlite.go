/*
Package sqlite provides the SQLite-backed implementation of savings.Store.

PURPOSE:
  Implements all persistence interfaces using SQLite. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements exist for the rates table
  - No UPDATE or DELETE statements exist for the transactions table
  - Enrollments and billing months mutate through narrow status flips only

KEY CONSTRAINTS:
  idx_billing_unique:        at most one billing month row per
                             (enrollment_id, month); EnsureBillingMonth
                             resolves the conflict by returning the
                             existing row (idempotent retries)
  idx_unique_primary_month:  at most one SUCCESS PRIMARY_INSTALLMENT per
                             (enrollment_id, billing_month). Two racing
                             primary payments both pass the remaining-
                             commitment check; the second insert fails here
                             and surfaces ErrCommitmentAlreadyMet instead of
                             double-satisfying the month
  idempotency_key UNIQUE:    duplicate submissions fail fast

WAL MODE:
  Opened with WAL so readers don't block and crash recovery is sane.

USAGE:
  st, err := sqlite.New("./data/savings.db")
  ...
  allocator := savings.NewPaymentAllocator(st)

SEE ALSO:
  - savings/store.go: interface definitions
  - savings/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/swarna/savings-engine/savings"
)

// tsFormat is RFC 3339 with fixed nine-digit fractional seconds. paid_at,
// created_at, and effective_from are compared and ordered as TEXT, and
// RFC3339Nano strips trailing zeros, so "...59.5Z" would sort after
// "...59.999999999Z" ('Z' > '9'). A fixed-width encoding keeps TEXT order
// identical to time order.
const tsFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements savings.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so every helper can run
// inside or outside an explicit transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a SQLite store at the given path. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: a ":memory:" database exists per connection, and the
	// store serializes access through its own lock anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	-- Rates (append-only history)
	CREATE TABLE IF NOT EXISTS rates (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		per_gram TEXT NOT NULL,
		effective_from TEXT NOT NULL,
		recorded_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_rates_lookup
		ON rates(retailer_id, kind, effective_from DESC);

	-- Customers
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_customers_retailer
		ON customers(retailer_id);

	-- Plans (read-only templates)
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		min_installment TEXT NOT NULL,
		duration_months INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Enrollments
	CREATE TABLE IF NOT EXISTS enrollments (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		commitment_amount TEXT NOT NULL,
		start_date TEXT NOT NULL,
		billing_day INTEGER NOT NULL,
		duration_months INTEGER NOT NULL,
		maturity_date TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_enrollments_retailer_status
		ON enrollments(retailer_id, status);
	CREATE INDEX IF NOT EXISTS idx_enrollments_customer
		ON enrollments(customer_id);

	-- Billing months: one row per enrollment per calendar month
	CREATE TABLE IF NOT EXISTS billing_months (
		id TEXT PRIMARY KEY,
		enrollment_id TEXT NOT NULL,
		retailer_id TEXT NOT NULL,
		month TEXT NOT NULL,
		due_date TEXT NOT NULL,
		primary_paid INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_billing_unique
		ON billing_months(enrollment_id, month);
	CREATE INDEX IF NOT EXISTS idx_billing_retailer_status
		ON billing_months(retailer_id, status);

	-- Transactions (append-only ledger with locked-rate snapshots)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		enrollment_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		rate_snapshot TEXT NOT NULL,
		grams_snapshot TEXT NOT NULL,
		txn_type TEXT NOT NULL,
		payment_status TEXT NOT NULL,
		paid_at TEXT NOT NULL,
		billing_month TEXT NOT NULL,
		mode TEXT,
		source TEXT,
		idempotency_key TEXT UNIQUE,
		recorded_by TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_enrollment_paid
		ON transactions(enrollment_id, paid_at);

	-- CRITICAL: a month's commitment can only be met once. The allocator's
	-- check-then-insert races resolve here.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_primary_month
		ON transactions(enrollment_id, billing_month)
		WHERE txn_type = 'PRIMARY_INSTALLMENT' AND payment_status = 'SUCCESS';

	-- Redemptions
	CREATE TABLE IF NOT EXISTS redemptions (
		id TEXT PRIMARY KEY,
		retailer_id TEXT NOT NULL,
		enrollment_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		grams TEXT NOT NULL,
		rate_at_redeem TEXT NOT NULL,
		total_value TEXT NOT NULL,
		status TEXT NOT NULL,
		processed_by TEXT,
		processed_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_redemptions_enrollment
		ON redemptions(enrollment_id);
	CREATE INDEX IF NOT EXISTS idx_redemptions_retailer
		ON redemptions(retailer_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// RATES (savings.RateStore)
// =============================================================================

func (s *Store) RecordRate(ctx context.Context, rate savings.Rate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordRate(ctx, s.db, rate)
}

func (s *Store) recordRate(ctx context.Context, db dbtx, rate savings.Rate) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO rates (id, retailer_id, kind, per_gram, effective_from, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rate.ID, rate.RetailerID, string(rate.Kind), rate.PerGram.String(),
		rate.EffectiveFrom.UTC().Format(tsFormat), rate.RecordedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to record rate: %w", err)
	}
	return nil
}

func (s *Store) CurrentRate(ctx context.Context, retailerID string, kind savings.MetalKind) (*savings.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentRate(ctx, s.db, retailerID, kind)
}

func (s *Store) currentRate(ctx context.Context, db dbtx, retailerID string, kind savings.MetalKind) (*savings.Rate, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, retailer_id, kind, per_gram, effective_from, recorded_by
		FROM rates
		WHERE retailer_id = ? AND kind = ?
		ORDER BY effective_from DESC
		LIMIT 1`,
		retailerID, string(kind),
	)
	rate, err := scanRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rate, err
}

func (s *Store) RateHistory(ctx context.Context, retailerID string, kind savings.MetalKind) ([]savings.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, retailer_id, kind, per_gram, effective_from, recorded_by
		FROM rates
		WHERE retailer_id = ? AND kind = ?
		ORDER BY effective_from DESC`,
		retailerID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rates []savings.Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, *r)
	}
	return rates, rows.Err()
}

func (s *Store) GetRate(ctx context.Context, id string) (*savings.Rate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, retailer_id, kind, per_gram, effective_from, recorded_by
		FROM rates WHERE id = ?`, id)
	rate, err := scanRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rate, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// parseDecimal rejects a corrupt stored value instead of reading it as zero.
func parseDecimal(column, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid decimal in %s: %q", column, s)
	}
	return d, nil
}

func parseTime(column, layout, s string) (time.Time, error) {
	t, err := time.Parse(layout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp in %s: %q", column, s)
	}
	return t, nil
}

func scanRate(row rowScanner) (*savings.Rate, error) {
	var (
		r             savings.Rate
		kind          string
		perGram       string
		effectiveFrom string
		recordedBy    sql.NullString
	)
	err := row.Scan(&r.ID, &r.RetailerID, &kind, &perGram, &effectiveFrom, &recordedBy)
	if err != nil {
		return nil, err
	}
	if !savings.ValidMetalKind(savings.MetalKind(kind)) {
		return nil, fmt.Errorf("invalid metal kind in rates row %s: %q", r.ID, kind)
	}
	r.Kind = savings.MetalKind(kind)
	if r.PerGram, err = parseDecimal("rates.per_gram", perGram); err != nil {
		return nil, err
	}
	if r.EffectiveFrom, err = parseTime("rates.effective_from", tsFormat, effectiveFrom); err != nil {
		return nil, err
	}
	r.RecordedBy = recordedBy.String
	return &r, nil
}

// =============================================================================
// CUSTOMERS (savings.CustomerStore)
// =============================================================================

func (s *Store) SaveCustomer(ctx context.Context, c savings.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, retailer_id, name, phone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		c.ID, c.RetailerID, c.Name, c.Phone, c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*savings.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getCustomer(ctx, s.db, id)
}

func (s *Store) getCustomer(ctx context.Context, db dbtx, id string) (*savings.Customer, error) {
	var (
		c         savings.Customer
		phone     sql.NullString
		createdAt string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, retailer_id, name, phone, created_at FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.RetailerID, &c.Name, &phone, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Phone = phone.String
	if c.CreatedAt, err = parseTime("customers.created_at", time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListCustomers(ctx context.Context, retailerID string) ([]savings.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryCustomers(ctx, s.db, retailerID)
}

func queryCustomers(ctx context.Context, db dbtx, retailerID string) ([]savings.Customer, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, retailer_id, name, phone, created_at
		FROM customers WHERE retailer_id = ? ORDER BY name`, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var customers []savings.Customer
	for rows.Next() {
		var (
			c         savings.Customer
			phone     sql.NullString
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.RetailerID, &c.Name, &phone, &createdAt); err != nil {
			return nil, err
		}
		c.Phone = phone.String
		if c.CreatedAt, err = parseTime("customers.created_at", time.RFC3339, createdAt); err != nil {
			return nil, err
		}
		customers = append(customers, c)
	}
	return customers, rows.Err()
}

// =============================================================================
// PLANS (savings.PlanStore)
// =============================================================================

func (s *Store) SavePlan(ctx context.Context, p savings.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (id, retailer_id, name, kind, min_installment, duration_months, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		p.ID, p.RetailerID, p.Name, string(p.Kind), p.MinInstallment.String(),
		p.DurationMonths, p.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetPlan(ctx context.Context, id string) (*savings.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getPlan(ctx, s.db, id)
}

func (s *Store) getPlan(ctx context.Context, db dbtx, id string) (*savings.Plan, error) {
	var (
		p         savings.Plan
		kind      string
		minInst   string
		createdAt string
	)
	err := db.QueryRowContext(ctx, `
		SELECT id, retailer_id, name, kind, min_installment, duration_months, created_at
		FROM plans WHERE id = ?`, id,
	).Scan(&p.ID, &p.RetailerID, &p.Name, &kind, &minInst, &p.DurationMonths, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Kind = savings.MetalKind(kind)
	if p.MinInstallment, err = parseDecimal("plans.min_installment", minInst); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime("plans.created_at", time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPlans(ctx context.Context, retailerID string) ([]savings.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryPlans(ctx, s.db, retailerID)
}

func queryPlans(ctx context.Context, db dbtx, retailerID string) ([]savings.Plan, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, retailer_id, name, kind, min_installment, duration_months, created_at
		FROM plans WHERE retailer_id = ? ORDER BY name`, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []savings.Plan
	for rows.Next() {
		var (
			p         savings.Plan
			kind      string
			minInst   string
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.RetailerID, &p.Name, &kind, &minInst, &p.DurationMonths, &createdAt); err != nil {
			return nil, err
		}
		p.Kind = savings.MetalKind(kind)
		if p.MinInstallment, err = parseDecimal("plans.min_installment", minInst); err != nil {
			return nil, err
		}
		if p.CreatedAt, err = parseTime("plans.created_at", time.RFC3339, createdAt); err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// =============================================================================
// ENROLLMENTS (savings.EnrollmentStore)
// =============================================================================

func (s *Store) SaveEnrollment(ctx context.Context, e savings.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveEnrollment(ctx, s.db, e)
}

func (s *Store) saveEnrollment(ctx context.Context, db dbtx, e savings.Enrollment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO enrollments
		(id, retailer_id, customer_id, plan_id, kind, commitment_amount,
		 start_date, billing_day, duration_months, maturity_date, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RetailerID, e.CustomerID, e.PlanID, string(e.Kind),
		e.CommitmentAmount.String(),
		e.StartDate.UTC().Format(time.RFC3339),
		e.BillingDay, e.DurationMonths,
		e.MaturityDate.UTC().Format(time.RFC3339),
		string(e.Status),
		e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save enrollment: %w", err)
	}
	return nil
}

func (s *Store) GetEnrollment(ctx context.Context, id string) (*savings.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEnrollment(ctx, s.db, id)
}

func (s *Store) getEnrollment(ctx context.Context, db dbtx, id string) (*savings.Enrollment, error) {
	row := db.QueryRowContext(ctx, enrollmentSelect+` WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return e, err
}

const enrollmentSelect = `
	SELECT id, retailer_id, customer_id, plan_id, kind, commitment_amount,
	       start_date, billing_day, duration_months, maturity_date, status, created_at
	FROM enrollments`

func scanEnrollment(row rowScanner) (*savings.Enrollment, error) {
	var (
		e          savings.Enrollment
		kind       string
		commitment string
		startDate  string
		maturity   string
		status     string
		createdAt  string
	)
	err := row.Scan(&e.ID, &e.RetailerID, &e.CustomerID, &e.PlanID, &kind, &commitment,
		&startDate, &e.BillingDay, &e.DurationMonths, &maturity, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Kind = savings.MetalKind(kind)
	if e.CommitmentAmount, err = parseDecimal("enrollments.commitment_amount", commitment); err != nil {
		return nil, err
	}
	if e.StartDate, err = parseTime("enrollments.start_date", time.RFC3339, startDate); err != nil {
		return nil, err
	}
	if e.MaturityDate, err = parseTime("enrollments.maturity_date", time.RFC3339, maturity); err != nil {
		return nil, err
	}
	e.Status = savings.EnrollmentStatus(status)
	if e.CreatedAt, err = parseTime("enrollments.created_at", time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListEnrollments(ctx context.Context, retailerID string) ([]savings.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEnrollments(ctx, s.db, enrollmentSelect+` WHERE retailer_id = ? ORDER BY created_at`, retailerID)
}

func (s *Store) ListEnrollmentsByStatus(ctx context.Context, retailerID string, status savings.EnrollmentStatus) ([]savings.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryEnrollments(ctx, s.db,
		enrollmentSelect+` WHERE retailer_id = ? AND status = ? ORDER BY created_at`,
		retailerID, string(status))
}

func (s *Store) Retailers(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retailers(ctx, s.db)
}

func (s *Store) retailers(ctx context.Context, db dbtx) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT retailer_id FROM enrollments ORDER BY retailer_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryEnrollments(ctx context.Context, db dbtx, query string, args ...any) ([]savings.Enrollment, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var enrollments []savings.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		enrollments = append(enrollments, *e)
	}
	return enrollments, rows.Err()
}

func (s *Store) SetEnrollmentStatus(ctx context.Context, id string, status savings.EnrollmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setEnrollmentStatus(ctx, s.db, id, status)
}

func (s *Store) setEnrollmentStatus(ctx context.Context, db dbtx, id string, status savings.EnrollmentStatus) error {
	res, err := db.ExecContext(ctx,
		`UPDATE enrollments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return savings.ErrEnrollmentNotFound
	}
	return nil
}

// =============================================================================
// BILLING MONTHS (savings.BillingStore)
// =============================================================================

func (s *Store) EnsureBillingMonth(ctx context.Context, bm savings.BillingMonth) (*savings.BillingMonth, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureBillingMonth(ctx, s.db, bm)
}

func (s *Store) ensureBillingMonth(ctx context.Context, db dbtx, bm savings.BillingMonth) (*savings.BillingMonth, bool, error) {
	month := savings.MonthOf(bm.Month)
	_, err := db.ExecContext(ctx, `
		INSERT INTO billing_months
		(id, enrollment_id, retailer_id, month, due_date, primary_paid, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bm.ID, bm.EnrollmentID, bm.RetailerID,
		month.Format(time.RFC3339),
		bm.DueDate.UTC().Format(time.RFC3339),
		boolToInt(bm.PrimaryPaid), string(bm.Status),
		bm.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if !isUniqueConstraintError(err) {
			return nil, false, fmt.Errorf("failed to create billing month: %w", err)
		}
		// Duplicate (enrollment, month): idempotent, return the existing row.
		existing, gerr := s.getBillingMonth(ctx, db, bm.EnrollmentID, month)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}

	created := bm
	created.Month = month
	return &created, true, nil
}

func (s *Store) GetBillingMonth(ctx context.Context, enrollmentID string, month time.Time) (*savings.BillingMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBillingMonth(ctx, s.db, enrollmentID, savings.MonthOf(month))
}

func (s *Store) getBillingMonth(ctx context.Context, db dbtx, enrollmentID string, month time.Time) (*savings.BillingMonth, error) {
	row := db.QueryRowContext(ctx, billingSelect+` WHERE enrollment_id = ? AND month = ?`,
		enrollmentID, savings.MonthOf(month).Format(time.RFC3339))
	bm, err := scanBillingMonth(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return bm, err
}

const billingSelect = `
	SELECT id, enrollment_id, retailer_id, month, due_date, primary_paid, status, created_at
	FROM billing_months`

func scanBillingMonth(row rowScanner) (*savings.BillingMonth, error) {
	var (
		bm          savings.BillingMonth
		month       string
		dueDate     string
		primaryPaid int
		status      string
		createdAt   string
	)
	err := row.Scan(&bm.ID, &bm.EnrollmentID, &bm.RetailerID, &month, &dueDate,
		&primaryPaid, &status, &createdAt)
	if err != nil {
		return nil, err
	}
	if bm.Month, err = parseTime("billing_months.month", time.RFC3339, month); err != nil {
		return nil, err
	}
	if bm.DueDate, err = parseTime("billing_months.due_date", time.RFC3339, dueDate); err != nil {
		return nil, err
	}
	bm.PrimaryPaid = primaryPaid != 0
	bm.Status = savings.BillingStatus(status)
	if bm.CreatedAt, err = parseTime("billing_months.created_at", time.RFC3339, createdAt); err != nil {
		return nil, err
	}
	return &bm, nil
}

func (s *Store) BillingMonths(ctx context.Context, enrollmentID string) ([]savings.BillingMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryBillingMonths(ctx, s.db,
		billingSelect+` WHERE enrollment_id = ? ORDER BY month`, enrollmentID)
}

func (s *Store) BillingMonthsByStatus(ctx context.Context, retailerID string, status savings.BillingStatus) ([]savings.BillingMonth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryBillingMonths(ctx, s.db,
		billingSelect+` WHERE retailer_id = ? AND status = ? ORDER BY month`,
		retailerID, string(status))
}

func (s *Store) queryBillingMonths(ctx context.Context, db dbtx, query string, args ...any) ([]savings.BillingMonth, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var months []savings.BillingMonth
	for rows.Next() {
		bm, err := scanBillingMonth(rows)
		if err != nil {
			return nil, err
		}
		months = append(months, *bm)
	}
	return months, rows.Err()
}

func (s *Store) SetBillingMonthStatus(ctx context.Context, id string, status savings.BillingStatus, primaryPaid bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setBillingMonthStatus(ctx, s.db, id, status, primaryPaid)
}

func (s *Store) setBillingMonthStatus(ctx context.Context, db dbtx, id string, status savings.BillingStatus, primaryPaid bool) error {
	_, err := db.ExecContext(ctx,
		`UPDATE billing_months SET status = ?, primary_paid = ? WHERE id = ?`,
		string(status), boolToInt(primaryPaid), id)
	return err
}

// =============================================================================
// TRANSACTIONS (savings.TransactionStore, append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx savings.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTransaction(ctx, s.db, tx)
}

func (s *Store) appendTransaction(ctx context.Context, db dbtx, tx savings.Transaction) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, retailer_id, enrollment_id, customer_id, amount, rate_snapshot,
		 grams_snapshot, txn_type, payment_status, paid_at, billing_month,
		 mode, source, idempotency_key, recorded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.RetailerID, tx.EnrollmentID, tx.CustomerID,
		tx.Amount.String(), tx.RateSnapshot.String(), tx.GramsSnapshot.String(),
		string(tx.Type), string(tx.Status),
		tx.PaidAt.UTC().Format(tsFormat),
		savings.MonthOf(tx.BillingMonth).Format(time.RFC3339),
		nullString(tx.Mode), nullString(tx.Source), nullString(tx.IdempotencyKey),
		nullString(tx.RecordedBy),
		tx.CreatedAt.UTC().Format(tsFormat),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			if strings.Contains(err.Error(), "idx_unique_primary_month") ||
				strings.Contains(err.Error(), "billing_month") {
				return savings.ErrCommitmentAlreadyMet
			}
			return savings.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

func (s *Store) Transactions(ctx context.Context, enrollmentID string) ([]savings.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryTransactions(ctx, s.db,
		transactionSelect+` WHERE enrollment_id = ? ORDER BY paid_at ASC, created_at ASC`,
		enrollmentID)
}

func (s *Store) TransactionsInRange(ctx context.Context, enrollmentID string, from, to time.Time) ([]savings.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionsInRange(ctx, s.db, enrollmentID, from, to)
}

func (s *Store) transactionsInRange(ctx context.Context, db dbtx, enrollmentID string, from, to time.Time) ([]savings.Transaction, error) {
	return s.queryTransactions(ctx, db,
		transactionSelect+` WHERE enrollment_id = ? AND paid_at >= ? AND paid_at <= ?
		ORDER BY paid_at ASC, created_at ASC`,
		enrollmentID,
		from.UTC().Format(tsFormat),
		to.UTC().Format(tsFormat))
}

func (s *Store) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transactionExists(ctx, s.db, idempotencyKey)
}

func (s *Store) transactionExists(ctx context.Context, db dbtx, idempotencyKey string) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?`,
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

const transactionSelect = `
	SELECT id, retailer_id, enrollment_id, customer_id, amount, rate_snapshot,
	       grams_snapshot, txn_type, payment_status, paid_at, billing_month,
	       mode, source, idempotency_key, recorded_by, created_at
	FROM transactions`

func (s *Store) queryTransactions(ctx context.Context, db dbtx, query string, args ...any) ([]savings.Transaction, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []savings.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (savings.Transaction, error) {
	var (
		tx           savings.Transaction
		amount       string
		rateSnap     string
		gramsSnap    string
		txnType      string
		status       string
		paidAt       string
		billingMonth string
		mode         sql.NullString
		source       sql.NullString
		idemKey      sql.NullString
		recordedBy   sql.NullString
		createdAt    string
	)
	err := rows.Scan(&tx.ID, &tx.RetailerID, &tx.EnrollmentID, &tx.CustomerID,
		&amount, &rateSnap, &gramsSnap, &txnType, &status, &paidAt, &billingMonth,
		&mode, &source, &idemKey, &recordedBy, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if tx.Amount, err = parseDecimal("transactions.amount", amount); err != nil {
		return tx, err
	}
	if tx.RateSnapshot, err = parseDecimal("transactions.rate_snapshot", rateSnap); err != nil {
		return tx, err
	}
	if tx.GramsSnapshot, err = parseDecimal("transactions.grams_snapshot", gramsSnap); err != nil {
		return tx, err
	}
	tx.Type = savings.TxnType(txnType)
	tx.Status = savings.PaymentStatus(status)
	if tx.PaidAt, err = parseTime("transactions.paid_at", tsFormat, paidAt); err != nil {
		return tx, err
	}
	if tx.BillingMonth, err = parseTime("transactions.billing_month", time.RFC3339, billingMonth); err != nil {
		return tx, err
	}
	tx.Mode = mode.String
	tx.Source = source.String
	tx.IdempotencyKey = idemKey.String
	tx.RecordedBy = recordedBy.String
	if tx.CreatedAt, err = parseTime("transactions.created_at", tsFormat, createdAt); err != nil {
		return tx, err
	}
	return tx, nil
}

// =============================================================================
// REDEMPTIONS (savings.RedemptionStore)
// =============================================================================

func (s *Store) SaveRedemption(ctx context.Context, r savings.Redemption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRedemption(ctx, s.db, r)
}

func (s *Store) saveRedemption(ctx context.Context, db dbtx, r savings.Redemption) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO redemptions
		(id, retailer_id, enrollment_id, customer_id, kind, grams,
		 rate_at_redeem, total_value, status, processed_by, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RetailerID, r.EnrollmentID, r.CustomerID, string(r.Kind),
		r.Grams.String(), r.RateAtRedeem.String(), r.TotalValue.String(),
		string(r.Status), r.ProcessedBy,
		r.ProcessedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save redemption: %w", err)
	}
	return nil
}

func (s *Store) GetRedemption(ctx context.Context, id string) (*savings.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, redemptionSelect+` WHERE id = ?`, id)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) GetRedemptionByEnrollment(ctx context.Context, enrollmentID string) (*savings.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, redemptionSelect+` WHERE enrollment_id = ?`, enrollmentID)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (s *Store) ListRedemptions(ctx context.Context, retailerID string) ([]savings.Redemption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryRedemptions(ctx, s.db, retailerID)
}

func queryRedemptions(ctx context.Context, db dbtx, retailerID string) ([]savings.Redemption, error) {
	rows, err := db.QueryContext(ctx, redemptionSelect+` WHERE retailer_id = ? ORDER BY processed_at`, retailerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var redemptions []savings.Redemption
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		redemptions = append(redemptions, *r)
	}
	return redemptions, rows.Err()
}

const redemptionSelect = `
	SELECT id, retailer_id, enrollment_id, customer_id, kind, grams,
	       rate_at_redeem, total_value, status, processed_by, processed_at
	FROM redemptions`

func scanRedemption(row rowScanner) (*savings.Redemption, error) {
	var (
		r           savings.Redemption
		kind        string
		grams       string
		rate        string
		total       string
		status      string
		processedBy sql.NullString
		processedAt string
	)
	err := row.Scan(&r.ID, &r.RetailerID, &r.EnrollmentID, &r.CustomerID, &kind,
		&grams, &rate, &total, &status, &processedBy, &processedAt)
	if err != nil {
		return nil, err
	}
	r.Kind = savings.MetalKind(kind)
	if r.Grams, err = parseDecimal("redemptions.grams", grams); err != nil {
		return nil, err
	}
	if r.RateAtRedeem, err = parseDecimal("redemptions.rate_at_redeem", rate); err != nil {
		return nil, err
	}
	if r.TotalValue, err = parseDecimal("redemptions.total_value", total); err != nil {
		return nil, err
	}
	r.Status = savings.RedemptionStatus(status)
	r.ProcessedBy = processedBy.String
	if r.ProcessedAt, err = parseTime("redemptions.processed_at", time.RFC3339, processedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) SetRedemptionStatus(ctx context.Context, id string, status savings.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setRedemptionStatus(ctx, s.db, id, status)
}

func (s *Store) setRedemptionStatus(ctx context.Context, db dbtx, id string, status savings.RedemptionStatus) error {
	_, err := db.ExecContext(ctx,
		`UPDATE redemptions SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (savings.TxStore)
// =============================================================================

// WithTx executes fn within a database transaction. All store calls made
// through the passed Store run on the same *sql.Tx, so the allocator's
// read-check-insert chain is atomic.
func (s *Store) WithTx(ctx context.Context, fn func(savings.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{parent: s, tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes every Store call through the open transaction, bypassing
// the parent mutex (held by WithTx for the duration).
type txStore struct {
	parent *Store
	tx     *sql.Tx
}

func (ts *txStore) RecordRate(ctx context.Context, rate savings.Rate) error {
	return ts.parent.recordRate(ctx, ts.tx, rate)
}

func (ts *txStore) CurrentRate(ctx context.Context, retailerID string, kind savings.MetalKind) (*savings.Rate, error) {
	return ts.parent.currentRate(ctx, ts.tx, retailerID, kind)
}

func (ts *txStore) RateHistory(ctx context.Context, retailerID string, kind savings.MetalKind) ([]savings.Rate, error) {
	rows, err := ts.tx.QueryContext(ctx, `
		SELECT id, retailer_id, kind, per_gram, effective_from, recorded_by
		FROM rates WHERE retailer_id = ? AND kind = ? ORDER BY effective_from DESC`,
		retailerID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rates []savings.Rate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		rates = append(rates, *r)
	}
	return rates, rows.Err()
}

func (ts *txStore) GetRate(ctx context.Context, id string) (*savings.Rate, error) {
	row := ts.tx.QueryRowContext(ctx, `
		SELECT id, retailer_id, kind, per_gram, effective_from, recorded_by
		FROM rates WHERE id = ?`, id)
	rate, err := scanRate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rate, err
}

func (ts *txStore) SaveCustomer(ctx context.Context, c savings.Customer) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO customers (id, retailer_id, name, phone, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, phone = excluded.phone`,
		c.ID, c.RetailerID, c.Name, c.Phone, c.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (ts *txStore) GetCustomer(ctx context.Context, id string) (*savings.Customer, error) {
	return ts.parent.getCustomer(ctx, ts.tx, id)
}

func (ts *txStore) ListCustomers(ctx context.Context, retailerID string) ([]savings.Customer, error) {
	return queryCustomers(ctx, ts.tx, retailerID)
}

func (ts *txStore) SavePlan(ctx context.Context, p savings.Plan) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO plans (id, retailer_id, name, kind, min_installment, duration_months, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name`,
		p.ID, p.RetailerID, p.Name, string(p.Kind), p.MinInstallment.String(),
		p.DurationMonths, p.CreatedAt.UTC().Format(time.RFC3339))
	return err
}

func (ts *txStore) GetPlan(ctx context.Context, id string) (*savings.Plan, error) {
	return ts.parent.getPlan(ctx, ts.tx, id)
}

func (ts *txStore) ListPlans(ctx context.Context, retailerID string) ([]savings.Plan, error) {
	return queryPlans(ctx, ts.tx, retailerID)
}

func (ts *txStore) SaveEnrollment(ctx context.Context, e savings.Enrollment) error {
	return ts.parent.saveEnrollment(ctx, ts.tx, e)
}

func (ts *txStore) GetEnrollment(ctx context.Context, id string) (*savings.Enrollment, error) {
	return ts.parent.getEnrollment(ctx, ts.tx, id)
}

func (ts *txStore) ListEnrollments(ctx context.Context, retailerID string) ([]savings.Enrollment, error) {
	return ts.parent.queryEnrollments(ctx, ts.tx,
		enrollmentSelect+` WHERE retailer_id = ? ORDER BY created_at`, retailerID)
}

func (ts *txStore) ListEnrollmentsByStatus(ctx context.Context, retailerID string, status savings.EnrollmentStatus) ([]savings.Enrollment, error) {
	return ts.parent.queryEnrollments(ctx, ts.tx,
		enrollmentSelect+` WHERE retailer_id = ? AND status = ? ORDER BY created_at`,
		retailerID, string(status))
}

func (ts *txStore) Retailers(ctx context.Context) ([]string, error) {
	return ts.parent.retailers(ctx, ts.tx)
}

func (ts *txStore) SetEnrollmentStatus(ctx context.Context, id string, status savings.EnrollmentStatus) error {
	return ts.parent.setEnrollmentStatus(ctx, ts.tx, id, status)
}

func (ts *txStore) EnsureBillingMonth(ctx context.Context, bm savings.BillingMonth) (*savings.BillingMonth, bool, error) {
	return ts.parent.ensureBillingMonth(ctx, ts.tx, bm)
}

func (ts *txStore) GetBillingMonth(ctx context.Context, enrollmentID string, month time.Time) (*savings.BillingMonth, error) {
	return ts.parent.getBillingMonth(ctx, ts.tx, enrollmentID, month)
}

func (ts *txStore) BillingMonths(ctx context.Context, enrollmentID string) ([]savings.BillingMonth, error) {
	return ts.parent.queryBillingMonths(ctx, ts.tx,
		billingSelect+` WHERE enrollment_id = ? ORDER BY month`, enrollmentID)
}

func (ts *txStore) BillingMonthsByStatus(ctx context.Context, retailerID string, status savings.BillingStatus) ([]savings.BillingMonth, error) {
	return ts.parent.queryBillingMonths(ctx, ts.tx,
		billingSelect+` WHERE retailer_id = ? AND status = ? ORDER BY month`,
		retailerID, string(status))
}

func (ts *txStore) SetBillingMonthStatus(ctx context.Context, id string, status savings.BillingStatus, primaryPaid bool) error {
	return ts.parent.setBillingMonthStatus(ctx, ts.tx, id, status, primaryPaid)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx savings.Transaction) error {
	return ts.parent.appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) Transactions(ctx context.Context, enrollmentID string) ([]savings.Transaction, error) {
	return ts.parent.queryTransactions(ctx, ts.tx,
		transactionSelect+` WHERE enrollment_id = ? ORDER BY paid_at ASC, created_at ASC`,
		enrollmentID)
}

func (ts *txStore) TransactionsInRange(ctx context.Context, enrollmentID string, from, to time.Time) ([]savings.Transaction, error) {
	return ts.parent.transactionsInRange(ctx, ts.tx, enrollmentID, from, to)
}

func (ts *txStore) TransactionExists(ctx context.Context, idempotencyKey string) (bool, error) {
	return ts.parent.transactionExists(ctx, ts.tx, idempotencyKey)
}

func (ts *txStore) SaveRedemption(ctx context.Context, r savings.Redemption) error {
	return ts.parent.saveRedemption(ctx, ts.tx, r)
}

func (ts *txStore) GetRedemption(ctx context.Context, id string) (*savings.Redemption, error) {
	row := ts.tx.QueryRowContext(ctx, redemptionSelect+` WHERE id = ?`, id)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (ts *txStore) GetRedemptionByEnrollment(ctx context.Context, enrollmentID string) (*savings.Redemption, error) {
	row := ts.tx.QueryRowContext(ctx, redemptionSelect+` WHERE enrollment_id = ?`, enrollmentID)
	r, err := scanRedemption(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (ts *txStore) ListRedemptions(ctx context.Context, retailerID string) ([]savings.Redemption, error) {
	return queryRedemptions(ctx, ts.tx, retailerID)
}

func (ts *txStore) SetRedemptionStatus(ctx context.Context, id string, status savings.RedemptionStatus) error {
	return ts.parent.setRedemptionStatus(ctx, ts.tx, id, status)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
