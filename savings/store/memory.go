// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/swarna/savings-engine/savings"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	rates        []savings.Rate
	customers    map[string]savings.Customer
	plans        map[string]savings.Plan
	enrollments  map[string]savings.Enrollment
	billing      map[string]savings.BillingMonth // by row id
	billingByKey map[billingKey]string           // (enrollment, month) -> row id
	transactions map[string][]savings.Transaction
	idempotency  map[string]bool
	primaryMonth map[billingKey]bool // SUCCESS primary guard
	redemptions  map[string]savings.Redemption
}

type billingKey struct {
	EnrollmentID string
	Month        time.Time
}

func NewMemory() *Memory {
	return &Memory{
		customers:    make(map[string]savings.Customer),
		plans:        make(map[string]savings.Plan),
		enrollments:  make(map[string]savings.Enrollment),
		billing:      make(map[string]savings.BillingMonth),
		billingByKey: make(map[billingKey]string),
		transactions: make(map[string][]savings.Transaction),
		idempotency:  make(map[string]bool),
		primaryMonth: make(map[billingKey]bool),
		redemptions:  make(map[string]savings.Redemption),
	}
}

// =============================================================================
// RATES (append-only)
// =============================================================================

func (m *Memory) RecordRate(_ context.Context, rate savings.Rate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = append(m.rates, rate)
	return nil
}

func (m *Memory) CurrentRate(_ context.Context, retailerID string, kind savings.MetalKind) (*savings.Rate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *savings.Rate
	for i := range m.rates {
		r := m.rates[i]
		if r.RetailerID != retailerID || r.Kind != kind {
			continue
		}
		if latest == nil || r.EffectiveFrom.After(latest.EffectiveFrom) {
			cp := r
			latest = &cp
		}
	}
	return latest, nil
}

func (m *Memory) RateHistory(_ context.Context, retailerID string, kind savings.MetalKind) ([]savings.Rate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []savings.Rate
	for _, r := range m.rates {
		if r.RetailerID == retailerID && r.Kind == kind {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EffectiveFrom.After(result[j].EffectiveFrom)
	})
	return result, nil
}

func (m *Memory) GetRate(_ context.Context, id string) (*savings.Rate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for i := range m.rates {
		if m.rates[i].ID == id {
			cp := m.rates[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// =============================================================================
// CUSTOMERS & PLANS
// =============================================================================

func (m *Memory) SaveCustomer(_ context.Context, c savings.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = c
	return nil
}

func (m *Memory) GetCustomer(_ context.Context, id string) (*savings.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.customers[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *Memory) ListCustomers(_ context.Context, retailerID string) ([]savings.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Customer
	for _, c := range m.customers {
		if c.RetailerID == retailerID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SavePlan(_ context.Context, p savings.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = p
	return nil
}

func (m *Memory) GetPlan(_ context.Context, id string) (*savings.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.plans[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *Memory) ListPlans(_ context.Context, retailerID string) ([]savings.Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Plan
	for _, p := range m.plans {
		if p.RetailerID == retailerID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// =============================================================================
// ENROLLMENTS
// =============================================================================

func (m *Memory) SaveEnrollment(_ context.Context, e savings.Enrollment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[e.ID] = e
	return nil
}

func (m *Memory) GetEnrollment(_ context.Context, id string) (*savings.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, nil
}

func (m *Memory) ListEnrollments(_ context.Context, retailerID string) ([]savings.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Enrollment
	for _, e := range m.enrollments {
		if e.RetailerID == retailerID {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) ListEnrollmentsByStatus(_ context.Context, retailerID string, status savings.EnrollmentStatus) ([]savings.Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Enrollment
	for _, e := range m.enrollments {
		if e.RetailerID == retailerID && e.Status == status {
			result = append(result, e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) Retailers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var result []string
	for _, e := range m.enrollments {
		if !seen[e.RetailerID] {
			seen[e.RetailerID] = true
			result = append(result, e.RetailerID)
		}
	}
	sort.Strings(result)
	return result, nil
}

func (m *Memory) SetEnrollmentStatus(_ context.Context, id string, status savings.EnrollmentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return savings.ErrEnrollmentNotFound
	}
	e.Status = status
	m.enrollments[id] = e
	return nil
}

// =============================================================================
// BILLING MONTHS
// =============================================================================

func (m *Memory) EnsureBillingMonth(_ context.Context, bm savings.BillingMonth) (*savings.BillingMonth, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := billingKey{EnrollmentID: bm.EnrollmentID, Month: savings.MonthOf(bm.Month)}
	if id, ok := m.billingByKey[k]; ok {
		existing := m.billing[id]
		return &existing, false, nil
	}

	bm.Month = k.Month
	m.billing[bm.ID] = bm
	m.billingByKey[k] = bm.ID
	return &bm, true, nil
}

func (m *Memory) GetBillingMonth(_ context.Context, enrollmentID string, month time.Time) (*savings.BillingMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	k := billingKey{EnrollmentID: enrollmentID, Month: savings.MonthOf(month)}
	if id, ok := m.billingByKey[k]; ok {
		bm := m.billing[id]
		return &bm, nil
	}
	return nil, nil
}

func (m *Memory) BillingMonths(_ context.Context, enrollmentID string) ([]savings.BillingMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.BillingMonth
	for _, bm := range m.billing {
		if bm.EnrollmentID == enrollmentID {
			result = append(result, bm)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Month.Before(result[j].Month) })
	return result, nil
}

func (m *Memory) BillingMonthsByStatus(_ context.Context, retailerID string, status savings.BillingStatus) ([]savings.BillingMonth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.BillingMonth
	for _, bm := range m.billing {
		if bm.RetailerID == retailerID && bm.Status == status {
			result = append(result, bm)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Month.Before(result[j].Month) })
	return result, nil
}

func (m *Memory) SetBillingMonthStatus(_ context.Context, id string, status savings.BillingStatus, primaryPaid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bm, ok := m.billing[id]
	if !ok {
		return nil
	}
	bm.Status = status
	bm.PrimaryPaid = primaryPaid
	m.billing[id] = bm
	return nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (m *Memory) AppendTransaction(_ context.Context, tx savings.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx savings.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return savings.ErrDuplicateIdempotencyKey
	}

	// Same guard the sqlite partial unique index provides: at most one
	// SUCCESS primary per enrollment-month.
	k := billingKey{EnrollmentID: tx.EnrollmentID, Month: savings.MonthOf(tx.BillingMonth)}
	if tx.Type == savings.TxnPrimary && tx.Status == savings.PaymentSuccess {
		if m.primaryMonth[k] {
			return savings.ErrCommitmentAlreadyMet
		}
		m.primaryMonth[k] = true
	}

	txs := m.transactions[tx.EnrollmentID]
	i := sort.Search(len(txs), func(i int) bool {
		return txs[i].PaidAt.After(tx.PaidAt)
	})
	txs = append(txs, savings.Transaction{})
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	m.transactions[tx.EnrollmentID] = txs

	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) Transactions(_ context.Context, enrollmentID string) ([]savings.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]savings.Transaction, len(m.transactions[enrollmentID]))
	copy(result, m.transactions[enrollmentID])
	return result, nil
}

func (m *Memory) TransactionsInRange(_ context.Context, enrollmentID string, from, to time.Time) ([]savings.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Transaction
	for _, tx := range m.transactions[enrollmentID] {
		if !tx.PaidAt.Before(from) && !tx.PaidAt.After(to) {
			result = append(result, tx)
		}
	}
	return result, nil
}

func (m *Memory) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// REDEMPTIONS
// =============================================================================

func (m *Memory) SaveRedemption(_ context.Context, r savings.Redemption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redemptions[r.ID] = r
	return nil
}

func (m *Memory) GetRedemption(_ context.Context, id string) (*savings.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.redemptions[id]; ok {
		return &r, nil
	}
	return nil, nil
}

func (m *Memory) GetRedemptionByEnrollment(_ context.Context, enrollmentID string) (*savings.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.redemptions {
		if r.EnrollmentID == enrollmentID {
			cp := r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListRedemptions(_ context.Context, retailerID string) ([]savings.Redemption, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []savings.Redemption
	for _, r := range m.redemptions {
		if r.RetailerID == retailerID {
			result = append(result, r)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *Memory) SetRedemptionStatus(_ context.Context, id string, status savings.RedemptionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[id]
	if !ok {
		return nil
	}
	r.Status = status
	m.redemptions[id] = r
	return nil
}
