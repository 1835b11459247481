/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the domain model from
  the wire contract. Amounts and rates travel as strings to preserve decimal
  precision; grams are additionally exposed truncated to 4 places for
  display.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

SEE ALSO:
  - handlers.go: uses these types
*/
package api

import (
	"time"

	"github.com/swarna/savings-engine/savings"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

type RecordRateRequest struct {
	Kind    string `json:"kind"`
	PerGram string `json:"per_gram"`
}

type CreateCustomerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type CreatePlanRequest struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	MinInstallment string `json:"min_installment"`
	DurationMonths int    `json:"duration_months"`
}

type EnrollRequest struct {
	CustomerID string `json:"customer_id"`
	PlanID     string `json:"plan_id"`
	Commitment string `json:"commitment_amount"`
	StartDate  string `json:"start_date,omitempty"` // 2006-01-02
	BillingDay int    `json:"billing_day"`
}

type RecordPaymentRequest struct {
	Amount         string `json:"amount"`
	Kind           string `json:"kind,omitempty"`
	PaidAt         string `json:"paid_at,omitempty"` // RFC3339
	Mode           string `json:"mode,omitempty"`
	Source         string `json:"source,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type RateDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	PerGram       string `json:"per_gram"`
	EffectiveFrom string `json:"effective_from"`
}

type CustomerDTO struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Phone     string `json:"phone,omitempty"`
	CreatedAt string `json:"created_at"`
}

type PlanDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	MinInstallment string `json:"min_installment"`
	DurationMonths int    `json:"duration_months"`
}

type EnrollmentDTO struct {
	ID           string `json:"id"`
	CustomerID   string `json:"customer_id"`
	PlanID       string `json:"plan_id"`
	Kind         string `json:"kind"`
	Commitment   string `json:"commitment_amount"`
	StartDate    string `json:"start_date"`
	BillingDay   int    `json:"billing_day"`
	Duration     int    `json:"duration_months"`
	MaturityDate string `json:"maturity_date"`
	Status       string `json:"status"`
}

type TransactionDTO struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	Amount       string `json:"amount"`
	RateSnapshot string `json:"rate_per_gram"`
	Grams        string `json:"grams_allocated"`
	GramsExact   string `json:"grams_exact"`
	TxnType      string `json:"txn_type"`
	Status       string `json:"payment_status"`
	PaidAt       string `json:"paid_at"`
	Mode         string `json:"mode,omitempty"`
	Source       string `json:"source,omitempty"`
}

type MonthlyStatusDTO struct {
	Month      string `json:"month"`
	Commitment string `json:"commitment_amount"`
	TotalPaid  string `json:"total_paid"`
	Remaining  string `json:"remaining"`
	IsMet      bool   `json:"is_met"`
}

type PaymentResponse struct {
	Transaction TransactionDTO   `json:"transaction"`
	Status      MonthlyStatusDTO `json:"monthly_status"`
}

type BillingMonthDTO struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	Month        string `json:"month"`
	DueDate      string `json:"due_date"`
	PrimaryPaid  bool   `json:"primary_paid"`
	Status       string `json:"status"`
}

type WalletDTO struct {
	EnrollmentID string `json:"enrollment_id"`
	Grams        string `json:"grams_accumulated"`
	TotalPaid    string `json:"total_primary_paid"`
	CurrentRate  string `json:"current_rate,omitempty"`
	CurrentValue string `json:"current_value,omitempty"`
}

type EligibilityDTO struct {
	Eligible       bool   `json:"eligible"`
	EligibleSince  string `json:"eligible_since,omitempty"`
	Matured        bool   `json:"matured"`
	HasGrams       bool   `json:"has_grams"`
	FullyCommitted bool   `json:"fully_committed"`
}

type RedemptionDTO struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	Kind         string `json:"kind"`
	Grams        string `json:"grams_redeemed"`
	RateAtRedeem string `json:"rate_per_gram_at_redemption"`
	TotalValue   string `json:"total_value"`
	Status       string `json:"status"`
	ProcessedAt  string `json:"processed_at"`
}

type RolloverResponse struct {
	Created int `json:"billing_months_created"`
	Missed  int `json:"billing_months_missed"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func rateDTO(r savings.Rate) RateDTO {
	return RateDTO{
		ID:            r.ID,
		Kind:          string(r.Kind),
		PerGram:       r.PerGram.String(),
		EffectiveFrom: r.EffectiveFrom.Format(time.RFC3339),
	}
}

func customerDTO(c savings.Customer) CustomerDTO {
	return CustomerDTO{
		ID:        c.ID,
		Name:      c.Name,
		Phone:     c.Phone,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

func planDTO(p savings.Plan) PlanDTO {
	return PlanDTO{
		ID:             p.ID,
		Name:           p.Name,
		Kind:           string(p.Kind),
		MinInstallment: p.MinInstallment.String(),
		DurationMonths: p.DurationMonths,
	}
}

func enrollmentDTO(e savings.Enrollment) EnrollmentDTO {
	return EnrollmentDTO{
		ID:           e.ID,
		CustomerID:   e.CustomerID,
		PlanID:       e.PlanID,
		Kind:         string(e.Kind),
		Commitment:   e.CommitmentAmount.String(),
		StartDate:    e.StartDate.Format("2006-01-02"),
		BillingDay:   e.BillingDay,
		Duration:     e.DurationMonths,
		MaturityDate: e.MaturityDate.Format("2006-01-02"),
		Status:       string(e.Status),
	}
}

func transactionDTO(tx savings.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           tx.ID,
		EnrollmentID: tx.EnrollmentID,
		Amount:       tx.Amount.String(),
		RateSnapshot: tx.RateSnapshot.String(),
		Grams:        savings.DisplayGrams(tx.GramsSnapshot).String(),
		GramsExact:   tx.GramsSnapshot.String(),
		TxnType:      string(tx.Type),
		Status:       string(tx.Status),
		PaidAt:       tx.PaidAt.Format(time.RFC3339),
		Mode:         tx.Mode,
		Source:       tx.Source,
	}
}

func monthlyStatusDTO(st savings.MonthlyStatus) MonthlyStatusDTO {
	return MonthlyStatusDTO{
		Month:      st.Month.Format("2006-01"),
		Commitment: st.Commitment.String(),
		TotalPaid:  st.TotalPaid.String(),
		Remaining:  st.Remaining.String(),
		IsMet:      st.Met,
	}
}

func billingMonthDTO(bm savings.BillingMonth) BillingMonthDTO {
	return BillingMonthDTO{
		ID:           bm.ID,
		EnrollmentID: bm.EnrollmentID,
		Month:        bm.Month.Format("2006-01"),
		DueDate:      bm.DueDate.Format("2006-01-02"),
		PrimaryPaid:  bm.PrimaryPaid,
		Status:       string(bm.Status),
	}
}

func redemptionDTO(r savings.Redemption) RedemptionDTO {
	return RedemptionDTO{
		ID:           r.ID,
		EnrollmentID: r.EnrollmentID,
		Kind:         string(r.Kind),
		Grams:        savings.DisplayGrams(r.Grams).String(),
		RateAtRedeem: r.RateAtRedeem.String(),
		TotalValue:   r.TotalValue.String(),
		Status:       string(r.Status),
		ProcessedAt:  r.ProcessedAt.Format(time.RFC3339),
	}
}
