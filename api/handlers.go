/*
handlers.go - HTTP API handlers for the savings engine

PURPOSE:
  Exposes the savings engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Rates:
    POST   /api/rates                       Record a new rate row
    GET    /api/rates/{kind}/current        Current rate for a kind
    GET    /api/rates/{kind}/history        Full rate history

  Customers / Plans:
    GET    /api/customers                   List customers
    POST   /api/customers                   Create customer
    GET    /api/plans                       List plans
    POST   /api/plans                       Create plan

  Enrollments:
    POST   /api/enrollments                 Enroll a customer into a plan
    POST   /api/enrollments/{id}/payments   Record a payment
    GET    /api/enrollments/{id}/passbook   Transaction history
    GET    /api/enrollments/{id}/wallet     Accumulated grams and live value
    GET    /api/enrollments/{id}/dues       Billing month rows
    GET    /api/enrollments/{id}/status     This month's commitment position
    POST   /api/enrollments/{id}/redemption Process redemption

  Admin:
    POST   /api/admin/rollover              Trigger billing month rollover

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid or insufficient amounts
  - 404: Record not found
  - 409: Conflict (idempotency, raced primaries, unconfigured rates)
  - 500: Internal errors, missing tenant scope

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/swarna/savings-engine/notify"
	"github.com/swarna/savings-engine/savings"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       savings.Store
	Rates       *savings.RateBook
	Enrollments *savings.EnrollmentService
	Allocator   *savings.PaymentAllocator
	Ledger      *savings.CommitmentLedger
	Scheduler   *savings.Scheduler
	Redemptions *savings.RedemptionProcessor
	Notifier    *notify.Dispatcher
}

// NewHandler creates a new handler wired to the given store.
func NewHandler(store savings.Store, notifier *notify.Dispatcher) *Handler {
	return &Handler{
		Store:       store,
		Rates:       savings.NewRateBook(store),
		Enrollments: savings.NewEnrollmentService(store),
		Allocator:   savings.NewPaymentAllocator(store),
		Ledger:      savings.NewCommitmentLedger(store),
		Scheduler:   savings.NewScheduler(store),
		Redemptions: savings.NewRedemptionProcessor(store),
		Notifier:    notifier,
	}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// RATE HANDLERS
// =============================================================================

// RecordRate appends a new rate row.
func (h *Handler) RecordRate(w http.ResponseWriter, r *http.Request) {
	var req RecordRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	perGram, err := decimal.NewFromString(req.PerGram)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid per_gram value", err)
		return
	}

	rate, err := h.Rates.Record(r.Context(), ScopeFrom(r.Context()), savings.MetalKind(req.Kind), perGram)
	if err != nil {
		writeDomainError(w, "Failed to record rate", err)
		return
	}

	writeJSON(w, http.StatusCreated, rateDTO(*rate))
}

// GetCurrentRate returns the effective rate for a kind.
func (h *Handler) GetCurrentRate(w http.ResponseWriter, r *http.Request) {
	kind := savings.MetalKind(chi.URLParam(r, "kind"))
	scope := ScopeFrom(r.Context())

	rate, err := h.Rates.Current(r.Context(), scope.RetailerID, kind)
	if err != nil {
		writeDomainError(w, "Failed to get rate", err)
		return
	}

	writeJSON(w, http.StatusOK, rateDTO(*rate))
}

// GetRateHistory returns all rate rows for a kind, newest first.
func (h *Handler) GetRateHistory(w http.ResponseWriter, r *http.Request) {
	kind := savings.MetalKind(chi.URLParam(r, "kind"))
	scope := ScopeFrom(r.Context())

	rates, err := h.Rates.History(r.Context(), scope.RetailerID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get rate history", err)
		return
	}

	dtos := make([]RateDTO, len(rates))
	for i, rt := range rates {
		dtos[i] = rateDTO(rt)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// CUSTOMER HANDLERS
// =============================================================================

// ListCustomers returns all customers for the tenant.
func (h *Handler) ListCustomers(w http.ResponseWriter, r *http.Request) {
	scope := ScopeFrom(r.Context())
	customers, err := h.Store.ListCustomers(r.Context(), scope.RetailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list customers", err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = customerDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateCustomer creates a new customer.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CreateCustomerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Customer name is required", nil)
		return
	}

	scope := ScopeFrom(r.Context())
	if !scope.Valid() {
		writeDomainError(w, "Failed to create customer", savings.ErrMissingScope)
		return
	}

	c := savings.Customer{
		ID:         uuid.NewString(),
		RetailerID: scope.RetailerID,
		Name:       req.Name,
		Phone:      req.Phone,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.Store.SaveCustomer(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create customer", err)
		return
	}

	writeJSON(w, http.StatusCreated, customerDTO(c))
}

// GetCustomer returns a single customer.
func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := h.Store.GetCustomer(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get customer", err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "Customer not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, customerDTO(*c))
}

// =============================================================================
// PLAN HANDLERS
// =============================================================================

// ListPlans returns all plans for the tenant.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	scope := ScopeFrom(r.Context())
	plans, err := h.Store.ListPlans(r.Context(), scope.RetailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list plans", err)
		return
	}

	dtos := make([]PlanDTO, len(plans))
	for i, p := range plans {
		dtos[i] = planDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreatePlan creates a new plan.
func (h *Handler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	var req CreatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	kind := savings.MetalKind(req.Kind)
	if !savings.ValidMetalKind(kind) {
		writeError(w, http.StatusBadRequest, "Unknown metal kind", nil)
		return
	}
	minInstallment, err := decimal.NewFromString(req.MinInstallment)
	if err != nil || !minInstallment.IsPositive() {
		writeError(w, http.StatusBadRequest, "Invalid min_installment", err)
		return
	}
	if req.DurationMonths < 1 {
		writeError(w, http.StatusBadRequest, "duration_months must be at least 1", nil)
		return
	}

	scope := ScopeFrom(r.Context())
	if !scope.Valid() {
		writeDomainError(w, "Failed to create plan", savings.ErrMissingScope)
		return
	}

	p := savings.Plan{
		ID:             uuid.NewString(),
		RetailerID:     scope.RetailerID,
		Name:           req.Name,
		Kind:           kind,
		MinInstallment: minInstallment,
		DurationMonths: req.DurationMonths,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.Store.SavePlan(r.Context(), p); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create plan", err)
		return
	}

	writeJSON(w, http.StatusCreated, planDTO(p))
}

// GetPlan returns a single plan.
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	p, err := h.Store.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get plan", err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "Plan not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, planDTO(*p))
}

// =============================================================================
// ENROLLMENT HANDLERS
// =============================================================================

// ListEnrollments returns all enrollments for the tenant.
func (h *Handler) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	scope := ScopeFrom(r.Context())
	enrollments, err := h.Store.ListEnrollments(r.Context(), scope.RetailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list enrollments", err)
		return
	}

	dtos := make([]EnrollmentDTO, len(enrollments))
	for i, e := range enrollments {
		dtos[i] = enrollmentDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEnrollment enrolls a customer into a plan.
func (h *Handler) CreateEnrollment(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	commitment, err := decimal.NewFromString(req.Commitment)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid commitment_amount", err)
		return
	}

	in := savings.EnrollmentInput{
		CustomerID:       req.CustomerID,
		PlanID:           req.PlanID,
		CommitmentAmount: commitment,
		BillingDay:       req.BillingDay,
	}
	if req.StartDate != "" {
		start, err := time.Parse("2006-01-02", req.StartDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
			return
		}
		in.StartDate = start
	}

	e, err := h.Enrollments.Enroll(r.Context(), ScopeFrom(r.Context()), in)
	if err != nil {
		writeDomainError(w, "Failed to create enrollment", err)
		return
	}

	enrollmentsCreated.Inc()
	h.publish(notify.Event{
		RetailerID:   e.RetailerID,
		CustomerID:   e.CustomerID,
		EnrollmentID: e.ID,
		Type:         notify.EventEnrollmentCreated,
		Message:      "enrollment created for plan " + e.PlanID,
	})

	writeJSON(w, http.StatusCreated, enrollmentDTO(*e))
}

// GetEnrollment returns a single enrollment.
func (h *Handler) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	e, err := h.Store.GetEnrollment(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get enrollment", err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "Enrollment not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, enrollmentDTO(*e))
}

// CancelEnrollment moves an ACTIVE enrollment to CANCELLED.
func (h *Handler) CancelEnrollment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Enrollments.Cancel(r.Context(), ScopeFrom(r.Context()), id); err != nil {
		writeDomainError(w, "Failed to cancel enrollment", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// RecordPayment records a rate-locked payment against an enrollment.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	var req RecordPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	in := savings.AllocationInput{
		EnrollmentID:   enrollmentID,
		Amount:         amount,
		Kind:           savings.MetalKind(req.Kind),
		Mode:           req.Mode,
		Source:         req.Source,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.PaidAt != "" {
		paidAt, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid paid_at format (use RFC3339)", err)
			return
		}
		in.PaidAt = paidAt
	}

	result, err := h.Allocator.Allocate(r.Context(), ScopeFrom(r.Context()), in)
	if err != nil {
		paymentsRejected.WithLabelValues(rejectionReason(err)).Inc()
		writeDomainError(w, "Failed to record payment", err)
		return
	}

	paymentsRecorded.WithLabelValues(string(result.Transaction.Type)).Inc()
	h.publish(notify.Event{
		RetailerID:   result.Transaction.RetailerID,
		CustomerID:   result.Transaction.CustomerID,
		EnrollmentID: result.Transaction.EnrollmentID,
		Type:         notify.EventPaymentRecorded,
		Message:      "payment of " + result.Transaction.Amount.String() + " recorded",
	})

	writeJSON(w, http.StatusCreated, PaymentResponse{
		Transaction: transactionDTO(result.Transaction),
		Status:      monthlyStatusDTO(result.Status),
	})
}

// GetPassbook returns the full transaction history for an enrollment.
func (h *Handler) GetPassbook(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	txs, err := h.Store.Transactions(r.Context(), enrollmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get passbook", err)
		return
	}

	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = transactionDTO(tx)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetWallet returns accumulated grams plus the live valuation when a current
// rate exists. The valuation is informational; it is not locked.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")
	ctx := r.Context()

	e, err := h.Store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get wallet", err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "Enrollment not found", nil)
		return
	}

	grams, err := h.Ledger.TotalGrams(ctx, enrollmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get wallet", err)
		return
	}
	paid, err := h.Ledger.TotalPrimaryPaid(ctx, enrollmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get wallet", err)
		return
	}

	dto := WalletDTO{
		EnrollmentID: enrollmentID,
		Grams:        savings.DisplayGrams(grams).String(),
		TotalPaid:    paid.String(),
	}
	// Live value is best-effort; an unconfigured rate leaves the fields empty.
	if rate, err := h.Store.CurrentRate(ctx, e.RetailerID, e.Kind); err == nil && rate != nil {
		dto.CurrentRate = rate.PerGram.String()
		dto.CurrentValue = grams.Mul(rate.PerGram).String()
	}

	writeJSON(w, http.StatusOK, dto)
}

// GetDues returns the billing month rows for an enrollment.
func (h *Handler) GetDues(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	months, err := h.Store.BillingMonths(r.Context(), enrollmentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get dues", err)
		return
	}

	dtos := make([]BillingMonthDTO, len(months))
	for i, bm := range months {
		dtos[i] = billingMonthDTO(bm)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMonthlyStatus returns the commitment position for the month containing
// the as_of query parameter (default: now).
func (h *Handler) GetMonthlyStatus(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	asOf := time.Now().UTC()
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := time.Parse("2006-01-02", v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of format (use YYYY-MM-DD)", err)
			return
		}
		asOf = parsed
	}

	status, err := h.Ledger.MonthlyStatus(r.Context(), enrollmentID, asOf)
	if err != nil {
		writeDomainError(w, "Failed to get monthly status", err)
		return
	}

	writeJSON(w, http.StatusOK, monthlyStatusDTO(status))
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

// CheckEligibility evaluates redemption eligibility without side effects.
func (h *Handler) CheckEligibility(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	el, err := h.Redemptions.Check(r.Context(), enrollmentID, time.Now().UTC())
	if err != nil {
		writeDomainError(w, "Failed to check eligibility", err)
		return
	}

	dto := EligibilityDTO{
		Eligible:       el.Eligible,
		Matured:        el.Matured,
		HasGrams:       el.HasGrams,
		FullyCommitted: el.FullyCommitted,
	}
	if el.EligibleSince != nil {
		dto.EligibleSince = el.EligibleSince.Format("2006-01-02")
	}
	writeJSON(w, http.StatusOK, dto)
}

// ProcessRedemption creates a PENDING redemption at the current rate and
// closes the enrollment.
func (h *Handler) ProcessRedemption(w http.ResponseWriter, r *http.Request) {
	enrollmentID := chi.URLParam(r, "id")

	redemption, err := h.Redemptions.Process(r.Context(), ScopeFrom(r.Context()), enrollmentID, time.Now().UTC())
	if err != nil {
		writeDomainError(w, "Failed to process redemption", err)
		return
	}

	redemptionsProcessed.Inc()
	h.publish(notify.Event{
		RetailerID:   redemption.RetailerID,
		CustomerID:   redemption.CustomerID,
		EnrollmentID: redemption.EnrollmentID,
		Type:         notify.EventRedemptionCreated,
		Message:      "redemption of " + savings.DisplayGrams(redemption.Grams).String() + " grams processed",
	})

	writeJSON(w, http.StatusCreated, redemptionDTO(*redemption))
}

// ListRedemptions returns all redemptions for the tenant.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	scope := ScopeFrom(r.Context())
	redemptions, err := h.Store.ListRedemptions(r.Context(), scope.RetailerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list redemptions", err)
		return
	}

	dtos := make([]RedemptionDTO, len(redemptions))
	for i, rd := range redemptions {
		dtos[i] = redemptionDTO(rd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetRedemption returns a single redemption.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rd, err := h.Store.GetRedemption(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get redemption", err)
		return
	}
	if rd == nil {
		writeError(w, http.StatusNotFound, "Redemption not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, redemptionDTO(*rd))
}

// CompleteRedemption marks a pending redemption as settled.
func (h *Handler) CompleteRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.Redemptions.Complete(r.Context(), ScopeFrom(r.Context()), id); err != nil {
		writeDomainError(w, "Failed to complete redemption", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerRollover ensures the current billing month for every ACTIVE
// enrollment of the tenant and flips past-due months to MISSED.
func (h *Handler) TriggerRollover(w http.ResponseWriter, r *http.Request) {
	scope := ScopeFrom(r.Context())
	if !scope.Valid() {
		writeDomainError(w, "Failed to run rollover", savings.ErrMissingScope)
		return
	}

	created, missed, err := h.Scheduler.Rollover(r.Context(), scope.RetailerID, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to run rollover", err)
		return
	}

	rolloverRuns.Inc()
	billingMonthsCreated.Add(float64(created))
	billingMonthsMissed.Add(float64(missed))

	writeJSON(w, http.StatusOK, RolloverResponse{Created: created, Missed: missed})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) publish(e notify.Event) {
	if h.Notifier != nil {
		h.Notifier.Publish(e)
	}
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case savings.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case savings.IsConflict(err):
		writeError(w, http.StatusConflict, message, err)
	case savings.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case errors.Is(err, savings.ErrMissingScope):
		// Missing tenant headers mean a misconfigured auth proxy, not a
		// caller mistake.
		writeError(w, http.StatusInternalServerError, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, savings.ErrRateUnavailable):
		return "rate_unavailable"
	case errors.Is(err, savings.ErrInsufficientAmount):
		return "insufficient_amount"
	case errors.Is(err, savings.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, savings.ErrCommitmentAlreadyMet):
		return "commitment_already_met"
	case errors.Is(err, savings.ErrDuplicateIdempotencyKey):
		return "duplicate_idempotency_key"
	case errors.Is(err, savings.ErrEnrollmentClosed):
		return "enrollment_closed"
	case savings.IsNotFound(err):
		return "not_found"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
