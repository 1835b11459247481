package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the payment and billing paths.
var (
	paymentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savings_payments_recorded_total",
		Help: "Payments recorded, labeled by transaction type.",
	}, []string{"txn_type"})

	paymentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "savings_payments_rejected_total",
		Help: "Payment attempts rejected, labeled by reason.",
	}, []string{"reason"})

	enrollmentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savings_enrollments_created_total",
		Help: "Enrollments created.",
	})

	redemptionsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savings_redemptions_processed_total",
		Help: "Redemptions processed.",
	})

	rolloverRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savings_rollover_runs_total",
		Help: "Billing month rollover passes executed.",
	})

	billingMonthsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savings_billing_months_created_total",
		Help: "Billing month rows created by rollover.",
	})

	billingMonthsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "savings_billing_months_missed_total",
		Help: "Billing months flipped to MISSED.",
	})
)
