package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoansCreated counts loans added through the API.
	LoansCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loantrack_loans_created_total",
		Help: "Total number of loans created",
	})

	// RepaymentsRecorded counts accepted repayment ledger entries.
	RepaymentsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loantrack_repayments_recorded_total",
		Help: "Total number of repayments recorded",
	})

	// StoreRetries counts transient persistence faults that triggered a retry.
	StoreRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loantrack_store_transient_retries_total",
		Help: "Total number of transient store faults retried",
	})

	// CodesIssued counts one-time login codes generated.
	CodesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loantrack_otp_codes_issued_total",
		Help: "Total number of one-time login codes issued",
	})

	// RemindersSent counts reminder emails delivered.
	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loantrack_reminder_emails_sent_total",
		Help: "Total number of reminder emails sent",
	})
)
