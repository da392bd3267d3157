package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanStatus is the lifecycle state of a loan. Transitions are monotonic:
// active -> principal_paid -> finished, and finished is terminal.
type LoanStatus string

const (
	LoanStatusActive        LoanStatus = "active"
	LoanStatusPrincipalPaid LoanStatus = "principal_paid"
	LoanStatusFinished      LoanStatus = "finished"
)

// PaymentMethod is how money changed hands.
type PaymentMethod string

const (
	PaymentMethodCash PaymentMethod = "cash"
	PaymentMethodUPI  PaymentMethod = "upi"
	PaymentMethodBank PaymentMethod = "bank"
)

// ValidMethod reports whether m is one of the known payment methods.
func ValidMethod(m PaymentMethod) bool {
	switch m {
	case PaymentMethodCash, PaymentMethodUPI, PaymentMethodBank:
		return true
	}
	return false
}

// Loan terms (principal, rate, term, start date) are immutable after creation;
// only Status and Notes may be amended through ledger operations.
type Loan struct {
	ID            uuid.UUID       `json:"id"`
	FirstName     string          `json:"first_name"`
	LastName      string          `json:"last_name"`
	Principal     decimal.Decimal `json:"principal"`
	InterestRate  decimal.Decimal `json:"interest_rate"` // annual rate as a percentage, e.g. 12 for 12% APR
	TermMonths    int             `json:"term_months"`
	StartDate     time.Time       `json:"start_date"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Notes         string          `json:"notes"`
	Status        LoanStatus      `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Repayment is one entry in a loan's append-only ledger. InterestAmount is
// computed for the interval since the previous entry, never user-entered.
// RemainingBalance chains from the previous entry (or the principal).
type Repayment struct {
	ID               uuid.UUID       `json:"id"`
	LoanID           uuid.UUID       `json:"loan_id"`
	Date             time.Time       `json:"date"`
	AmountPaid       decimal.Decimal `json:"amount_paid"`
	InterestAmount   decimal.Decimal `json:"interest_amount"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
	PaymentMethod    PaymentMethod   `json:"payment_method"`
	Notes            string          `json:"notes"`
	Closing          bool            `json:"closing"` // system-generated closing entry from an explicit finish
	CreatedAt        time.Time       `json:"created_at"`
}

// PaymentStatus is the state of a tracked bill.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
)

// Payment is a personal bill-like payment, unrelated to any loan. Pending
// payments are listed in the weekly reminder mail.
type Payment struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Amount    decimal.Decimal `json:"amount"`
	DueDate   time.Time       `json:"due_date"`
	Status    PaymentStatus   `json:"status"`
	Notes     string          `json:"notes"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is an authenticated browser session issued after OTP verification.
type Session struct {
	Token     string    `json:"-"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}
