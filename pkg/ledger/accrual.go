package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred    = decimal.NewFromInt(100)
	daysInYear = decimal.NewFromInt(365)
)

// DailyRate converts an annual percentage rate (e.g. 12 for 12% APR) into a
// daily fraction. The projection package uses this same helper so displayed
// estimates and recorded interest can never diverge.
func DailyRate(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.Div(hundred).Div(daysInYear)
}

// DaysBetween returns the absolute difference between two instants in
// calendar days, rounding partial days up. The order of the arguments does
// not matter; date-ordering is enforced separately at payment validation.
func DaysBetween(a, b time.Time) int {
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}

// ComputeAccruedInterest computes simple interest on the previous balance for
// the interval between prevDate and asOf, rounded to 2 decimal places. Once
// principal is fully retired no further interest accrues; remaining payments
// only draw down residual interest.
func ComputeAccruedInterest(prevBalance decimal.Decimal, prevDate, asOf time.Time, annualRatePercent decimal.Decimal, principalPaidOff bool) decimal.Decimal {
	if principalPaidOff {
		return decimal.Zero
	}
	days := DaysBetween(prevDate, asOf)
	if days == 0 {
		return decimal.Zero
	}
	return prevBalance.Mul(DailyRate(annualRatePercent)).Mul(decimal.NewFromInt(int64(days))).Round(2)
}

// PaymentInput describes a proposed repayment.
type PaymentInput struct {
	Date   time.Time
	Amount decimal.Decimal
	Method models.PaymentMethod
	Notes  string
}

// LedgerState is the point the next repayment chains from: the most recent
// entry, or the loan's origin when the ledger is empty.
type LedgerState struct {
	Balance   decimal.Decimal
	Date      time.Time
	TotalPaid decimal.Decimal
}

// StateOf folds a loan's ordered history into its current ledger state.
func StateOf(loan *models.Loan, history []*models.Repayment) LedgerState {
	state := LedgerState{
		Balance:   loan.Principal,
		Date:      loan.StartDate,
		TotalPaid: decimal.Zero,
	}
	for _, r := range history {
		state.TotalPaid = state.TotalPaid.Add(r.AmountPaid)
	}
	if len(history) > 0 {
		last := history[len(history)-1]
		state.Balance = last.RemainingBalance
		state.Date = last.Date
	}
	return state
}

// ApplyPayment validates a proposed payment against a loan and its history
// (ordered by date ascending) and produces the resulting ledger entry plus
// the loan's new status. A payment may exceed the current balance as long as
// it stays within the loan's maximum remaining debt (the balance plus the
// interest it would accrue if held to the end of the term): such an overshoot
// settles the loan and the balance floors at zero. Pure; persisting the
// result is the caller's job.
func ApplyPayment(loan *models.Loan, history []*models.Repayment, in PaymentInput) (*models.Repayment, models.LoanStatus, error) {
	state := StateOf(loan, history)

	// Whether this payment accrues interest depends on the total paid before
	// applying it.
	paidOff := state.TotalPaid.GreaterThanOrEqual(loan.Principal)
	termEnd := loan.StartDate.AddDate(0, loan.TermMonths, 0)

	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, loan.Status, &ValidationError{Field: "amount", Reason: "must be greater than zero"}
	}
	maxDebt := state.Balance.Add(ComputeAccruedInterest(state.Balance, state.Date, termEnd, loan.InterestRate, paidOff))
	if in.Amount.GreaterThan(maxDebt) {
		return nil, loan.Status, &ValidationError{Field: "amount", Reason: "exceeds the remaining debt"}
	}
	if in.Date.Before(state.Date) {
		return nil, loan.Status, &ValidationError{Field: "date", Reason: "before the previous ledger entry"}
	}
	if in.Date.After(termEnd) {
		return nil, loan.Status, &ValidationError{Field: "date", Reason: "beyond the loan term"}
	}
	if !models.ValidMethod(in.Method) {
		return nil, loan.Status, &ValidationError{Field: "payment_method", Reason: "unknown payment method"}
	}

	interest := ComputeAccruedInterest(state.Balance, state.Date, in.Date, loan.InterestRate, paidOff)

	newBalance := state.Balance.Sub(in.Amount)
	if !paidOff {
		newBalance = newBalance.Add(interest)
	}
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}

	status := loan.Status
	if status == models.LoanStatusActive && state.TotalPaid.Add(in.Amount).GreaterThanOrEqual(loan.Principal) {
		status = models.LoanStatusPrincipalPaid
	}
	if newBalance.LessThanOrEqual(decimal.Zero) {
		status = models.LoanStatusFinished
	}

	return &models.Repayment{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		Date:             in.Date,
		AmountPaid:       in.Amount,
		InterestAmount:   interest,
		RemainingBalance: newBalance,
		PaymentMethod:    in.Method,
		Notes:            in.Notes,
		CreatedAt:        time.Now(),
	}, status, nil
}

// ClosingEntry synthesizes the system-generated repayment that settles a
// loan's remaining balance on an explicit finish. Returns nil when the
// balance is already zero.
func ClosingEntry(loan *models.Loan, balance decimal.Decimal, asOf time.Time) *models.Repayment {
	if balance.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	return &models.Repayment{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		Date:             asOf,
		AmountPaid:       balance,
		InterestAmount:   decimal.Zero,
		RemainingBalance: decimal.Zero,
		PaymentMethod:    loan.PaymentMethod,
		Notes:            "closing entry",
		Closing:          true,
		CreatedAt:        time.Now(),
	}
}
