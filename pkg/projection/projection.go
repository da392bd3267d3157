// Package projection provides read-only balance forecasts for dashboard
// display. It reuses the ledger's rate math so the numbers shown can never
// drift from the numbers recorded.
package projection

import (
	"time"

	"github.com/mcclellann/loantrack/pkg/ledger"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/shopspring/decimal"
)

// ForwardWindowDays is the fixed look-ahead used for dashboard aggregation.
const ForwardWindowDays = 30

// ProjectInterest estimates the interest that will accrue on the current
// balance over the next windowDays. Zero once principal is paid off. Pure.
func ProjectInterest(currentBalance, annualRatePercent decimal.Decimal, windowDays int, principalPaidOff bool) decimal.Decimal {
	if principalPaidOff || windowDays <= 0 {
		return decimal.Zero
	}
	return currentBalance.Mul(ledger.DailyRate(annualRatePercent)).Mul(decimal.NewFromInt(int64(windowDays))).Round(2)
}

// DaysSinceLastEvent returns the display day count since the last ledger
// event, with the same absolute-difference policy as the accrual math.
func DaysSinceLastEvent(lastEventDate, today time.Time) int {
	return ledger.DaysBetween(lastEventDate, today)
}

// LoanProjection is the per-loan forecast shown on the dashboard.
type LoanProjection struct {
	LoanID            string          `json:"loan_id"`
	Balance           decimal.Decimal `json:"balance"`
	ProjectedInterest decimal.Decimal `json:"projected_interest"`
	DaysSinceEvent    int             `json:"days_since_event"`
}

// PortfolioSummary aggregates across all non-finished loans. A plain fold
// over independent per-loan computations.
type PortfolioSummary struct {
	ActiveLoans       int              `json:"active_loans"`
	TotalPrincipal    decimal.Decimal  `json:"total_principal"`
	TotalOutstanding  decimal.Decimal  `json:"total_outstanding"`
	ProjectedInterest decimal.Decimal  `json:"projected_interest_30d"`
	Loans             []LoanProjection `json:"loans"`
}

// Summarize folds per-loan state into dashboard totals. historyByLoan maps a
// loan ID to its repayments ordered by date ascending; a missing entry means
// an empty ledger.
func Summarize(loans []*models.Loan, historyByLoan map[string][]*models.Repayment, today time.Time) PortfolioSummary {
	summary := PortfolioSummary{
		TotalPrincipal:    decimal.Zero,
		TotalOutstanding:  decimal.Zero,
		ProjectedInterest: decimal.Zero,
	}

	for _, loan := range loans {
		if loan.Status == models.LoanStatusFinished {
			continue
		}
		state := ledger.StateOf(loan, historyByLoan[loan.ID.String()])
		paidOff := state.TotalPaid.GreaterThanOrEqual(loan.Principal)
		projected := ProjectInterest(state.Balance, loan.InterestRate, ForwardWindowDays, paidOff)

		summary.ActiveLoans++
		summary.TotalPrincipal = summary.TotalPrincipal.Add(loan.Principal)
		summary.TotalOutstanding = summary.TotalOutstanding.Add(state.Balance)
		summary.ProjectedInterest = summary.ProjectedInterest.Add(projected)
		summary.Loans = append(summary.Loans, LoanProjection{
			LoanID:            loan.ID.String(),
			Balance:           state.Balance,
			ProjectedInterest: projected,
			DaysSinceEvent:    DaysSinceLastEvent(state.Date, today),
		})
	}
	return summary
}
