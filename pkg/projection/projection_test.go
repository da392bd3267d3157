package projection

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/ledger"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var d0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func TestProjectInterest(t *testing.T) {
	balance := decimal.NewFromInt(10000)
	rate := decimal.NewFromInt(12)

	got := ProjectInterest(balance, rate, 30, false)
	assert.True(t, decimal.RequireFromString("98.63").Equal(got), "got %s", got)

	assert.True(t, ProjectInterest(balance, rate, 30, true).IsZero(), "paid-off loans project no interest")
	assert.True(t, ProjectInterest(balance, rate, 0, false).IsZero(), "empty window projects no interest")
}

func TestProjectInterest_Idempotent(t *testing.T) {
	balance := decimal.RequireFromString("8098.63")
	rate := decimal.NewFromInt(12)

	first := ProjectInterest(balance, rate, 30, false)
	second := ProjectInterest(balance, rate, 30, false)
	assert.True(t, first.Equal(second))
}

// The projection must use the exact same daily-rate math as the ledger
// engine; any divergence between displayed and recorded interest is a defect.
func TestProjectInterest_MatchesLedgerAccrual(t *testing.T) {
	balance := decimal.RequireFromString("8098.63")
	rate := decimal.RequireFromString("12.5")

	projected := ProjectInterest(balance, rate, 45, false)
	accrued := ledger.ComputeAccruedInterest(balance, d0, d0.AddDate(0, 0, 45), rate, false)
	assert.True(t, projected.Equal(accrued), "projected %s != accrued %s", projected, accrued)
}

func TestDaysSinceLastEvent(t *testing.T) {
	assert.Equal(t, 0, DaysSinceLastEvent(d0, d0))
	assert.Equal(t, 7, DaysSinceLastEvent(d0, d0.AddDate(0, 0, 7)))
	// Absolute difference, same policy as the accrual math
	assert.Equal(t, 7, DaysSinceLastEvent(d0.AddDate(0, 0, 7), d0))
}

func newLoan(principal int64, rate int64, status models.LoanStatus) *models.Loan {
	return &models.Loan{
		ID:            uuid.New(),
		FirstName:     "Fred",
		Principal:     decimal.NewFromInt(principal),
		InterestRate:  decimal.NewFromInt(rate),
		TermMonths:    24,
		StartDate:     d0,
		PaymentMethod: models.PaymentMethodBank,
		Status:        status,
		CreatedAt:     d0,
	}
}

func TestSummarize(t *testing.T) {
	fresh := newLoan(10000, 12, models.LoanStatusActive)
	partPaid := newLoan(5000, 10, models.LoanStatusActive)
	done := newLoan(2000, 8, models.LoanStatusFinished)

	history := map[string][]*models.Repayment{
		partPaid.ID.String(): {{
			ID:               uuid.New(),
			LoanID:           partPaid.ID,
			Date:             d0.AddDate(0, 0, 10),
			AmountPaid:       decimal.NewFromInt(1000),
			InterestAmount:   decimal.RequireFromString("13.70"),
			RemainingBalance: decimal.RequireFromString("4013.70"),
		}},
	}

	summary := Summarize([]*models.Loan{fresh, partPaid, done}, history, d0.AddDate(0, 0, 20))

	require.Equal(t, 2, summary.ActiveLoans, "finished loans are excluded")
	assert.True(t, decimal.NewFromInt(15000).Equal(summary.TotalPrincipal), "got %s", summary.TotalPrincipal)

	wantOutstanding := decimal.RequireFromString("14013.70")
	assert.True(t, wantOutstanding.Equal(summary.TotalOutstanding), "got %s", summary.TotalOutstanding)

	wantProjected := ProjectInterest(decimal.NewFromInt(10000), decimal.NewFromInt(12), 30, false).
		Add(ProjectInterest(decimal.RequireFromString("4013.70"), decimal.NewFromInt(10), 30, false))
	assert.True(t, wantProjected.Equal(summary.ProjectedInterest), "got %s", summary.ProjectedInterest)

	require.Len(t, summary.Loans, 2)
	assert.Equal(t, 20, summary.Loans[0].DaysSinceEvent, "fresh loan counts from its start date")
	assert.Equal(t, 10, summary.Loans[1].DaysSinceEvent, "part-paid loan counts from its last repayment")
}

func TestSummarize_Empty(t *testing.T) {
	summary := Summarize(nil, nil, d0)
	assert.Equal(t, 0, summary.ActiveLoans)
	assert.True(t, summary.TotalOutstanding.IsZero())
	assert.True(t, summary.ProjectedInterest.IsZero())
}
