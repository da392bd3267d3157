package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/shopspring/decimal"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLoan(created time.Time) *models.Loan {
	return &models.Loan{
		ID:            uuid.New(),
		FirstName:     "Fred",
		LastName:      "Jones",
		Principal:     decimal.NewFromInt(10000),
		InterestRate:  decimal.NewFromFloat(12.5),
		TermMonths:    24,
		StartDate:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PaymentMethod: models.PaymentMethodBank,
		Notes:         "initial",
		Status:        models.LoanStatusActive,
		CreatedAt:     created,
	}
}

func TestSQLiteStore_CreateAndGetLoan(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := testLoan(time.Now())
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatalf("Failed to create loan: %v", err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatalf("Failed to get loan: %v", err)
	}
	if fetched.FirstName != loan.FirstName || fetched.LastName != loan.LastName {
		t.Errorf("Expected borrower %s %s, got %s %s", loan.FirstName, loan.LastName, fetched.FirstName, fetched.LastName)
	}
	if !fetched.Principal.Equal(loan.Principal) {
		t.Errorf("Expected principal %s, got %s", loan.Principal, fetched.Principal)
	}
	if !fetched.InterestRate.Equal(loan.InterestRate) {
		t.Errorf("Expected rate %s, got %s", loan.InterestRate, fetched.InterestRate)
	}
	if fetched.Status != models.LoanStatusActive {
		t.Errorf("Expected status active, got %s", fetched.Status)
	}

	_, err = s.GetLoan(ctx, uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown loan, got %v", err)
	}
}

func TestSQLiteStore_ListLoansNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	older := testLoan(base)
	newer := testLoan(base.Add(time.Hour))
	if err := s.CreateLoan(ctx, older); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateLoan(ctx, newer); err != nil {
		t.Fatal(err)
	}

	loans, err := s.ListLoans(ctx)
	if err != nil {
		t.Fatalf("Failed to list loans: %v", err)
	}
	if len(loans) != 2 {
		t.Fatalf("Expected 2 loans, got %d", len(loans))
	}
	if loans[0].ID != newer.ID {
		t.Errorf("Expected newest loan first, got %s", loans[0].ID)
	}
}

func TestSQLiteStore_UpdateStatusAndNotes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := testLoan(time.Now())
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatal(err)
	}

	if err := s.UpdateLoanStatus(ctx, loan.ID, models.LoanStatusPrincipalPaid); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}
	if err := s.UpdateLoanNotes(ctx, loan.ID, "amended"); err != nil {
		t.Fatalf("Failed to update notes: %v", err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Status != models.LoanStatusPrincipalPaid {
		t.Errorf("Expected status principal_paid, got %s", fetched.Status)
	}
	if fetched.Notes != "amended" {
		t.Errorf("Expected notes 'amended', got %q", fetched.Notes)
	}
	// Terms stay untouched
	if !fetched.Principal.Equal(loan.Principal) {
		t.Errorf("Principal changed: %s", fetched.Principal)
	}

	if err := s.UpdateLoanStatus(ctx, uuid.New(), models.LoanStatusFinished); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_RepaymentsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := testLoan(time.Now())
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatal(err)
	}

	d0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	amounts := []int64{100, 200, 300}
	for i, amt := range amounts {
		r := &models.Repayment{
			ID:               uuid.New(),
			LoanID:           loan.ID,
			Date:             d0.AddDate(0, 0, (i+1)*10),
			AmountPaid:       decimal.NewFromInt(amt),
			InterestAmount:   decimal.RequireFromString("1.50"),
			RemainingBalance: decimal.NewFromInt(10000 - amt),
			PaymentMethod:    models.PaymentMethodUPI,
			CreatedAt:        time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.CreateRepayment(ctx, r); err != nil {
			t.Fatalf("Failed to create repayment %d: %v", i, err)
		}
	}

	asc, err := s.ListRepayments(ctx, loan.ID, true)
	if err != nil {
		t.Fatalf("Failed to list repayments: %v", err)
	}
	if len(asc) != 3 {
		t.Fatalf("Expected 3 repayments, got %d", len(asc))
	}
	for i, amt := range amounts {
		if !asc[i].AmountPaid.Equal(decimal.NewFromInt(amt)) {
			t.Errorf("Ascending order wrong at %d: got %s", i, asc[i].AmountPaid)
		}
	}

	desc, err := s.ListRepayments(ctx, loan.ID, false)
	if err != nil {
		t.Fatal(err)
	}
	if !desc[0].AmountPaid.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Descending order wrong: got %s first", desc[0].AmountPaid)
	}

	// Decimal fields round-trip exactly through TEXT
	if !asc[0].InterestAmount.Equal(decimal.RequireFromString("1.50")) {
		t.Errorf("Interest lost precision: %s", asc[0].InterestAmount)
	}
}

func TestSQLiteStore_AppendRepaymentAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loan := testLoan(time.Now())
	if err := s.CreateLoan(ctx, loan); err != nil {
		t.Fatal(err)
	}

	r := &models.Repayment{
		ID:               uuid.New(),
		LoanID:           loan.ID,
		Date:             loan.StartDate.AddDate(0, 0, 30),
		AmountPaid:       decimal.NewFromInt(10000),
		InterestAmount:   decimal.RequireFromString("102.74"),
		RemainingBalance: decimal.RequireFromString("102.74"),
		PaymentMethod:    models.PaymentMethodBank,
		CreatedAt:        time.Now(),
	}
	if err := s.AppendRepayment(ctx, r, models.LoanStatusPrincipalPaid); err != nil {
		t.Fatalf("Failed to append repayment: %v", err)
	}

	fetched, err := s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Status != models.LoanStatusPrincipalPaid {
		t.Errorf("Expected status principal_paid, got %s", fetched.Status)
	}

	// A conflicting insert rolls the whole transaction back: the status
	// update must not survive on its own.
	dup := *r
	dup.RemainingBalance = decimal.Zero
	if err := s.AppendRepayment(ctx, &dup, models.LoanStatusFinished); err == nil {
		t.Fatal("Expected error for duplicate repayment ID")
	}

	fetched, err = s.GetLoan(ctx, loan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if fetched.Status != models.LoanStatusPrincipalPaid {
		t.Errorf("Status leaked from rolled-back transaction: %s", fetched.Status)
	}
	history, err := s.ListRepayments(ctx, loan.ID, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Errorf("Expected 1 repayment, got %d", len(history))
	}

	// Unknown loan: the foreign key rejects the insert, nothing persists.
	orphan := *r
	orphan.ID = uuid.New()
	orphan.LoanID = uuid.New()
	if err := s.AppendRepayment(ctx, &orphan, models.LoanStatusFinished); err == nil {
		t.Fatal("Expected error for unknown loan")
	}
	if history, _ := s.ListRepayments(ctx, orphan.LoanID, true); len(history) != 0 {
		t.Errorf("Orphan repayment persisted: %d rows", len(history))
	}
}

func TestSQLiteStore_Payments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	due := time.Date(2025, 4, 15, 0, 0, 0, 0, time.UTC)
	pending := &models.Payment{
		ID:        uuid.New(),
		Name:      "Electricity",
		Amount:    decimal.RequireFromString("89.99"),
		DueDate:   due,
		Status:    models.PaymentStatusPending,
		CreatedAt: time.Now(),
	}
	paid := &models.Payment{
		ID:        uuid.New(),
		Name:      "Rent",
		Amount:    decimal.NewFromInt(1200),
		DueDate:   due.AddDate(0, 0, -10),
		Status:    models.PaymentStatusPaid,
		CreatedAt: time.Now(),
	}
	if err := s.CreatePayment(ctx, pending); err != nil {
		t.Fatal(err)
	}
	if err := s.CreatePayment(ctx, paid); err != nil {
		t.Fatal(err)
	}

	got, err := s.ListPayments(ctx, models.PaymentStatusPending)
	if err != nil {
		t.Fatalf("Failed to list pending payments: %v", err)
	}
	if len(got) != 1 || got[0].Name != "Electricity" {
		t.Errorf("Expected only the pending payment, got %v", got)
	}

	all, err := s.ListPayments(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 payments, got %d", len(all))
	}

	if err := s.UpdatePaymentStatus(ctx, pending.ID, models.PaymentStatusPaid); err != nil {
		t.Fatalf("Failed to update payment status: %v", err)
	}
	got, err = s.ListPayments(ctx, models.PaymentStatusPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("Expected no pending payments, got %d", len(got))
	}

	if err := s.UpdatePaymentStatus(ctx, uuid.New(), models.PaymentStatusPaid); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_Sessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	valid := &models.Session{Token: "tok-valid", Email: "fred@example.com", ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now}
	expired := &models.Session{Token: "tok-expired", Email: "fred@example.com", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-25 * time.Hour)}
	if err := s.CreateSession(ctx, valid); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSession(ctx, expired); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetSession(ctx, "tok-valid")
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Email != "fred@example.com" {
		t.Errorf("Expected email fred@example.com, got %s", got.Email)
	}

	if _, err := s.GetSession(ctx, "tok-expired"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for expired session, got %v", err)
	}

	if err := s.DeleteSession(ctx, "tok-valid"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetSession(ctx, "tok-valid"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound after delete, got %v", err)
	}

	if err := s.DeleteExpiredSessions(ctx); err != nil {
		t.Fatalf("Failed to purge expired sessions: %v", err)
	}
}
