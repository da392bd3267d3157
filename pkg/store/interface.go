package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/models"
)

// ErrNotFound is returned when a referenced record does not exist.
var ErrNotFound = errors.New("not found")

// Storage defines the persistence operations for loans, their repayment
// ledgers, tracked bill payments and sessions. Each loan owns one ordered
// repayment collection addressed by loan ID.
type Storage interface {
	CreateLoan(ctx context.Context, loan *models.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error)
	ListLoans(ctx context.Context) ([]*models.Loan, error) // newest first
	UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus) error
	UpdateLoanNotes(ctx context.Context, id uuid.UUID, notes string) error

	// AppendRepayment inserts the repayment and sets the loan's status in a
	// single transaction, so a fault can never persist one without the other.
	AppendRepayment(ctx context.Context, r *models.Repayment, status models.LoanStatus) error
	ListRepayments(ctx context.Context, loanID uuid.UUID, ascending bool) ([]*models.Repayment, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	ListPayments(ctx context.Context, status models.PaymentStatus) ([]*models.Payment, error) // empty status = all
	UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus) error

	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, token string) (*models.Session, error)
	DeleteSession(ctx context.Context, token string) error
	DeleteExpiredSessions(ctx context.Context) error

	Close() error
}
