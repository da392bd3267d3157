package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/metrics"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/mcclellann/loantrack/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// storeTimeout bounds every round trip to the persistence layer.
const storeTimeout = 5 * time.Second

// Ledger handles the business logic for loans and their repayment ledgers.
// RecordPayment and MarkFinished are serialized per loan with an advisory
// lock keyed by loan ID, so two payments can never chain off the same
// previous balance. Loans are independent units of concurrency.
type Ledger struct {
	storage store.Storage
	logger  *zap.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, logger *zap.Logger) *Ledger {
	return &Ledger{
		storage: s,
		logger:  logger,
		locks:   make(map[uuid.UUID]*sync.Mutex),
	}
}

func (l *Ledger) loanLock(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[id]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[id] = lk
	}
	return lk
}

// LoanParams are the immutable terms captured when a loan is created.
type LoanParams struct {
	FirstName     string
	LastName      string
	Principal     decimal.Decimal
	InterestRate  decimal.Decimal
	TermMonths    int
	StartDate     time.Time
	PaymentMethod models.PaymentMethod
	Notes         string
}

func (p LoanParams) validate() error {
	if strings.TrimSpace(p.FirstName) == "" {
		return &ValidationError{Field: "first_name", Reason: "must not be empty"}
	}
	if p.Principal.LessThanOrEqual(decimal.Zero) {
		return &ValidationError{Field: "principal", Reason: "must be greater than zero"}
	}
	if p.InterestRate.IsNegative() {
		return &ValidationError{Field: "interest_rate", Reason: "must not be negative"}
	}
	if p.TermMonths <= 0 {
		return &ValidationError{Field: "term_months", Reason: "must be greater than zero"}
	}
	if p.StartDate.IsZero() {
		return &ValidationError{Field: "start_date", Reason: "must be set"}
	}
	if !models.ValidMethod(p.PaymentMethod) {
		return &ValidationError{Field: "payment_method", Reason: "unknown payment method"}
	}
	return nil
}

// CreateLoan initializes a new loan.
func (l *Ledger) CreateLoan(ctx context.Context, params LoanParams) (*models.Loan, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	loan := &models.Loan{
		ID:            uuid.New(),
		FirstName:     strings.TrimSpace(params.FirstName),
		LastName:      strings.TrimSpace(params.LastName),
		Principal:     params.Principal,
		InterestRate:  params.InterestRate,
		TermMonths:    params.TermMonths,
		StartDate:     params.StartDate,
		PaymentMethod: params.PaymentMethod,
		Notes:         params.Notes,
		Status:        models.LoanStatusActive,
		CreatedAt:     time.Now(),
	}

	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := l.storage.CreateLoan(cctx, loan); err != nil {
		return nil, l.classify("create loan", loan.ID, err)
	}

	metrics.LoansCreated.Inc()
	l.logger.Info("loan created",
		zap.String("loan_id", loan.ID.String()),
		zap.String("principal", loan.Principal.StringFixed(2)),
		zap.String("rate", loan.InterestRate.String()))
	return loan, nil
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	loan, err := l.storage.GetLoan(cctx, id)
	if err != nil {
		return nil, l.classify("get loan", id, err)
	}
	return loan, nil
}

// ListLoans retrieves all loans, newest first.
func (l *Ledger) ListLoans(ctx context.Context) ([]*models.Loan, error) {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	loans, err := l.storage.ListLoans(cctx)
	if err != nil {
		return nil, l.classify("list loans", uuid.Nil, err)
	}
	return loans, nil
}

// ListRepayments retrieves a loan's ledger ordered by date.
func (l *Ledger) ListRepayments(ctx context.Context, loanID uuid.UUID, ascending bool) ([]*models.Repayment, error) {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	repayments, err := l.storage.ListRepayments(cctx, loanID, ascending)
	if err != nil {
		return nil, l.classify("list repayments", loanID, err)
	}
	return repayments, nil
}

// UpdateNotes amends a loan's free-text notes. Notes are the only loan
// attribute besides status that may change after creation.
func (l *Ledger) UpdateNotes(ctx context.Context, loanID uuid.UUID, notes string) error {
	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := l.storage.UpdateLoanNotes(cctx, loanID, notes); err != nil {
		return l.classify("update notes", loanID, err)
	}
	return nil
}

// CurrentBalance returns a loan's outstanding balance: the remaining balance
// of its latest repayment, or the principal when the ledger is empty.
func (l *Ledger) CurrentBalance(ctx context.Context, loanID uuid.UUID) (decimal.Decimal, error) {
	loan, history, err := l.loadState(ctx, loanID)
	if err != nil {
		return decimal.Zero, err
	}
	return StateOf(loan, history).Balance, nil
}

// loadState reads a loan and its ascending history, retrying once on a
// transient fault.
func (l *Ledger) loadState(ctx context.Context, loanID uuid.UUID) (*models.Loan, []*models.Repayment, error) {
	var loan *models.Loan
	var history []*models.Repayment

	read := func() error {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		var err error
		if loan, err = l.storage.GetLoan(cctx, loanID); err != nil {
			return err
		}
		history, err = l.storage.ListRepayments(cctx, loanID, true)
		return err
	}

	err := read()
	if err != nil && isTransient(err) {
		metrics.StoreRetries.Inc()
		l.logger.Warn("transient store fault, retrying read", zap.Error(err))
		err = read()
	}
	if err != nil {
		return nil, nil, l.classify("load loan state", loanID, err)
	}
	return loan, history, nil
}

// RecordPayment validates and records a repayment against a loan, persisting
// the resulting ledger entry and, when the computation changed it, the loan's
// status exactly once.
func (l *Ledger) RecordPayment(ctx context.Context, loanID uuid.UUID, in PaymentInput) (*models.Repayment, *models.Loan, error) {
	lk := l.loanLock(loanID)
	lk.Lock()
	defer lk.Unlock()

	loan, history, err := l.loadState(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}

	entry, status, err := ApplyPayment(loan, history, in)
	if err != nil {
		return nil, nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	// One transaction: the ledger entry and the status it implies can never
	// persist separately.
	if err := l.storage.AppendRepayment(cctx, entry, status); err != nil {
		return nil, nil, l.classify("record payment", loanID, err)
	}
	loan.Status = status

	metrics.RepaymentsRecorded.Inc()
	l.logger.Info("payment recorded",
		zap.String("loan_id", loanID.String()),
		zap.String("amount", entry.AmountPaid.StringFixed(2)),
		zap.String("interest", entry.InterestAmount.StringFixed(2)),
		zap.String("balance", entry.RemainingBalance.StringFixed(2)),
		zap.String("status", string(loan.Status)))
	return entry, loan, nil
}

// MarkFinished force-closes a loan. Any remaining balance is settled with a
// system-generated closing entry; the status becomes finished either way.
// Idempotent on an already finished loan.
func (l *Ledger) MarkFinished(ctx context.Context, loanID uuid.UUID) (*models.Loan, *models.Repayment, error) {
	lk := l.loanLock(loanID)
	lk.Lock()
	defer lk.Unlock()

	loan, history, err := l.loadState(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}

	state := StateOf(loan, history)
	asOf := time.Now()
	if state.Date.After(asOf) {
		asOf = state.Date
	}
	entry := ClosingEntry(loan, state.Balance, asOf)

	cctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if entry != nil {
		if err := l.storage.AppendRepayment(cctx, entry, models.LoanStatusFinished); err != nil {
			return nil, nil, l.classify("record closing entry", loanID, err)
		}
		loan.Status = models.LoanStatusFinished
	} else if loan.Status != models.LoanStatusFinished {
		if err := l.storage.UpdateLoanStatus(cctx, loanID, models.LoanStatusFinished); err != nil {
			return nil, nil, l.classify("update loan status", loanID, err)
		}
		loan.Status = models.LoanStatusFinished
	}

	l.logger.Info("loan finished",
		zap.String("loan_id", loanID.String()),
		zap.Bool("closing_entry", entry != nil))
	return loan, entry, nil
}

// classify maps raw storage errors onto the engine's error taxonomy.
func (l *Ledger) classify(op string, id uuid.UUID, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{Resource: "loan", ID: id}
	}
	if isTransient(err) {
		return &TransientStoreError{Op: op, Err: err}
	}
	return err
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// SQLite reports writer contention as a busy/locked error string.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
