package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loantrack/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		first_name TEXT NOT NULL,
		last_name TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		term_months INTEGER NOT NULL,
		start_date DATETIME NOT NULL,
		payment_method TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		date DATETIME NOT NULL,
		amount_paid TEXT NOT NULL,
		interest_amount TEXT NOT NULL,
		remaining_balance TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		closing INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_repayments_loan_date ON repayments(loan_id, date);
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		amount TEXT NOT NULL,
		due_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return err
	}

	// Older databases predate the notes columns; add them when missing.
	columns := map[string]string{
		"loans":      "notes TEXT NOT NULL DEFAULT ''",
		"repayments": "notes TEXT NOT NULL DEFAULT ''",
	}
	for table, col := range columns {
		_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col))
		if err != nil && !isDuplicateColumnError(err) {
			return fmt.Errorf("failed to add column to %s: %w", table, err)
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasPrefix(err.Error(), "duplicate column name")
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(ctx context.Context, loan *models.Loan) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO loans (id, first_name, last_name, principal, interest_rate, term_months, start_date, payment_method, notes, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.FirstName, loan.LastName, loan.Principal, loan.InterestRate, loan.TermMonths, loan.StartDate, string(loan.PaymentMethod), loan.Notes, string(loan.Status), loan.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, principal, interest_rate, term_months, start_date, payment_method, notes, status, created_at
		FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// ListLoans retrieves all loans, newest first.
func (s *SQLiteStore) ListLoans(ctx context.Context) ([]*models.Loan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, first_name, last_name, principal, interest_rate, term_months, start_date, payment_method, notes, status, created_at
		FROM loans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (*models.Loan, error) {
	var loan models.Loan
	var idStr, method, status string
	if err := row.Scan(&idStr, &loan.FirstName, &loan.LastName, &loan.Principal, &loan.InterestRate, &loan.TermMonths, &loan.StartDate, &method, &loan.Notes, &status, &loan.CreatedAt); err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.PaymentMethod = models.PaymentMethod(method)
	loan.Status = models.LoanStatus(status)
	return &loan, nil
}

// UpdateLoanStatus updates only the status field of a loan.
func (s *SQLiteStore) UpdateLoanStatus(ctx context.Context, id uuid.UUID, status models.LoanStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE loans SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	return checkAffected(result, id)
}

// UpdateLoanNotes updates only the notes field of a loan.
func (s *SQLiteStore) UpdateLoanNotes(ctx context.Context, id uuid.UUID, notes string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE loans SET notes = ? WHERE id = ?`, notes, id.String())
	if err != nil {
		return fmt.Errorf("failed to update loan notes: %w", err)
	}
	return checkAffected(result, id)
}

func checkAffected(result sql.Result, id uuid.UUID) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateRepayment appends a repayment to a loan's ledger.
func (s *SQLiteStore) CreateRepayment(ctx context.Context, r *models.Repayment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repayments (id, loan_id, date, amount_paid, interest_amount, remaining_balance, payment_method, notes, closing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LoanID.String(), r.Date, r.AmountPaid, r.InterestAmount, r.RemainingBalance, string(r.PaymentMethod), r.Notes, r.Closing, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}
	return nil
}

// AppendRepayment inserts a repayment and updates its loan's status in one
// transaction. Either both land or neither does.
func (s *SQLiteStore) AppendRepayment(ctx context.Context, r *models.Repayment, status models.LoanStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO repayments (id, loan_id, date, amount_paid, interest_amount, remaining_balance, payment_method, notes, closing, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.LoanID.String(), r.Date, r.AmountPaid, r.InterestAmount, r.RemainingBalance, string(r.PaymentMethod), r.Notes, r.Closing, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create repayment: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE loans SET status = ? WHERE id = ?`, string(status), r.LoanID.String())
	if err != nil {
		return fmt.Errorf("failed to update loan status: %w", err)
	}
	if err := checkAffected(result, r.LoanID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit repayment: %w", err)
	}
	return nil
}

// ListRepayments retrieves all repayments for a loan ordered by date.
// Records on the same date keep their insertion order via created_at.
func (s *SQLiteStore) ListRepayments(ctx context.Context, loanID uuid.UUID, ascending bool) ([]*models.Repayment, error) {
	order := "DESC"
	if ascending {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, loan_id, date, amount_paid, interest_amount, remaining_balance, payment_method, notes, closing, created_at
		FROM repayments WHERE loan_id = ? ORDER BY date %s, created_at %s`, order, order), loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var repayments []*models.Repayment
	for rows.Next() {
		var r models.Repayment
		var idStr, loanIDStr, method string
		if err := rows.Scan(&idStr, &loanIDStr, &r.Date, &r.AmountPaid, &r.InterestAmount, &r.RemainingBalance, &method, &r.Notes, &r.Closing, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		r.ID = uuid.MustParse(idStr)
		r.LoanID = uuid.MustParse(loanIDStr)
		r.PaymentMethod = models.PaymentMethod(method)
		repayments = append(repayments, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return repayments, nil
}

// CreatePayment inserts a new tracked bill payment.
func (s *SQLiteStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payments (id, name, amount, due_date, status, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Amount, p.DueDate, string(p.Status), p.Notes, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// ListPayments retrieves payments, optionally filtered by status.
func (s *SQLiteStore) ListPayments(ctx context.Context, status models.PaymentStatus) ([]*models.Payment, error) {
	query := `SELECT id, name, amount, due_date, status, notes, created_at FROM payments`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY due_date ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		var idStr, st string
		if err := rows.Scan(&idStr, &p.Name, &p.Amount, &p.DueDate, &st, &p.Notes, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		p.ID = uuid.MustParse(idStr)
		p.Status = models.PaymentStatus(st)
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return payments, nil
}

// UpdatePaymentStatus updates the status of a tracked bill payment.
func (s *SQLiteStore) UpdatePaymentStatus(ctx context.Context, id uuid.UUID, status models.PaymentStatus) error {
	result, err := s.db.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, string(status), id.String())
	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateSession stores a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (token, email, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		sess.Token, sess.Email, sess.ExpiresAt, sess.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves an unexpired session by token.
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT token, email, expires_at, created_at FROM sessions WHERE token = ? AND expires_at > ?`,
		token, time.Now())
	var sess models.Session
	if err := row.Scan(&sess.Token, &sess.Email, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession removes a session by token.
func (s *SQLiteStore) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes all expired sessions.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
