package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mcclellann/loantrack/pkg/auth"
	"github.com/mcclellann/loantrack/pkg/config"
	"github.com/mcclellann/loantrack/pkg/ledger"
	"github.com/mcclellann/loantrack/pkg/mailer"
	"github.com/mcclellann/loantrack/pkg/models"
	"github.com/mcclellann/loantrack/pkg/projection"
	"github.com/mcclellann/loantrack/pkg/reminder"
	"github.com/mcclellann/loantrack/pkg/store"
)

const sessionCookieName = "session"

type contextKey string

const emailContextKey contextKey = "email"

// Server holds the ledger, the authenticator and their shared storage.
type Server struct {
	ledger       *ledger.Ledger
	auth         *auth.Authenticator
	storage      store.Storage
	logger       *zap.Logger
	secureCookie bool
}

func NewServer(s store.Storage, a *auth.Authenticator, logger *zap.Logger, secureCookie bool) *Server {
	return &Server{
		ledger:       ledger.NewLedger(s, logger),
		auth:         a,
		storage:      s,
		logger:       logger,
		secureCookie: secureCookie,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	Retry bool   `json:"retry,omitempty"`
}

// writeError maps the ledger error taxonomy onto HTTP statuses: validation
// failures carry the offending field, transient faults ask for a resubmit.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var vErr *ledger.ValidationError
	var nfErr *ledger.NotFoundError
	var tErr *ledger.TransientStoreError

	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: vErr.Reason, Field: vErr.Field})
	case errors.As(err, &nfErr):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: nfErr.Error()})
	case errors.As(err, &tErr):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporary storage failure, please resubmit", Retry: true})
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// authMiddleware requires a valid session cookie and puts the authenticated
// email on the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil || cookie.Value == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
			return
		}
		session, err := s.auth.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			s.clearSessionCookie(w)
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "session expired"})
			return
		}
		ctx := context.WithValue(r.Context(), emailContextKey, session.Email)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) setSessionCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) requestCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	err := s.auth.RequestCode(r.Context(), req.Email)
	switch {
	case errors.Is(err, auth.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "email not authorized"})
	case errors.Is(err, auth.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "code requested too recently"})
	case err != nil:
		s.writeError(w, err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) verifyCodeHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	session, err := s.auth.VerifyCode(r.Context(), req.Email, req.Code)
	switch {
	case errors.Is(err, auth.ErrNotAuthorized):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "email not authorized"})
	case errors.Is(err, auth.ErrInvalidCode):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or expired code"})
	case err != nil:
		s.writeError(w, err)
	default:
		s.setSessionCookie(w, session.Token, session.ExpiresAt)
		writeJSON(w, http.StatusOK, session)
	}
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		if err := s.auth.RevokeSession(r.Context(), cookie.Value); err != nil {
			s.logger.Warn("failed to revoke session", zap.Error(err))
		}
	}
	s.clearSessionCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FirstName     string          `json:"first_name"`
		LastName      string          `json:"last_name"`
		Principal     decimal.Decimal `json:"principal"`
		InterestRate  decimal.Decimal `json:"interest_rate"`
		TermMonths    int             `json:"term_months"`
		StartDate     string          `json:"start_date"`
		PaymentMethod string          `json:"payment_method"`
		Notes         string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	startDate, err := parseDate(req.StartDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid start_date", Field: "start_date"})
		return
	}

	loan, err := s.ledger.CreateLoan(r.Context(), ledger.LoanParams{
		FirstName:     req.FirstName,
		LastName:      req.LastName,
		Principal:     req.Principal,
		InterestRate:  req.InterestRate,
		TermMonths:    req.TermMonths,
		StartDate:     startDate,
		PaymentMethod: models.PaymentMethod(req.PaymentMethod),
		Notes:         req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if loans == nil {
		loans = []*models.Loan{}
	}
	writeJSON(w, http.StatusOK, loans)
}

// loanDetail is the loan-details view: the loan plus its derived balance and
// forward-looking interest estimate.
type loanDetail struct {
	*models.Loan
	Balance           decimal.Decimal `json:"balance"`
	DaysSinceEvent    int             `json:"days_since_event"`
	ProjectedInterest decimal.Decimal `json:"projected_interest_30d"`
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.GetLoan(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	history, err := s.ledger.ListRepayments(r.Context(), loanID, true)
	if err != nil {
		s.writeError(w, err)
		return
	}

	state := ledger.StateOf(loan, history)
	paidOff := state.TotalPaid.GreaterThanOrEqual(loan.Principal)
	writeJSON(w, http.StatusOK, loanDetail{
		Loan:              loan,
		Balance:           state.Balance,
		DaysSinceEvent:    projection.DaysSinceLastEvent(state.Date, time.Now()),
		ProjectedInterest: projection.ProjectInterest(state.Balance, loan.InterestRate, projection.ForwardWindowDays, paidOff),
	})
}

func (s *Server) listRepaymentsHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}
	ascending := r.URL.Query().Get("order") != "desc"

	// Confirm the loan exists so an unknown ID is a 404, not an empty list.
	if _, err := s.ledger.GetLoan(r.Context(), loanID); err != nil {
		s.writeError(w, err)
		return
	}
	repayments, err := s.ledger.ListRepayments(r.Context(), loanID, ascending)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if repayments == nil {
		repayments = []*models.Repayment{}
	}
	writeJSON(w, http.StatusOK, repayments)
}

func (s *Server) recordPaymentHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	var req struct {
		Date          string          `json:"date"`
		Amount        decimal.Decimal `json:"amount"`
		PaymentMethod string          `json:"payment_method"`
		Notes         string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid date", Field: "date"})
		return
	}

	entry, loan, err := s.ledger.RecordPayment(r.Context(), loanID, ledger.PaymentInput{
		Date:   date,
		Amount: req.Amount,
		Method: models.PaymentMethod(req.PaymentMethod),
		Notes:  req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		Repayment  *models.Repayment `json:"repayment"`
		LoanStatus models.LoanStatus `json:"loan_status"`
	}{Repayment: entry, LoanStatus: loan.Status})
}

func (s *Server) finishLoanHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}

	loan, closing, err := s.ledger.MarkFinished(r.Context(), loanID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Loan    *models.Loan      `json:"loan"`
		Closing *models.Repayment `json:"closing_repayment,omitempty"`
	}{Loan: loan, Closing: closing})
}

func (s *Server) updateNotesHandler(w http.ResponseWriter, r *http.Request) {
	loanID, ok := s.loanID(w, r)
	if !ok {
		return
	}
	var req struct {
		Notes string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.ledger.UpdateNotes(r.Context(), loanID, req.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	loans, err := s.ledger.ListLoans(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	historyByLoan := make(map[string][]*models.Repayment, len(loans))
	for _, loan := range loans {
		if loan.Status == models.LoanStatusFinished {
			continue
		}
		history, err := s.ledger.ListRepayments(r.Context(), loan.ID, true)
		if err != nil {
			s.writeError(w, err)
			return
		}
		historyByLoan[loan.ID.String()] = history
	}

	writeJSON(w, http.StatusOK, projection.Summarize(loans, historyByLoan, time.Now()))
}

func (s *Server) createPaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string          `json:"name"`
		Amount  decimal.Decimal `json:"amount"`
		DueDate string          `json:"due_date"`
		Notes   string          `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required", Field: "name"})
		return
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "amount must be greater than zero", Field: "amount"})
		return
	}
	dueDate, err := parseDate(req.DueDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid due_date", Field: "due_date"})
		return
	}

	payment := &models.Payment{
		ID:        uuid.New(),
		Name:      req.Name,
		Amount:    req.Amount,
		DueDate:   dueDate,
		Status:    models.PaymentStatusPending,
		Notes:     req.Notes,
		CreatedAt: time.Now(),
	}
	if err := s.storage.CreatePayment(r.Context(), payment); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payment)
}

func (s *Server) listPaymentsHandler(w http.ResponseWriter, r *http.Request) {
	status := models.PaymentStatus(r.URL.Query().Get("status"))
	if status != "" && status != models.PaymentStatusPending && status != models.PaymentStatusPaid {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status", Field: "status"})
		return
	}
	payments, err := s.storage.ListPayments(r.Context(), status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	writeJSON(w, http.StatusOK, payments)
}

func (s *Server) paymentStatusHandler(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid payment ID"})
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	status := models.PaymentStatus(req.Status)
	if status != models.PaymentStatusPending && status != models.PaymentStatusPaid {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown status", Field: "status"})
		return
	}
	if err := s.storage.UpdatePaymentStatus(r.Context(), id, status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "payment not found"})
			return
		}
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loanID parses the {id} route variable, writing a 400 on failure.
func (s *Server) loanID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid loan ID"})
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts a plain date or a full RFC 3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// router wires all routes; everything but auth, health and metrics requires
// a session.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/auth/request-code", s.requestCodeHandler).Methods("POST")
	r.HandleFunc("/auth/verify", s.verifyCodeHandler).Methods("POST")
	r.HandleFunc("/auth/logout", s.logoutHandler).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	api.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	api.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/notes", s.updateNotesHandler).Methods("PATCH")
	api.HandleFunc("/loans/{id}/repayments", s.listRepaymentsHandler).Methods("GET")
	api.HandleFunc("/loans/{id}/repayments", s.recordPaymentHandler).Methods("POST")
	api.HandleFunc("/loans/{id}/finish", s.finishLoanHandler).Methods("POST")
	api.HandleFunc("/summary", s.summaryHandler).Methods("GET")
	api.HandleFunc("/payments", s.listPaymentsHandler).Methods("GET")
	api.HandleFunc("/payments", s.createPaymentHandler).Methods("POST")
	api.HandleFunc("/payments/{id}/status", s.paymentStatusHandler).Methods("POST")

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	sqliteStore, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logger.Fatal("failed to initialize SQLite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	sender := mailer.NewSMTPMailer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From, logger)
	allowlist := auth.NewAllowlist(cfg.Allowlist)
	issuer := auth.NewCodeIssuer()
	defer issuer.Close()
	authenticator := auth.NewAuthenticator(allowlist, issuer, sqliteStore, sender, logger)
	server := NewServer(sqliteStore, authenticator, logger, cfg.SecureCookie)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Weekly payment reminder batch.
	scheduler := reminder.NewScheduler(sqliteStore, sender, allowlist.Emails(), cfg.ReminderInterval, logger)
	go scheduler.Run(ctx)

	// Expired sessions are purged on the same cadence as code cleanup.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := sqliteStore.DeleteExpiredSessions(ctx); err != nil {
					logger.Warn("failed to purge expired sessions", zap.Error(err))
				}
			}
		}
	}()

	logger.Info("server starting", zap.String("addr", cfg.ListenAddr))
	logger.Fatal("server exited", zap.Error(http.ListenAndServe(cfg.ListenAddr, server.router())))
}
