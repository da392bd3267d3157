// Package reminder runs the periodic pending-payment email batch.
package reminder

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mcclellann/loantrack/pkg/mailer"
	"github.com/mcclellann/loantrack/pkg/metrics"
	"github.com/mcclellann/loantrack/pkg/models"
	"go.uber.org/zap"
)

// PaymentLister is the slice of persistence the reminder batch needs.
type PaymentLister interface {
	ListPayments(ctx context.Context, status models.PaymentStatus) ([]*models.Payment, error)
}

// Scheduler sends the pending-payment digest to every configured recipient
// on a fixed interval (weekly by default).
type Scheduler struct {
	storage    PaymentLister
	sender     mailer.Sender
	recipients []string
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewScheduler wires up the reminder batch.
func NewScheduler(storage PaymentLister, sender mailer.Sender, recipients []string, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		storage:    storage,
		sender:     sender,
		recipients: recipients,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Run blocks, sending the digest every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SendOnce(ctx); err != nil {
				s.logger.Error("reminder batch failed", zap.Error(err))
			}
		}
	}
}

// SendOnce lists pending payments and mails the digest to every recipient.
// Nothing is sent when no payment is pending.
func (s *Scheduler) SendOnce(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pending, err := s.storage.ListPayments(cctx, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("failed to list pending payments: %w", err)
	}
	if len(pending) == 0 {
		s.logger.Info("no pending payments, skipping reminder")
		return nil
	}

	today := s.now()
	rows := make([]mailer.ReminderRow, 0, len(pending))
	for _, p := range pending {
		rows = append(rows, mailer.ReminderRow{
			Name:          p.Name,
			Amount:        p.Amount.StringFixed(2),
			DueDate:       p.DueDate.Format("2006-01-02"),
			RemainingDays: RemainingDays(p.DueDate, today),
		})
	}

	subject, body, err := mailer.RenderReminder(rows)
	if err != nil {
		return err
	}

	for _, to := range s.recipients {
		if err := s.sender.Send(to, subject, body); err != nil {
			s.logger.Error("failed to send reminder", zap.String("to", to), zap.Error(err))
			continue
		}
		metrics.RemindersSent.Inc()
	}

	s.logger.Info("reminder batch sent",
		zap.Int("pending", len(pending)),
		zap.Int("recipients", len(s.recipients)))
	return nil
}

// RemainingDays is the signed day count until a due date, rounded up.
// Negative values mean the payment is overdue and are shown as-is.
func RemainingDays(dueDate, today time.Time) int {
	return int(math.Ceil(dueDate.Sub(today).Hours() / 24))
}
