package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

type stalePendingSource interface {
	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error)
}

type confirmer interface {
	Confirm(ctx context.Context, checkoutRequestID string) (*payment.ConfirmResult, error)
}

// PendingSweeper queries the gateway for mobile money attempts that have
// waited longer than staleAfter without a callback.
type PendingSweeper struct {
	payments   stalePendingSource
	confirmer  confirmer
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	batchSize  int
}

func NewPendingSweeper(payments stalePendingSource, confirmer confirmer, logger *slog.Logger, interval, staleAfter time.Duration) *PendingSweeper {
	return &PendingSweeper{
		payments:   payments,
		confirmer:  confirmer,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		batchSize:  20,
	}
}

func (s *PendingSweeper) Start(ctx context.Context) {
	s.logger.Info("pending sweeper started", "interval", s.interval, "stale_after", s.staleAfter)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pending sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx, s.staleAfter, s.batchSize)
		}
	}
}

// SweepSummary counts what one sweep did with each attempt.
type SweepSummary struct {
	Checked  int
	Resolved int
	Pending  int
	Errors   int
}

func (s *PendingSweeper) Sweep(ctx context.Context, olderThan time.Duration, limit int) SweepSummary {
	var sum SweepSummary

	stale, err := s.payments.ListStalePending(ctx, time.Now().UTC().Add(-olderThan), limit)
	if err != nil {
		s.logger.Error("failed to list stale pending payments", "error", err)
		sum.Errors++
		return sum
	}

	for _, p := range stale {
		if p.CheckoutRequestID == nil {
			continue
		}
		sum.Checked++

		res, err := s.confirmer.Confirm(ctx, *p.CheckoutRequestID)
		if err != nil {
			s.logger.Warn("status query for stale payment failed",
				"payment_id", p.ID,
				"checkout_request_id", *p.CheckoutRequestID,
				"error", err,
			)
			sum.Errors++
			continue
		}
		if res.TransactionStatus == payment.TransactionPending {
			sum.Pending++
			continue
		}
		sum.Resolved++
		s.logger.Info("stale payment resolved by status query",
			"payment_id", p.ID,
			"checkout_request_id", *p.CheckoutRequestID,
			"transaction_status", res.TransactionStatus,
		)
	}

	if sum.Checked > 0 {
		s.logger.Info("pending sweep finished",
			"checked", sum.Checked,
			"resolved", sum.Resolved,
			"pending", sum.Pending,
			"errors", sum.Errors,
		)
	}
	return sum
}
