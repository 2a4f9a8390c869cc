package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/siretech/backoffice-payments/internal/domain"
)

type failedCallbackSource interface {
	GetFailed(ctx context.Context, maxAttempts, limit int) ([]domain.CallbackEvent, error)
}

type callbackReplayer interface {
	Replay(ctx context.Context, event domain.CallbackEvent) (domain.CallbackEventStatus, error)
}

// CallbackReplayer periodically re-settles callbacks whose settlement failed,
// for example because the database was briefly unavailable. Settlement is
// idempotent, so replaying an already applied callback is harmless.
type CallbackReplayer struct {
	events      failedCallbackSource
	dispatcher  callbackReplayer
	logger      *slog.Logger
	interval    time.Duration
	maxAttempts int
}

func NewCallbackReplayer(events failedCallbackSource, dispatcher callbackReplayer, logger *slog.Logger, interval time.Duration, maxAttempts int) *CallbackReplayer {
	return &CallbackReplayer{
		events:      events,
		dispatcher:  dispatcher,
		logger:      logger,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

func (r *CallbackReplayer) Start(ctx context.Context) {
	r.logger.Info("callback replayer started", "interval", r.interval, "max_attempts", r.maxAttempts)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("callback replayer stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *CallbackReplayer) poll(ctx context.Context) {
	events, err := r.events.GetFailed(ctx, r.maxAttempts, 10)
	if err != nil {
		r.logger.Error("failed to fetch failed callback events", "error", err)
		return
	}

	for _, event := range events {
		status, err := r.dispatcher.Replay(ctx, event)
		if err != nil {
			r.logger.Error("failed to replay callback event",
				"callback_event_id", event.ID,
				"checkout_request_id", event.CheckoutRequestID,
				"error", err,
			)
			continue
		}

		attempts := event.Attempts + 1
		if status == domain.CallbackEventStatusFailed && attempts >= r.maxAttempts {
			r.logger.Error("callback settlement abandoned after max attempts",
				"callback_event_id", event.ID,
				"checkout_request_id", event.CheckoutRequestID,
				"attempts", attempts,
			)
			continue
		}
		r.logger.Info("callback event replayed",
			"callback_event_id", event.ID,
			"checkout_request_id", event.CheckoutRequestID,
			"status", status,
		)
	}
}
