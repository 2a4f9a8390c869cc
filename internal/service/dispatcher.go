package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/realtime"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

type callbackStore interface {
	Create(ctx context.Context, event *domain.CallbackEvent) error
	MarkResult(ctx context.Context, id uuid.UUID, status domain.CallbackEventStatus, lastErr *string) error
}

type settler interface {
	Settle(ctx context.Context, outcome domain.Outcome) (*payment.Settlement, error)
}

type subscriberRegistry interface {
	Take(token string) (realtime.Subscriber, bool)
}

// Acknowledgement is the body returned to the gateway for a well-formed callback.
type Acknowledgement struct {
	Success           bool                       `json:"success"`
	TransactionStatus string                     `json:"transactionStatus"`
	Message           string                     `json:"message"`
	Data              realtime.PaymentStatusData `json:"data"`
}

// Dispatcher turns gateway callbacks into ledger and invoice updates and
// notifies the client waiting on the correlation token.
type Dispatcher struct {
	callbacks callbackStore
	settler   settler
	registry  subscriberRegistry
	logger    *slog.Logger
}

func NewDispatcher(callbacks callbackStore, settler settler, registry subscriberRegistry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		callbacks: callbacks,
		settler:   settler,
		registry:  registry,
		logger:    logger,
	}
}

// Dispatch handles one parsed callback. Settlement failures, panics included,
// are logged and marked on the stored event for the replayer; they never
// change the acknowledgement. A callback that can be neither stored nor
// settled is logged with its raw payload.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte, cb mpesa.Callback) Acknowledgement {
	ctx, log := logging.With(ctx, "checkout_request_id", cb.CheckoutRequestID)

	log.Info("mpesa callback received",
		"result_code", cb.ResultCode,
		"result_desc", cb.ResultDesc,
		"receipt", cb.ReceiptNumber,
	)

	event := &domain.CallbackEvent{
		ID:                uuid.New(),
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        cb.ResultCode,
		Payload:           raw,
		Status:            domain.CallbackEventStatusPending,
		CreatedAt:         time.Now().UTC(),
	}
	stored, duplicate := d.store(ctx, event)

	status, lastErr := d.settle(ctx, cb.Outcome())
	switch {
	case stored:
		if err := d.callbacks.MarkResult(ctx, event.ID, status, lastErr); err != nil {
			log.Error("failed to update callback event", "callback_event_id", event.ID, "error", err)
		}
	case !duplicate && status == domain.CallbackEventStatusFailed:
		log.Error("callback neither stored nor settled, manual reconciliation required",
			"raw_payload", string(raw))
	}

	ack := acknowledgementFromOutcome(cb.Outcome())
	d.notify(ctx, cb.CheckoutRequestID, ack)
	return ack
}

// store records the raw callback, trying once more on a non-duplicate error.
func (d *Dispatcher) store(ctx context.Context, event *domain.CallbackEvent) (stored, duplicate bool) {
	log := logging.FromContext(ctx)

	for attempt := 1; attempt <= 2; attempt++ {
		err := d.callbacks.Create(ctx, event)
		switch {
		case err == nil:
			return true, false
		case errors.Is(err, domain.ErrDuplicateCallback):
			log.Info("duplicate callback, settling idempotently")
			return false, true
		default:
			log.Error("failed to store callback", "attempt", attempt, "error", err)
		}
	}
	return false, false
}

// Settle settles an outcome obtained outside a callback, such as a status
// query, and notifies any waiting client.
func (d *Dispatcher) Settle(ctx context.Context, outcome domain.Outcome) (*payment.Settlement, error) {
	st, err := d.settler.Settle(ctx, outcome)
	if err != nil {
		return nil, fmt.Errorf("Settle: %w", err)
	}
	if st.Transitioned {
		d.notify(ctx, outcome.CheckoutRequestID, acknowledgementFromOutcome(outcome))
	}
	return st, nil
}

// Replay re-settles a stored callback whose earlier settlement failed.
func (d *Dispatcher) Replay(ctx context.Context, event domain.CallbackEvent) (domain.CallbackEventStatus, error) {
	ctx = logging.WithLogger(ctx, d.logger.With(
		"checkout_request_id", event.CheckoutRequestID,
		"callback_event_id", event.ID,
	))

	cb, err := mpesa.ParseCallback(event.Payload)
	if err != nil {
		reason := err.Error()
		if markErr := d.callbacks.MarkResult(ctx, event.ID, domain.CallbackEventStatusIgnored, &reason); markErr != nil {
			return "", fmt.Errorf("Replay: %w", markErr)
		}
		return domain.CallbackEventStatusIgnored, nil
	}

	status, lastErr := d.settle(ctx, cb.Outcome())
	if err := d.callbacks.MarkResult(ctx, event.ID, status, lastErr); err != nil {
		return "", fmt.Errorf("Replay: %w", err)
	}
	if status == domain.CallbackEventStatusDispatched {
		d.notify(ctx, cb.CheckoutRequestID, acknowledgementFromOutcome(cb.Outcome()))
	}
	return status, nil
}

func (d *Dispatcher) settle(ctx context.Context, outcome domain.Outcome) (status domain.CallbackEventStatus, lastErr *string) {
	log := logging.FromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while settling callback", "panic", p, "stack", string(debug.Stack()))
			msg := fmt.Sprintf("panic: %v", p)
			status, lastErr = domain.CallbackEventStatusFailed, &msg
		}
	}()

	st, err := d.settler.Settle(ctx, outcome)
	switch {
	case errors.Is(err, domain.ErrUnknownCorrelationToken):
		log.Warn("callback for unknown correlation token ignored")
		return domain.CallbackEventStatusIgnored, nil
	case err != nil:
		log.Error("failed to settle callback, will retry", "error", err)
		msg := err.Error()
		return domain.CallbackEventStatusFailed, &msg
	case !st.Transitioned:
		return domain.CallbackEventStatusIgnored, nil
	default:
		return domain.CallbackEventStatusDispatched, nil
	}
}

func (d *Dispatcher) notify(ctx context.Context, token string, ack Acknowledgement) {
	log := logging.FromContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			log.Error("panic while delivering payment status", "panic", p, "stack", string(debug.Stack()))
		}
	}()

	sub, ok := d.registry.Take(token)
	if !ok {
		log.Debug("no subscriber waiting for payment status")
		return
	}

	ev := realtime.NewPaymentStatusEvent(realtime.PaymentStatus{
		Success:           ack.Success,
		TransactionStatus: ack.TransactionStatus,
		Message:           ack.Message,
		Data:              ack.Data,
	})
	if err := sub.Deliver(ctx, ev); err != nil {
		log.Warn("failed to deliver payment status", "error", err)
		return
	}
	log.Info("payment status delivered", "transaction_status", ack.TransactionStatus)
}

func acknowledgementFromOutcome(o domain.Outcome) Acknowledgement {
	ack := Acknowledgement{
		Success: true,
		Message: mpesa.DescribeResult(o.ResultCode, o.ResultDesc),
		Data: realtime.PaymentStatusData{
			ResultCode:         o.ResultCode,
			ResultDesc:         o.ResultDesc,
			MpesaReceiptNumber: o.ReceiptNumber,
			PhoneNumber:        o.PhoneNumber,
			CheckoutRequestID:  o.CheckoutRequestID,
		},
	}
	if o.Amount.Valid {
		amount := o.Amount.Decimal
		ack.Data.Amount = &amount
	}
	if o.Status == domain.PaymentStatusConfirmed {
		ack.TransactionStatus = payment.TransactionSuccess
	} else {
		ack.TransactionStatus = payment.TransactionFailed
	}
	return ack
}
