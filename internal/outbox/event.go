package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
)

// PaymentResolved is published once a payment attempt reaches a terminal state.
type PaymentResolved struct {
	PaymentID         uuid.UUID            `json:"payment_id"`
	InvoiceID         uuid.UUID            `json:"invoice_id"`
	Method            domain.PaymentMethod `json:"method"`
	CheckoutRequestID string               `json:"checkout_request_id,omitempty"`
	Status            domain.PaymentStatus `json:"status"`
	Amount            decimal.Decimal      `json:"amount"`
	Receipt           string               `json:"receipt,omitempty"`
	ResultCode        *int                 `json:"result_code,omitempty"`
	InvoiceStatus     domain.InvoiceStatus `json:"invoice_status,omitempty"`
	InvoiceBalance    *decimal.Decimal     `json:"invoice_balance,omitempty"`
	Overpaid          *decimal.Decimal     `json:"overpaid,omitempty"`
	OccurredAt        time.Time            `json:"occurred_at"`
}

// NewPaymentResolvedMessage builds the outbox row for a resolved attempt.
// inv may be nil when the invoice was not touched (failed payments).
func NewPaymentResolvedMessage(p *domain.PaymentAttempt, inv *domain.Invoice, now time.Time) (*domain.OutboxMessage, error) {
	ev := PaymentResolved{
		PaymentID:  p.ID,
		InvoiceID:  p.InvoiceID,
		Method:     p.Method,
		Status:     p.Status,
		Amount:     p.Amount,
		ResultCode: p.ResultCode,
		OccurredAt: now,
	}
	if p.CheckoutRequestID != nil {
		ev.CheckoutRequestID = *p.CheckoutRequestID
	}
	if p.Status == domain.PaymentStatusConfirmed {
		ev.Receipt = p.Reference
	}
	if inv != nil {
		balance := inv.Balance()
		overpaid := inv.Overpaid()
		ev.InvoiceStatus = inv.Status()
		ev.InvoiceBalance = &balance
		ev.Overpaid = &overpaid
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("NewPaymentResolvedMessage: %w", err)
	}

	return &domain.OutboxMessage{
		ID:          uuid.New(),
		AggregateID: p.InvoiceID,
		MessageType: domain.MessageTypePaymentResolved,
		Key:         p.InvoiceID.String(),
		Payload:     payload,
		Status:      domain.OutboxStatusPending,
		CreatedAt:   now,
	}, nil
}
