package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
)

type ledgerRepo interface {
	Create(ctx context.Context, tx *sql.Tx, p *domain.PaymentAttempt) error
	HasPendingPush(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (bool, error)
	GetByCheckoutRequestIDForUpdate(ctx context.Context, tx *sql.Tx, checkoutRequestID string) (*domain.PaymentAttempt, error)
	UpdateResolution(ctx context.Context, tx *sql.Tx, p *domain.PaymentAttempt) error
}

// Ledger records payment attempts against invoices. Every method runs inside
// the caller's transaction.
type Ledger struct {
	payments ledgerRepo
	now      func() time.Time
}

func NewLedger(payments ledgerRepo) *Ledger {
	return &Ledger{payments: payments, now: func() time.Time { return time.Now().UTC() }}
}

func (l *Ledger) HasActivePush(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (bool, error) {
	active, err := l.payments.HasPendingPush(ctx, tx, invoiceID)
	if err != nil {
		return false, fmt.Errorf("HasActivePush: %w", err)
	}
	return active, nil
}

// RecordPendingPush stores a mobile money attempt awaiting the gateway's
// verdict. Only one may be outstanding per invoice.
func (l *Ledger) RecordPendingPush(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID, amount decimal.Decimal, checkoutRequestID, phone string) (*domain.PaymentAttempt, error) {
	active, err := l.payments.HasPendingPush(ctx, tx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("RecordPendingPush: %w", err)
	}
	if active {
		return nil, fmt.Errorf("RecordPendingPush: %w", domain.ErrDuplicateActivePush)
	}

	now := l.now()
	token := checkoutRequestID
	p := &domain.PaymentAttempt{
		ID:                uuid.New(),
		InvoiceID:         invoiceID,
		Amount:            amount,
		Method:            domain.PaymentMethodMobileMoney,
		Reference:         checkoutRequestID,
		CheckoutRequestID: &token,
		Status:            domain.PaymentStatusPending,
		OccurredAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if phone != "" {
		p.PhoneNumber = &phone
	}

	if err := l.payments.Create(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("RecordPendingPush: %w", err)
	}
	return p, nil
}

// RecordCashCollection stores money already in hand as a confirmed attempt
// with a generated reference.
func (l *Ledger) RecordCashCollection(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID, amount decimal.Decimal) (*domain.PaymentAttempt, error) {
	now := l.now()
	p := &domain.PaymentAttempt{
		ID:         uuid.New(),
		InvoiceID:  invoiceID,
		Amount:     amount,
		Method:     domain.PaymentMethodCash,
		Reference:  "CASH-" + uuid.NewString(),
		Status:     domain.PaymentStatusConfirmed,
		OccurredAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
		ResolvedAt: &now,
	}

	if err := l.payments.Create(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("RecordCashCollection: %w", err)
	}
	return p, nil
}

type Resolution struct {
	Attempt *domain.PaymentAttempt
	// Transitioned is false when the attempt was already terminal.
	Transitioned bool
}

// Resolve moves the pending attempt for outcome's correlation token to
// confirmed or failed. A confirmed attempt takes the receipt number as its
// reference. Resolving an attempt that is already terminal changes nothing
// and returns its stored state.
func (l *Ledger) Resolve(ctx context.Context, tx *sql.Tx, outcome domain.Outcome) (*Resolution, error) {
	if !outcome.Status.IsTerminal() {
		return nil, fmt.Errorf("Resolve: outcome status %q: %w", outcome.Status, domain.ErrInvalidRequest)
	}

	p, err := l.payments.GetByCheckoutRequestIDForUpdate(ctx, tx, outcome.CheckoutRequestID)
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			return nil, fmt.Errorf("Resolve: %w", domain.ErrUnknownCorrelationToken)
		}
		return nil, fmt.Errorf("Resolve: %w", err)
	}

	if p.Status.IsTerminal() {
		return &Resolution{Attempt: p, Transitioned: false}, nil
	}

	now := l.now()
	code := outcome.ResultCode
	desc := outcome.ResultDesc
	p.Status = outcome.Status
	p.ResultCode = &code
	p.ResultDesc = &desc
	p.ResolvedAt = &now
	p.UpdatedAt = now
	if outcome.Status == domain.PaymentStatusConfirmed && outcome.ReceiptNumber != "" {
		p.Reference = outcome.ReceiptNumber
	}
	if outcome.PhoneNumber != "" {
		phone := outcome.PhoneNumber
		p.PhoneNumber = &phone
	}

	if err := l.payments.UpdateResolution(ctx, tx, p); err != nil {
		return nil, fmt.Errorf("Resolve: %w", err)
	}
	return &Resolution{Attempt: p, Transitioned: true}, nil
}
