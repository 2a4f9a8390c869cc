package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/outbox"
)

type correlationClearer interface {
	SetCorrelationToken(ctx context.Context, tx *sql.Tx, id uuid.UUID, token *string) error
}

type outboxWriter interface {
	Create(ctx context.Context, tx *sql.Tx, msg *domain.OutboxMessage) error
}

// Settlement is the result of settling one gateway outcome.
type Settlement struct {
	Attempt      *domain.PaymentAttempt
	Transitioned bool
	Invoice      *domain.Invoice
	Application  *domain.PaymentApplication
	// InvoiceVoid is set when the payment was confirmed against an invoice
	// that had been voided in the meantime; the invoice was left untouched.
	InvoiceVoid bool
}

// Settler applies a final gateway outcome to the ledger and, when the payment
// is newly confirmed, to the invoice, in a single transaction.
type Settler struct {
	db         *sql.DB
	ledger     *Ledger
	reconciler *Reconciler
	invoices   correlationClearer
	outbox     outboxWriter
}

// NewSettler builds a Settler. outbox may be nil to disable event publication.
func NewSettler(db *sql.DB, ledger *Ledger, reconciler *Reconciler, invoices correlationClearer, outbox outboxWriter) *Settler {
	return &Settler{
		db:         db,
		ledger:     ledger,
		reconciler: reconciler,
		invoices:   invoices,
		outbox:     outbox,
	}
}

// Settle resolves the attempt behind outcome.CheckoutRequestID. It returns
// domain.ErrUnknownCorrelationToken when no attempt exists for the token.
// Any other error leaves the database unchanged so the outcome can be replayed.
func (s *Settler) Settle(ctx context.Context, outcome domain.Outcome) (*Settlement, error) {
	ctx, log := logging.With(ctx, "checkout_request_id", outcome.CheckoutRequestID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Settle: begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := s.ledger.Resolve(ctx, tx, outcome)
	if err != nil {
		return nil, fmt.Errorf("Settle: %w", err)
	}

	st := &Settlement{Attempt: res.Attempt, Transitioned: res.Transitioned}
	if !res.Transitioned {
		log.Info("payment already resolved, nothing to settle",
			"payment_id", res.Attempt.ID,
			"payment_status", res.Attempt.Status,
		)
		return st, nil
	}

	p := res.Attempt
	if p.Status == domain.PaymentStatusConfirmed {
		amount := p.Amount
		if outcome.Amount.Valid {
			if !outcome.Amount.Decimal.Equal(p.Amount) {
				log.Warn("gateway amount differs from requested amount",
					"payment_id", p.ID,
					"requested", p.Amount,
					"received", outcome.Amount.Decimal,
				)
			}
			amount = outcome.Amount.Decimal
		}

		inv, app, err := s.reconciler.ApplyPayment(ctx, tx, p.InvoiceID, amount)
		switch {
		case errors.Is(err, domain.ErrInvoiceVoid):
			log.Error("payment confirmed against a void invoice, invoice left unchanged",
				"payment_id", p.ID,
				"invoice_id", p.InvoiceID,
				"amount", amount,
				"receipt", p.Reference,
			)
			st.InvoiceVoid = true
		case err != nil:
			return nil, fmt.Errorf("Settle: %w", err)
		default:
			st.Invoice = inv
			st.Application = app
		}
	}

	if err := s.invoices.SetCorrelationToken(ctx, tx, p.InvoiceID, nil); err != nil {
		return nil, fmt.Errorf("Settle: %w", err)
	}

	if s.outbox != nil {
		msg, err := outbox.NewPaymentResolvedMessage(p, st.Invoice, time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("Settle: %w", err)
		}
		if err := s.outbox.Create(ctx, tx, msg); err != nil {
			return nil, fmt.Errorf("Settle: outbox: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Settle: commit: %w", err)
	}

	log.Info("payment resolved",
		"payment_id", p.ID,
		"invoice_id", p.InvoiceID,
		"payment_status", p.Status,
		"result_code", outcome.ResultCode,
		"reference", p.Reference,
	)
	return st, nil
}
