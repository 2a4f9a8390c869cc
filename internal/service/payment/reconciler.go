package payment

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
)

// invoiceWriter is the only path in the service layer allowed to persist an
// invoice's paid amount, balance and status.
type invoiceWriter interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Invoice, error)
	UpdateFinancials(ctx context.Context, tx *sql.Tx, inv *domain.Invoice) error
}

type Reconciler struct {
	invoices   invoiceWriter
	defaultVAT decimal.Decimal
	now        func() time.Time
}

func NewReconciler(invoices invoiceWriter, defaultVAT decimal.Decimal) *Reconciler {
	return &Reconciler{
		invoices:   invoices,
		defaultVAT: defaultVAT,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ApplyPayment credits a confirmed payment to the invoice inside tx. Callers
// must only invoke it once the ledger holds the payment as confirmed.
func (r *Reconciler) ApplyPayment(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID, amount decimal.Decimal) (*domain.Invoice, *domain.PaymentApplication, error) {
	log := logging.FromContext(ctx)

	inv, err := r.invoices.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, nil, fmt.Errorf("ApplyPayment: %w", err)
	}

	app, err := inv.ApplyPayment(amount, r.defaultVAT, r.now())
	if err != nil {
		return inv, nil, fmt.Errorf("ApplyPayment: %w", err)
	}

	if err := r.invoices.UpdateFinancials(ctx, tx, inv); err != nil {
		return nil, nil, fmt.Errorf("ApplyPayment: %w", err)
	}

	if app.HasOverpayment() {
		log.Warn("invoice overpaid, excess recorded as credit",
			"invoice_id", inv.ID,
			"invoice_no", inv.InvoiceNo,
			"total", app.Total,
			"payment_amount", amount,
			"overpayment", app.Overpayment,
			"overpaid_total", inv.Overpaid(),
		)
	}

	log.Info("payment applied to invoice",
		"invoice_id", inv.ID,
		"amount", amount,
		"paid_amount", app.PaidAmount,
		"balance", app.Balance,
		"previous_status", app.PreviousStatus,
		"status", app.Status,
	)
	return inv, &app, nil
}

// Void cancels the invoice inside tx. Later pushes and cash collections are
// refused; a callback for a push already in flight confirms the ledger only.
func (r *Reconciler) Void(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (*domain.Invoice, error) {
	inv, err := r.invoices.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("Void: %w", err)
	}
	if err := inv.Void(r.now()); err != nil {
		return nil, fmt.Errorf("Void: %w", err)
	}
	if err := r.invoices.UpdateFinancials(ctx, tx, inv); err != nil {
		return nil, fmt.Errorf("Void: %w", err)
	}

	logging.FromContext(ctx).Info("invoice voided",
		"invoice_id", inv.ID,
		"invoice_no", inv.InvoiceNo,
		"paid_amount", inv.PaidAmount(),
		"balance", inv.Balance(),
	)
	return inv, nil
}
