package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/repository"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

var DefaultVAT = decimal.RequireFromString("0.05")

// SeedInvoice inserts an unpaid zero-VAT invoice whose total is total.
func SeedInvoice(t *testing.T, db *sql.DB, clientID uuid.UUID, total string) *domain.Invoice {
	t.Helper()

	inv := domain.NewInvoice(clientID, "INV-"+uuid.NewString()[:8], "consulting", []domain.InvoiceItem{
		{Description: "services", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.RequireFromString(total)},
	}, decimal.NewNullDecimal(decimal.Zero), DefaultVAT, time.Now().UTC())

	insertInvoice(t, db, inv)
	return inv
}

// SeedInvoiceWithItems inserts an invoice using the given items and VAT rate.
func SeedInvoiceWithItems(t *testing.T, db *sql.DB, clientID uuid.UUID, items []domain.InvoiceItem, vatRate decimal.NullDecimal) *domain.Invoice {
	t.Helper()

	inv := domain.NewInvoice(clientID, "INV-"+uuid.NewString()[:8], "", items, vatRate, DefaultVAT, time.Now().UTC())
	insertInvoice(t, db, inv)
	return inv
}

func insertInvoice(t *testing.T, db *sql.DB, inv *domain.Invoice) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	if err := repository.NewInvoiceRepository(db).Create(context.Background(), tx, inv); err != nil {
		t.Fatalf("seed invoice %s: %v", inv.InvoiceNo, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed invoice: %v", err)
	}
}

// VoidInvoice cancels an invoice through the reconciler, as an operator would.
func VoidInvoice(t *testing.T, db *sql.DB, invoiceID uuid.UUID) {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	reconciler := payment.NewReconciler(repository.NewInvoiceRepository(db), DefaultVAT)
	if _, err := reconciler.Void(context.Background(), tx, invoiceID); err != nil {
		t.Fatalf("void invoice %s: %v", invoiceID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit void invoice: %v", err)
	}
}

// SeedPendingPush inserts a pending mobile money attempt as if a push had
// been accepted by the gateway with checkoutRequestID.
func SeedPendingPush(t *testing.T, db *sql.DB, invoiceID uuid.UUID, amount, checkoutRequestID string) *domain.PaymentAttempt {
	t.Helper()

	now := time.Now().UTC()
	phone := "254712345678"
	p := &domain.PaymentAttempt{
		ID:                uuid.New(),
		InvoiceID:         invoiceID,
		Amount:            decimal.RequireFromString(amount),
		Method:            domain.PaymentMethodMobileMoney,
		Reference:         checkoutRequestID,
		CheckoutRequestID: &checkoutRequestID,
		PhoneNumber:       &phone,
		Status:            domain.PaymentStatusPending,
		OccurredAt:        now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	if err := repository.NewPaymentRepository(db).Create(context.Background(), tx, p); err != nil {
		t.Fatalf("seed pending push %s: %v", checkoutRequestID, err)
	}
	if _, err := tx.Exec(`UPDATE invoices SET correlation_token = $1 WHERE id = $2`, checkoutRequestID, invoiceID); err != nil {
		t.Fatalf("set correlation token: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed pending push: %v", err)
	}
	return p
}

// AgePayment moves a payment's created_at into the past.
func AgePayment(t *testing.T, db *sql.DB, paymentID uuid.UUID, by time.Duration) {
	t.Helper()

	_, err := db.Exec(`UPDATE payments SET created_at = created_at - $1::interval WHERE id = $2`,
		fmt.Sprintf("%d seconds", int(by.Seconds())), paymentID)
	if err != nil {
		t.Fatalf("age payment %s: %v", paymentID, err)
	}
}

func GetInvoice(t *testing.T, db *sql.DB, invoiceID uuid.UUID) *domain.Invoice {
	t.Helper()

	inv, err := repository.NewInvoiceRepository(db).GetByID(context.Background(), invoiceID)
	if err != nil {
		t.Fatalf("get invoice %s: %v", invoiceID, err)
	}
	return inv
}

func GetPaymentByCheckoutID(t *testing.T, db *sql.DB, checkoutRequestID string) *domain.PaymentAttempt {
	t.Helper()

	p, err := repository.NewPaymentRepository(db).GetByCheckoutRequestID(context.Background(), checkoutRequestID)
	if err != nil {
		t.Fatalf("get payment %s: %v", checkoutRequestID, err)
	}
	return p
}

func CountPayments(t *testing.T, db *sql.DB, invoiceID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&count)
	if err != nil {
		t.Fatalf("count payments for invoice %s: %v", invoiceID, err)
	}
	return count
}

func CountOutboxMessages(t *testing.T, db *sql.DB, aggregateID uuid.UUID) int {
	t.Helper()

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox_messages WHERE aggregate_id = $1`, aggregateID).Scan(&count)
	if err != nil {
		t.Fatalf("count outbox messages for %s: %v", aggregateID, err)
	}
	return count
}
