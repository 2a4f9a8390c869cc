package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type InvoiceStatus string

const (
	InvoiceStatusUnpaid        InvoiceStatus = "unpaid"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
)

type InvoiceItem struct {
	Description string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
}

// InvoiceFinancials is the payment-derived state of an invoice. It is only
// changed through Invoice.ApplyPayment; persistence adapters read it back with
// Financials and restore it with RehydrateInvoice.
type InvoiceFinancials struct {
	PaidAmount  decimal.Decimal
	Balance     decimal.Decimal
	Status      InvoiceStatus
	PaymentDate *time.Time
	Overpaid    decimal.Decimal
}

type Invoice struct {
	ID               uuid.UUID
	InvoiceNo        string
	ClientID         uuid.UUID
	Description      string
	Items            []InvoiceItem
	VATRate          decimal.NullDecimal
	CorrelationToken *string
	CreatedAt        time.Time
	UpdatedAt        time.Time

	fin InvoiceFinancials
}

// NewInvoice builds an unpaid invoice whose balance is its full total.
func NewInvoice(clientID uuid.UUID, invoiceNo, description string, items []InvoiceItem, vatRate decimal.NullDecimal, defaultVAT decimal.Decimal, now time.Time) *Invoice {
	inv := &Invoice{
		ID:          uuid.New(),
		InvoiceNo:   invoiceNo,
		ClientID:    clientID,
		Description: description,
		Items:       items,
		VATRate:     vatRate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	inv.fin = InvoiceFinancials{
		PaidAmount: decimal.Zero,
		Balance:    inv.Total(defaultVAT),
		Status:     InvoiceStatusUnpaid,
		Overpaid:   decimal.Zero,
	}
	return inv
}

func RehydrateInvoice(inv Invoice, fin InvoiceFinancials) *Invoice {
	inv.fin = fin
	return &inv
}

func (i *Invoice) Financials() InvoiceFinancials { return i.fin }
func (i *Invoice) PaidAmount() decimal.Decimal    { return i.fin.PaidAmount }
func (i *Invoice) Balance() decimal.Decimal       { return i.fin.Balance }
func (i *Invoice) Status() InvoiceStatus          { return i.fin.Status }
func (i *Invoice) PaymentDate() *time.Time        { return i.fin.PaymentDate }
func (i *Invoice) Overpaid() decimal.Decimal      { return i.fin.Overpaid }

func (i *Invoice) Subtotal() decimal.Decimal {
	sum := decimal.Zero
	for _, item := range i.Items {
		sum = sum.Add(item.Quantity.Mul(item.UnitPrice))
	}
	return sum
}

func (i *Invoice) EffectiveVATRate(defaultVAT decimal.Decimal) decimal.Decimal {
	if i.VATRate.Valid {
		return i.VATRate.Decimal
	}
	return defaultVAT
}

// Total is the subtotal plus VAT, with VAT and total each rounded to cents.
func (i *Invoice) Total(defaultVAT decimal.Decimal) decimal.Decimal {
	subtotal := i.Subtotal()
	vat := subtotal.Mul(i.EffectiveVATRate(defaultVAT)).Round(2)
	return subtotal.Add(vat).Round(2)
}

// CheckPayable reports whether a new payment may be started against the invoice.
func (i *Invoice) CheckPayable() error {
	switch i.fin.Status {
	case InvoiceStatusVoid:
		return ErrInvoiceVoid
	case InvoiceStatusPaid:
		return ErrInvoiceSettled
	}
	return nil
}

// Void cancels the invoice. Paid amount, balance and overpayment are kept so
// the record still shows what was collected before cancellation.
func (i *Invoice) Void(now time.Time) error {
	if i.fin.Status == InvoiceStatusVoid {
		return fmt.Errorf("Void: %w", ErrInvoiceVoid)
	}
	i.fin.Status = InvoiceStatusVoid
	i.UpdatedAt = now
	return nil
}

type PaymentApplication struct {
	Total          decimal.Decimal
	Applied        decimal.Decimal
	Overpayment    decimal.Decimal
	PaidAmount     decimal.Decimal
	Balance        decimal.Decimal
	Status         InvoiceStatus
	PreviousStatus InvoiceStatus
}

func (a PaymentApplication) HasOverpayment() bool {
	return a.Overpayment.IsPositive()
}

// ApplyPayment credits amount to the invoice. Paid amount never exceeds the
// total; any excess is returned as Overpayment and accumulated in Overpaid.
func (i *Invoice) ApplyPayment(amount, defaultVAT decimal.Decimal, now time.Time) (PaymentApplication, error) {
	if i.fin.Status == InvoiceStatusVoid {
		return PaymentApplication{}, fmt.Errorf("ApplyPayment: %w", ErrInvoiceVoid)
	}
	if !amount.IsPositive() {
		return PaymentApplication{}, fmt.Errorf("ApplyPayment: %w", ErrInvalidAmount)
	}

	total := i.Total(defaultVAT)
	prev := i.fin.Status
	newPaid := i.fin.PaidAmount.Add(amount)

	app := PaymentApplication{Total: total, PreviousStatus: prev, Overpayment: decimal.Zero}

	if newPaid.GreaterThanOrEqual(total) {
		app.Overpayment = newPaid.Sub(total)
		i.fin.PaidAmount = total
		i.fin.Balance = decimal.Zero
		i.fin.Status = InvoiceStatusPaid
	} else {
		i.fin.PaidAmount = newPaid
		i.fin.Balance = total.Sub(newPaid)
		i.fin.Status = InvoiceStatusPartiallyPaid
	}
	i.fin.Overpaid = i.fin.Overpaid.Add(app.Overpayment)

	paidAt := now
	i.fin.PaymentDate = &paidAt
	i.UpdatedAt = now

	app.Applied = amount.Sub(app.Overpayment)
	app.PaidAmount = i.fin.PaidAmount
	app.Balance = i.fin.Balance
	app.Status = i.fin.Status
	return app, nil
}
