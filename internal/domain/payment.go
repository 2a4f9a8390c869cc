package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentMethod string

const (
	PaymentMethodCash        PaymentMethod = "cash"
	PaymentMethodMobileMoney PaymentMethod = "mobile_money"
	PaymentMethodCard        PaymentMethod = "card"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed
}

// PaymentAttempt is one row of the payment ledger.
//
// Reference starts as the gateway's CheckoutRequestID for mobile money and is
// replaced by the M-Pesa receipt once confirmed. CheckoutRequestID keeps the
// original correlation token so redelivered callbacks still find the attempt.
type PaymentAttempt struct {
	ID                uuid.UUID
	InvoiceID         uuid.UUID
	Amount            decimal.Decimal
	Method            PaymentMethod
	Reference         string
	CheckoutRequestID *string
	PhoneNumber       *string
	Status            PaymentStatus
	ResultCode        *int
	ResultDesc        *string
	OccurredAt        time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// Outcome is a gateway verdict for one correlation token, from a callback or a status query.
type Outcome struct {
	CheckoutRequestID string
	Status            PaymentStatus
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            decimal.NullDecimal
	PhoneNumber       string
}
