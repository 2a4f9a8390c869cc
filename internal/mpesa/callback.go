package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
)

type CallbackEnvelope struct {
	Body *struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

type StkCallback struct {
	MerchantRequestID string     `json:"MerchantRequestID"`
	CheckoutRequestID string     `json:"CheckoutRequestID"`
	ResultCode        ResultCode `json:"ResultCode"`
	ResultDesc        string     `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item Metadata `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

type Metadata []MetadataItem

func (m Metadata) raw(name string) (json.RawMessage, bool) {
	for _, item := range m {
		if item.Name == name && len(item.Value) > 0 && !bytes.Equal(item.Value, []byte("null")) {
			return item.Value, true
		}
	}
	return nil, false
}

// String returns the named item as text. Numeric values are returned in their
// literal form, so phone numbers sent as numbers keep every digit.
func (m Metadata) String(name string) (string, error) {
	v, ok := m.raw(name)
	if !ok {
		return "", fmt.Errorf("Metadata.String %s: %w", name, domain.ErrMissingMetadata)
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	return strings.TrimSpace(string(v)), nil
}

func (m Metadata) Decimal(name string) (decimal.Decimal, error) {
	s, err := m.String(name)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Metadata.Decimal: %w", err)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Metadata.Decimal %s: %w", name, err)
	}
	return d, nil
}

// Callback is a parsed STK push result notification.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            decimal.NullDecimal
	PhoneNumber       string
	TransactionDate   string
}

func (c Callback) Succeeded() bool { return c.ResultCode == ResultSuccess }

// Outcome converts the callback into the ledger's verdict.
func (c Callback) Outcome() domain.Outcome {
	status := domain.PaymentStatusFailed
	if c.Succeeded() {
		status = domain.PaymentStatusConfirmed
	}
	return domain.Outcome{
		CheckoutRequestID: c.CheckoutRequestID,
		Status:            status,
		ResultCode:        c.ResultCode,
		ResultDesc:        c.ResultDesc,
		ReceiptNumber:     c.ReceiptNumber,
		Amount:            c.Amount,
		PhoneNumber:       c.PhoneNumber,
	}
}

// ParseCallback validates the nested Body.stkCallback structure. A successful
// result without a receipt number or amount is treated as malformed.
func ParseCallback(body []byte) (Callback, error) {
	var env CallbackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Callback{}, fmt.Errorf("ParseCallback: %w: %v", domain.ErrMalformedCallback, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return Callback{}, fmt.Errorf("ParseCallback: %w: missing Body.stkCallback", domain.ErrMalformedCallback)
	}

	stk := env.Body.StkCallback
	if strings.TrimSpace(stk.CheckoutRequestID) == "" {
		return Callback{}, fmt.Errorf("ParseCallback: %w: missing CheckoutRequestID", domain.ErrMalformedCallback)
	}

	cb := Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        int(stk.ResultCode),
		ResultDesc:        stk.ResultDesc,
	}

	var meta Metadata
	if stk.CallbackMetadata != nil {
		meta = stk.CallbackMetadata.Item
	}

	if !cb.Succeeded() {
		return cb, nil
	}

	receipt, err := meta.String("MpesaReceiptNumber")
	if err != nil {
		return Callback{}, fmt.Errorf("ParseCallback: %w: %v", domain.ErrMalformedCallback, err)
	}
	amount, err := meta.Decimal("Amount")
	if err != nil {
		return Callback{}, fmt.Errorf("ParseCallback: %w: %v", domain.ErrMalformedCallback, err)
	}
	cb.ReceiptNumber = receipt
	cb.Amount = decimal.NewNullDecimal(amount)

	if phone, err := meta.String("PhoneNumber"); err == nil {
		cb.PhoneNumber = phone
	}
	if date, err := meta.String("TransactionDate"); err == nil {
		cb.TransactionDate = date
	}
	return cb, nil
}
