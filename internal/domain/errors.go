package domain

import "errors"

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrInvalidPhoneFormat      = errors.New("phone number must be in the format 2547XXXXXXXX or 2541XXXXXXXX")
	ErrInvoiceNotFound         = errors.New("invoice not found")
	ErrInvoiceVoid             = errors.New("invoice is void")
	ErrInvoiceSettled          = errors.New("invoice is already paid")
	ErrDuplicateActivePush     = errors.New("invoice already has a pending mobile money payment")
	ErrUnknownCorrelationToken = errors.New("no pending payment for correlation token")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrDuplicateCallback       = errors.New("callback already received")

	ErrUpstreamAuth        = errors.New("payment gateway authentication failed")
	ErrUpstreamUnavailable = errors.New("payment gateway unavailable")
	ErrUpstreamRejected    = errors.New("payment gateway rejected the request")

	ErrMalformedCallback = errors.New("invalid callback data")
	ErrMissingMetadata   = errors.New("callback metadata item missing")
)
