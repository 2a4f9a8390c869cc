package handler

import "net/http"

type AppError struct {
	Status  int
	Code    string
	Message string
}

func (e *AppError) Error() string { return e.Message }

var (
	ErrMissingToken     = &AppError{http.StatusUnauthorized, "MISSING_TOKEN", "Authorization header required"}
	ErrInvalidToken     = &AppError{http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired"}
	ErrForbidden        = &AppError{http.StatusForbidden, "FORBIDDEN", "Not allowed for this user"}
	ErrInvalidRequest   = &AppError{http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body"}
	ErrValidationFailed = &AppError{http.StatusBadRequest, "VALIDATION_FAILED", "Validation failed"}
	ErrResourceNotFound = &AppError{http.StatusNotFound, "RESOURCE_NOT_FOUND", "Resource not found"}
	ErrInternalError    = &AppError{http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred"}

	ErrIdempotencyConflict = &AppError{http.StatusConflict, "IDEMPOTENCY_CONFLICT", "Idempotency key already used with a different request"}

	ErrInvalidAmount       = &AppError{http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be greater than zero with at most two decimal places"}
	ErrInvalidPhone        = &AppError{http.StatusBadRequest, "INVALID_PHONE", "Invalid phone number format. Use 2547XXXXXXXX or 2541XXXXXXXX"}
	ErrInvoiceNotFound     = &AppError{http.StatusNotFound, "INVOICE_NOT_FOUND", "Invoice not found for this client"}
	ErrInvoiceVoid         = &AppError{http.StatusUnprocessableEntity, "INVOICE_VOID", "Invoice is void"}
	ErrInvoiceSettled      = &AppError{http.StatusUnprocessableEntity, "INVOICE_ALREADY_PAID", "Invoice is already paid"}
	ErrDuplicateActivePush = &AppError{http.StatusConflict, "PAYMENT_IN_PROGRESS", "A mobile money payment for this invoice is already pending"}
	ErrPaymentNotFound     = &AppError{http.StatusNotFound, "PAYMENT_NOT_FOUND", "No payment found for this checkout request"}

	ErrUpstreamAuth        = &AppError{http.StatusBadGateway, "GATEWAY_AUTH_FAILED", "Failed to authenticate with M-Pesa"}
	ErrUpstreamRejected    = &AppError{http.StatusBadGateway, "GATEWAY_REJECTED", "M-Pesa rejected the request"}
	ErrUpstreamUnavailable = &AppError{http.StatusServiceUnavailable, "GATEWAY_UNAVAILABLE", "M-Pesa is unavailable, please retry"}
)
