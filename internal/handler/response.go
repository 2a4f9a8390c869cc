package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/mpesa"
)

type APIResponse struct {
	Success bool      `json:"success"`
	Data    any       `json:"data"`
	Error   *APIError `json:"error"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func RespondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func RespondAppError(w http.ResponseWriter, appErr *AppError, details any) {
	RespondJSON(w, appErr.Status, APIResponse{
		Success: false,
		Data:    nil,
		Error: &APIError{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: details,
		},
	})
}

func RespondValidationError(w http.ResponseWriter, fields []FieldError) {
	RespondAppError(w, ErrValidationFailed, fields)
}

func RespondDomainError(w http.ResponseWriter, err error) {
	var appErr *AppError

	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		appErr = ErrInvalidAmount
	case errors.Is(err, domain.ErrInvalidPhoneFormat):
		appErr = ErrInvalidPhone
	case errors.Is(err, domain.ErrInvoiceNotFound):
		appErr = ErrInvoiceNotFound
	case errors.Is(err, domain.ErrInvoiceVoid):
		appErr = ErrInvoiceVoid
	case errors.Is(err, domain.ErrInvoiceSettled):
		appErr = ErrInvoiceSettled
	case errors.Is(err, domain.ErrDuplicateActivePush):
		appErr = ErrDuplicateActivePush
	case errors.Is(err, domain.ErrPaymentNotFound):
		appErr = ErrPaymentNotFound
	case errors.Is(err, domain.ErrNotFound):
		appErr = ErrResourceNotFound
	case errors.Is(err, domain.ErrInvalidRequest):
		appErr = ErrInvalidRequest
	case errors.Is(err, domain.ErrUpstreamAuth):
		appErr = upstreamError(ErrUpstreamAuth, err)
	case errors.Is(err, domain.ErrUpstreamRejected):
		appErr = upstreamError(ErrUpstreamRejected, err)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		appErr = upstreamError(ErrUpstreamUnavailable, err)
	default:
		slog.Error("unhandled domain error", "error", err)
		appErr = ErrInternalError
	}

	RespondAppError(w, appErr, nil)
}

// upstreamError keeps the status and code of base but surfaces the gateway's
// own message when it sent one.
func upstreamError(base *AppError, err error) *AppError {
	var ue *mpesa.UpstreamError
	if !errors.As(err, &ue) || ue.Message == "" {
		return base
	}
	return &AppError{Status: base.Status, Code: base.Code, Message: ue.Message}
}
