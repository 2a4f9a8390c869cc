package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

type paymentService interface {
	InitiatePush(ctx context.Context, req payment.PushRequest) (*payment.PushResult, error)
	CollectCash(ctx context.Context, req payment.CashRequest) (*payment.CashResult, error)
	Confirm(ctx context.Context, checkoutRequestID string) (*payment.ConfirmResult, error)
}

type PaymentHandler struct {
	payments paymentService
}

func NewPaymentHandler(payments paymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// statusResponse is the envelope the client app already understands for
// payment flows.
type statusResponse struct {
	Success           bool   `json:"success"`
	TransactionStatus string `json:"transactionStatus,omitempty"`
	Message           string `json:"message,omitempty"`
	Data              any    `json:"data"`
}

type stkPushRequest struct {
	ClientID  string          `json:"clientId"`
	InvoiceID string          `json:"invoiceId"`
	Phone     string          `json:"phone"`
	Amount    decimal.Decimal `json:"amount"`
}

func (r stkPushRequest) Validate() []FieldError {
	errs := validateInvoiceRef(r.ClientID, r.InvoiceID)

	if strings.TrimSpace(r.Phone) == "" {
		errs = append(errs, FieldError{Field: "phone", Message: "required"})
	}
	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	return errs
}

type cashRequest struct {
	ClientID  string          `json:"clientId"`
	InvoiceID string          `json:"invoiceId"`
	Amount    decimal.Decimal `json:"amount"`
}

func (r cashRequest) Validate() []FieldError {
	errs := validateInvoiceRef(r.ClientID, r.InvoiceID)

	if !r.Amount.IsPositive() {
		errs = append(errs, FieldError{Field: "amount", Message: "must be greater than 0"})
	}
	return errs
}

func validateInvoiceRef(clientID, invoiceID string) []FieldError {
	var errs []FieldError

	if clientID == "" {
		errs = append(errs, FieldError{Field: "clientId", Message: "required"})
	} else if _, err := uuid.Parse(clientID); err != nil {
		errs = append(errs, FieldError{Field: "clientId", Message: "must be a valid UUID"})
	}

	if invoiceID == "" {
		errs = append(errs, FieldError{Field: "invoiceId", Message: "required"})
	} else if _, err := uuid.Parse(invoiceID); err != nil {
		errs = append(errs, FieldError{Field: "invoiceId", Message: "must be a valid UUID"})
	}
	return errs
}

func (h *PaymentHandler) StkPush(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req stkPushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	res, err := h.payments.InitiatePush(r.Context(), payment.PushRequest{
		ClientID:  uuid.MustParse(req.ClientID),
		InvoiceID: uuid.MustParse(req.InvoiceID),
		Phone:     req.Phone,
		Amount:    req.Amount,
	})
	if err != nil {
		log.Warn("stk push failed", "invoice_id", req.InvoiceID, "error", err)
		RespondDomainError(w, err)
		return
	}

	var data any = res.Gateway
	if len(res.Gateway.Raw) > 0 {
		data = res.Gateway.Raw
	}

	RespondJSON(w, http.StatusOK, statusResponse{
		Success: true,
		Message: "STK push sent successfully",
		Data:    data,
	})
}

type confirmationDTO struct {
	CheckoutRequestID  string           `json:"checkoutRequestId"`
	ResultCode         *int             `json:"resultCode"`
	ResultDesc         string           `json:"resultDesc"`
	PaymentID          uuid.UUID        `json:"paymentId"`
	InvoiceID          uuid.UUID        `json:"invoiceId"`
	Amount             decimal.Decimal  `json:"amount"`
	Status             string           `json:"status"`
	MpesaReceiptNumber string           `json:"mpesaReceiptNumber,omitempty"`
	InvoiceStatus      string           `json:"invoiceStatus,omitempty"`
	InvoiceBalance     *decimal.Decimal `json:"invoiceBalance,omitempty"`
}

func toConfirmationDTO(res *payment.ConfirmResult) confirmationDTO {
	dto := confirmationDTO{
		CheckoutRequestID: res.CheckoutRequestID,
		ResultCode:        res.ResultCode,
		ResultDesc:        res.ResultDesc,
	}
	if p := res.Attempt; p != nil {
		dto.PaymentID = p.ID
		dto.InvoiceID = p.InvoiceID
		dto.Amount = p.Amount
		dto.Status = string(p.Status)
		if p.Status == domain.PaymentStatusConfirmed && p.Reference != res.CheckoutRequestID {
			dto.MpesaReceiptNumber = p.Reference
		}
	}
	if st := res.Settlement; st != nil && st.Invoice != nil {
		dto.InvoiceStatus = string(st.Invoice.Status())
		balance := st.Invoice.Balance()
		dto.InvoiceBalance = &balance
	}
	return dto
}

func (h *PaymentHandler) Confirmation(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	checkoutRequestID := strings.TrimSpace(r.URL.Query().Get("checkoutRequestId"))
	if checkoutRequestID == "" {
		RespondValidationError(w, []FieldError{{Field: "checkoutRequestId", Message: "required"}})
		return
	}

	res, err := h.payments.Confirm(r.Context(), checkoutRequestID)
	if err != nil {
		log.Warn("payment confirmation failed", "checkout_request_id", checkoutRequestID, "error", err)
		RespondDomainError(w, err)
		return
	}

	// success reports that the query went through; the verdict is transactionStatus.
	RespondJSON(w, http.StatusOK, statusResponse{
		Success:           true,
		TransactionStatus: res.TransactionStatus,
		Message:           res.Message,
		Data:              toConfirmationDTO(res),
	})
}

type cashDTO struct {
	PaymentID      uuid.UUID       `json:"paymentId"`
	Reference      string          `json:"reference"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	InvoiceStatus  string          `json:"invoiceStatus"`
	InvoiceBalance decimal.Decimal `json:"invoiceBalance"`
	Overpayment    decimal.Decimal `json:"overpayment"`
	OccurredAt     time.Time       `json:"occurredAt"`
}

func (h *PaymentHandler) Cash(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req cashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondAppError(w, ErrInvalidRequest, nil)
		return
	}

	if fields := req.Validate(); len(fields) > 0 {
		RespondValidationError(w, fields)
		return
	}

	res, err := h.payments.CollectCash(r.Context(), payment.CashRequest{
		ClientID:  uuid.MustParse(req.ClientID),
		InvoiceID: uuid.MustParse(req.InvoiceID),
		Amount:    req.Amount,
	})
	if err != nil {
		log.Warn("cash payment failed", "invoice_id", req.InvoiceID, "error", err)
		RespondDomainError(w, err)
		return
	}

	dto := cashDTO{
		PaymentID:      res.Attempt.ID,
		Reference:      res.Attempt.Reference,
		Amount:         res.Attempt.Amount,
		Method:         string(res.Attempt.Method),
		InvoiceStatus:  string(res.Invoice.Status()),
		InvoiceBalance: res.Invoice.Balance(),
		Overpayment:    decimal.Zero,
		OccurredAt:     res.Attempt.OccurredAt,
	}
	if res.Application != nil {
		dto.Overpayment = res.Application.Overpayment
	}

	RespondJSON(w, http.StatusCreated, statusResponse{
		Success:           true,
		TransactionStatus: payment.TransactionSuccess,
		Message:           "Cash payment recorded",
		Data:              dto,
	})
}
