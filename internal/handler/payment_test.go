package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

type mockPaymentService struct {
	pushReq    payment.PushRequest
	pushRes    *payment.PushResult
	cashReq    payment.CashRequest
	cashRes    *payment.CashResult
	confirmID  string
	confirmRes *payment.ConfirmResult
	err        error
}

func (m *mockPaymentService) InitiatePush(_ context.Context, req payment.PushRequest) (*payment.PushResult, error) {
	m.pushReq = req
	return m.pushRes, m.err
}

func (m *mockPaymentService) CollectCash(_ context.Context, req payment.CashRequest) (*payment.CashResult, error) {
	m.cashReq = req
	return m.cashRes, m.err
}

func (m *mockPaymentService) Confirm(_ context.Context, checkoutRequestID string) (*payment.ConfirmResult, error) {
	m.confirmID = checkoutRequestID
	return m.confirmRes, m.err
}

type errorBody struct {
	Success bool `json:"success"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func pushBody(clientID, invoiceID uuid.UUID, phone, amount string) string {
	return `{"clientId":"` + clientID.String() + `","invoiceId":"` + invoiceID.String() +
		`","phone":"` + phone + `","amount":` + amount + `}`
}

func TestStkPush(t *testing.T) {
	clientID, invoiceID := uuid.New(), uuid.New()

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "accepted",
			body:       pushBody(clientID, invoiceID, "0712345678", "1000"),
			wantStatus: http.StatusOK,
		},
		{
			name:       "malformed json",
			body:       `{"clientId":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_REQUEST",
		},
		{
			name:       "missing fields",
			body:       `{"amount":10}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "VALIDATION_FAILED",
		},
		{
			name:       "invalid phone",
			body:       pushBody(clientID, invoiceID, "12345", "1000"),
			err:        domain.ErrInvalidPhoneFormat,
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_PHONE",
		},
		{
			name:       "unknown invoice",
			body:       pushBody(clientID, invoiceID, "0712345678", "1000"),
			err:        domain.ErrInvoiceNotFound,
			wantStatus: http.StatusNotFound,
			wantCode:   "INVOICE_NOT_FOUND",
		},
		{
			name:       "push already pending",
			body:       pushBody(clientID, invoiceID, "0712345678", "1000"),
			err:        domain.ErrDuplicateActivePush,
			wantStatus: http.StatusConflict,
			wantCode:   "PAYMENT_IN_PROGRESS",
		},
		{
			name:       "void invoice",
			body:       pushBody(clientID, invoiceID, "0712345678", "1000"),
			err:        domain.ErrInvoiceVoid,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   "INVOICE_VOID",
		},
		{
			name: "gateway rejection carries gateway message",
			body: pushBody(clientID, invoiceID, "0712345678", "1000"),
			err: &mpesa.UpstreamError{
				Kind: domain.ErrUpstreamRejected, StatusCode: 400, Code: "400.002.02", Message: "Bad Request - Invalid Amount",
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "GATEWAY_REJECTED",
			wantMsg:    "Bad Request - Invalid Amount",
		},
		{
			name:       "gateway unavailable",
			body:       pushBody(clientID, invoiceID, "0712345678", "1000"),
			err:        &mpesa.UpstreamError{Kind: domain.ErrUpstreamUnavailable, Message: "request timed out"},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "GATEWAY_UNAVAILABLE",
			wantMsg:    "request timed out",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &mockPaymentService{err: tc.err}
			if tc.err == nil {
				svc.pushRes = &payment.PushResult{
					Attempt: &domain.PaymentAttempt{ID: uuid.New()},
					Gateway: &mpesa.PushResponse{
						CheckoutRequestID: "ws_CO_1",
						Raw:               json.RawMessage(`{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`),
					},
				}
			}
			h := NewPaymentHandler(svc)

			req := httptest.NewRequest(http.MethodPost, "/api/payment/stk-push", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.StkPush(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantCode != "" {
				body := decodeError(t, rec)
				assert.False(t, body.Success)
				assert.Equal(t, tc.wantCode, body.Error.Code)
				if tc.wantMsg != "" {
					assert.Equal(t, tc.wantMsg, body.Error.Message)
				}
				return
			}

			var body struct {
				Success bool            `json:"success"`
				Message string          `json:"message"`
				Data    json.RawMessage `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.True(t, body.Success)
			assert.JSONEq(t, `{"CheckoutRequestID":"ws_CO_1","ResponseCode":"0"}`, string(body.Data))
			assert.Equal(t, clientID, svc.pushReq.ClientID)
			assert.Equal(t, invoiceID, svc.pushReq.InvoiceID)
			assert.True(t, svc.pushReq.Amount.Equal(decimal.NewFromInt(1000)))
		})
	}
}

func TestConfirmation(t *testing.T) {
	t.Run("missing checkoutRequestId", func(t *testing.T) {
		h := NewPaymentHandler(&mockPaymentService{})
		rec := httptest.NewRecorder()
		h.Confirmation(rec, httptest.NewRequest(http.MethodPost, "/api/payment/confirmation", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_FAILED", decodeError(t, rec).Error.Code)
	})

	t.Run("unknown token", func(t *testing.T) {
		h := NewPaymentHandler(&mockPaymentService{err: domain.ErrPaymentNotFound})
		rec := httptest.NewRecorder()
		h.Confirmation(rec, httptest.NewRequest(http.MethodPost, "/api/payment/confirmation?checkoutRequestId=ws_CO_X", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "PAYMENT_NOT_FOUND", decodeError(t, rec).Error.Code)
	})

	tests := []struct {
		name       string
		result     *payment.ConfirmResult
		wantStatus string
	}{
		{
			name: "success",
			result: &payment.ConfirmResult{
				TransactionStatus: payment.TransactionSuccess,
				Message:           "Transaction completed successfully",
				Attempt:           &domain.PaymentAttempt{ID: uuid.New(), Status: domain.PaymentStatusConfirmed, Reference: "RCPT123"},
			},
			wantStatus: "Success",
		},
		{
			name: "pending",
			result: &payment.ConfirmResult{
				TransactionStatus: payment.TransactionPending,
				Message:           "Transaction is being processed",
				Attempt:           &domain.PaymentAttempt{ID: uuid.New(), Status: domain.PaymentStatusPending},
			},
			wantStatus: "Pending",
		},
		{
			name: "failed",
			result: &payment.ConfirmResult{
				TransactionStatus: payment.TransactionFailed,
				Message:           "Transaction failed: Request cancelled by user",
				Attempt:           &domain.PaymentAttempt{ID: uuid.New(), Status: domain.PaymentStatusFailed},
			},
			wantStatus: "Failed",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.result.CheckoutRequestID = "ws_CO_1"
			svc := &mockPaymentService{confirmRes: tc.result}
			h := NewPaymentHandler(svc)

			rec := httptest.NewRecorder()
			h.Confirmation(rec, httptest.NewRequest(http.MethodPost, "/api/payment/confirmation?checkoutRequestId=ws_CO_1", nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "ws_CO_1", svc.confirmID)

			var body struct {
				Success           bool            `json:"success"`
				TransactionStatus string          `json:"transactionStatus"`
				Message           string          `json:"message"`
				Data              confirmationDTO `json:"data"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.True(t, body.Success, "a completed query is a successful call whatever the outcome")
			assert.Equal(t, tc.wantStatus, body.TransactionStatus)
			assert.Equal(t, tc.result.Message, body.Message)
			assert.Equal(t, "ws_CO_1", body.Data.CheckoutRequestID)
		})
	}
}

func TestCash(t *testing.T) {
	clientID, invoiceID := uuid.New(), uuid.New()

	t.Run("recorded", func(t *testing.T) {
		inv := domain.RehydrateInvoice(domain.Invoice{ID: invoiceID, ClientID: clientID}, domain.InvoiceFinancials{
			PaidAmount: decimal.NewFromInt(250),
			Balance:    decimal.NewFromInt(750),
			Status:     domain.InvoiceStatusPartiallyPaid,
		})
		svc := &mockPaymentService{cashRes: &payment.CashResult{
			Attempt: &domain.PaymentAttempt{
				ID:         uuid.New(),
				Reference:  "CASH-abc",
				Amount:     decimal.NewFromInt(250),
				Method:     domain.PaymentMethodCash,
				Status:     domain.PaymentStatusConfirmed,
				OccurredAt: time.Now().UTC(),
			},
			Invoice: inv,
		}}
		h := NewPaymentHandler(svc)

		body := `{"clientId":"` + clientID.String() + `","invoiceId":"` + invoiceID.String() + `","amount":"250"}`
		rec := httptest.NewRecorder()
		h.Cash(rec, httptest.NewRequest(http.MethodPost, "/api/payment/cash", strings.NewReader(body)))

		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			Success           bool    `json:"success"`
			TransactionStatus string  `json:"transactionStatus"`
			Data              cashDTO `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "Success", resp.TransactionStatus)
		assert.Equal(t, "CASH-abc", resp.Data.Reference)
		assert.Equal(t, "cash", resp.Data.Method)
		assert.Equal(t, "partially_paid", resp.Data.InvoiceStatus)
		assert.True(t, resp.Data.InvoiceBalance.Equal(decimal.NewFromInt(750)))
		assert.Equal(t, invoiceID, svc.cashReq.InvoiceID)
	})

	t.Run("invalid invoice id", func(t *testing.T) {
		h := NewPaymentHandler(&mockPaymentService{})
		rec := httptest.NewRecorder()
		h.Cash(rec, httptest.NewRequest(http.MethodPost, "/api/payment/cash",
			strings.NewReader(`{"clientId":"`+clientID.String()+`","invoiceId":"nope","amount":10}`)))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_FAILED", decodeError(t, rec).Error.Code)
	})

	t.Run("paid invoice", func(t *testing.T) {
		h := NewPaymentHandler(&mockPaymentService{err: domain.ErrInvoiceSettled})
		rec := httptest.NewRecorder()
		h.Cash(rec, httptest.NewRequest(http.MethodPost, "/api/payment/cash",
			strings.NewReader(`{"clientId":"`+clientID.String()+`","invoiceId":"`+invoiceID.String()+`","amount":10}`)))

		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		assert.Equal(t, "INVOICE_ALREADY_PAID", decodeError(t, rec).Error.Code)
	})
}
