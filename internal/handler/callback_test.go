package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/realtime"
	"github.com/siretech/backoffice-payments/internal/service"
)

type mockDispatcher struct {
	calls int
	raw   []byte
	cb    mpesa.Callback
	ack   service.Acknowledgement
}

func (m *mockDispatcher) Dispatch(_ context.Context, raw []byte, cb mpesa.Callback) service.Acknowledgement {
	m.calls++
	m.raw = raw
	m.cb = cb
	return m.ack
}

const successCallback = `{"Body":{"stkCallback":{
	"MerchantRequestID":"29115-34620561-1",
	"CheckoutRequestID":"ws_CO_191220191020363925",
	"ResultCode":0,
	"ResultDesc":"The service request is processed successfully.",
	"CallbackMetadata":{"Item":[
		{"Name":"Amount","Value":1000},
		{"Name":"MpesaReceiptNumber","Value":"NLJ7RT61SV"},
		{"Name":"TransactionDate","Value":20191219102115},
		{"Name":"PhoneNumber","Value":254708374149}
	]}}}}`

const cancelledCallback = `{"Body":{"stkCallback":{
	"MerchantRequestID":"29115-34620561-1",
	"CheckoutRequestID":"ws_CO_191220191020363926",
	"ResultCode":1032,
	"ResultDesc":"Request cancelled by user"}}}`

func TestMpesaCallback(t *testing.T) {
	tests := []struct {
		name         string
		body         string
		wantStatus   int
		wantDispatch bool
		wantToken    string
	}{
		{
			name:         "successful payment",
			body:         successCallback,
			wantStatus:   http.StatusOK,
			wantDispatch: true,
			wantToken:    "ws_CO_191220191020363925",
		},
		{
			name:         "cancelled payment",
			body:         cancelledCallback,
			wantStatus:   http.StatusOK,
			wantDispatch: true,
			wantToken:    "ws_CO_191220191020363926",
		},
		{
			name:       "not json",
			body:       `not-json`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing stkCallback",
			body:       `{"Body":{}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "success without receipt",
			body:       `{"Body":{"stkCallback":{"CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok","CallbackMetadata":{"Item":[{"Name":"Amount","Value":10}]}}}}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &mockDispatcher{ack: service.Acknowledgement{
				Success:           true,
				TransactionStatus: "Success",
				Message:           "M-Pesa payment was successful.",
				Data:              realtime.PaymentStatusData{CheckoutRequestID: tc.wantToken},
			}}
			h := NewCallbackHandler(d)

			req := httptest.NewRequest(http.MethodPost, "/api/payment/mpesa-callback", strings.NewReader(tc.body))
			rec := httptest.NewRecorder()
			h.MpesaCallback(rec, req)

			assert.Equal(t, tc.wantStatus, rec.Code)

			if !tc.wantDispatch {
				assert.Zero(t, d.calls, "malformed callback must not be dispatched")
				assert.JSONEq(t, `{"success":false,"message":"Invalid callback data"}`, rec.Body.String())
				return
			}

			require.Equal(t, 1, d.calls)
			assert.Equal(t, tc.wantToken, d.cb.CheckoutRequestID)
			assert.JSONEq(t, tc.body, string(d.raw))

			var ack service.Acknowledgement
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
			assert.Equal(t, d.ack.TransactionStatus, ack.TransactionStatus)
			assert.Equal(t, tc.wantToken, ack.Data.CheckoutRequestID)
		})
	}
}
