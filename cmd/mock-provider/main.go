// Command mock-provider emulates the M-Pesa Daraja endpoints the payments API
// uses, so the whole push, callback and confirmation flow can run locally.
//
// The last digit of the pushed amount picks the outcome:
//
//	1 insufficient funds, 2 cancelled by user, 3 phone unreachable,
//	4 wrong PIN, 9 success without a callback, anything else success.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	env "github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/mpesa"
)

type config struct {
	Port            int    `env:"PORT" envDefault:"8081"`
	LogLevel        string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv          string `env:"APP_ENV" envDefault:"development"`
	ConsumerKey     string `env:"MPESA_CONSUMER_KEY"`
	ConsumerSecret  string `env:"MPESA_CONSUMER_SECRET"`
	CallbackDelayMS int    `env:"CALLBACK_DELAY_MS" envDefault:"3000"`
}

type push struct {
	merchantRequestID string
	checkoutRequestID string
	amount            decimal.Decimal
	phone             string
	callbackURL       string
	resultCode        int
	resultDesc        string
	resolvedAt        time.Time
}

type provider struct {
	cfg    config
	logger *slog.Logger
	client *http.Client

	mu     sync.Mutex
	tokens map[string]time.Time
	pushes map[string]*push
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Init("mock-provider", cfg.LogLevel, cfg.AppEnv)

	p := &provider{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
		tokens: make(map[string]time.Time),
		pushes: make(map[string]*push),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("GET /oauth/v1/generate", p.handleToken)
	mux.HandleFunc("POST /mpesa/stkpush/v1/processrequest", p.requireToken(p.handlePush))
	mux.HandleFunc("POST /mpesa/stkpushquery/v1/query", p.requireToken(p.handleQuery))

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("mock provider started", "addr", addr, "callback_delay_ms", cfg.CallbackDelayMS)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

type gatewayError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeGatewayError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, gatewayError{RequestID: uuid.NewString(), ErrorCode: code, ErrorMessage: msg})
}

func (p *provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("grant_type") != "client_credentials" {
		writeGatewayError(w, http.StatusBadRequest, "400.008.02", "Invalid grant type passed")
		return
	}

	key, secret, ok := r.BasicAuth()
	if !ok || (p.cfg.ConsumerKey != "" && (key != p.cfg.ConsumerKey || secret != p.cfg.ConsumerSecret)) {
		writeGatewayError(w, http.StatusUnauthorized, "400.008.01", "Invalid Authentication passed")
		return
	}

	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	p.mu.Lock()
	p.tokens[token] = time.Now().Add(time.Hour)
	p.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"access_token": token, "expires_in": "3599"})
}

func (p *provider) requireToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

		p.mu.Lock()
		exp, ok := p.tokens[token]
		p.mu.Unlock()

		if !ok || time.Now().After(exp) {
			writeGatewayError(w, http.StatusUnauthorized, "404.001.04", "Invalid Access Token")
			return
		}
		next(w, r)
	}
}

type pushRequest struct {
	BusinessShortCode string          `json:"BusinessShortCode"`
	Password          string          `json:"Password"`
	Timestamp         string          `json:"Timestamp"`
	TransactionType   string          `json:"TransactionType"`
	Amount            decimal.Decimal `json:"Amount"`
	PartyA            string          `json:"PartyA"`
	PhoneNumber       string          `json:"PhoneNumber"`
	CallBackURL       string          `json:"CallBackURL"`
	AccountReference  string          `json:"AccountReference"`
}

func (p *provider) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Body")
		return
	}

	switch {
	case req.Password == "" || req.Timestamp == "":
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Password")
		return
	case !req.Amount.IsPositive() || !req.Amount.IsInteger():
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Amount")
		return
	case req.CallBackURL == "":
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid CallBackURL")
		return
	}
	if _, err := mpesa.NormalizePhone(req.PhoneNumber); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid PhoneNumber")
		return
	}

	code, desc := scriptedResult(req.Amount)
	delay := time.Duration(p.cfg.CallbackDelayMS) * time.Millisecond
	ps := &push{
		merchantRequestID: fmt.Sprintf("%d-%d-1", rand.IntN(90000)+10000, rand.IntN(90000000)+10000000),
		checkoutRequestID: fmt.Sprintf("ws_CO_%s%06d", mpesa.Timestamp(time.Now()), rand.IntN(1000000)),
		amount:            req.Amount,
		phone:             req.PhoneNumber,
		callbackURL:       req.CallBackURL,
		resultCode:        code,
		resultDesc:        desc,
		resolvedAt:        time.Now().Add(delay),
	}

	p.mu.Lock()
	p.pushes[ps.checkoutRequestID] = ps
	p.mu.Unlock()

	p.logger.Info("stk push accepted",
		"checkout_request_id", ps.checkoutRequestID,
		"amount", ps.amount,
		"scripted_result_code", code,
	)

	if req.Amount.Mod(decimal.NewFromInt(10)).IntPart() != 9 {
		time.AfterFunc(delay, func() { p.sendCallback(ps) })
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   ps.merchantRequestID,
		"CheckoutRequestID":   ps.checkoutRequestID,
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func scriptedResult(amount decimal.Decimal) (int, string) {
	switch amount.Mod(decimal.NewFromInt(10)).IntPart() {
	case 1:
		return mpesa.ResultInsufficientFunds, "The balance is insufficient for the transaction."
	case 2:
		return mpesa.ResultCancelledByUser, "Request cancelled by user"
	case 3:
		return mpesa.ResultTimeout, "DS timeout user cannot be reached"
	case 4:
		return mpesa.ResultWrongPIN, "The initiator information is invalid."
	default:
		return mpesa.ResultSuccess, "The service request is processed successfully."
	}
}

func rawJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func (p *provider) sendCallback(ps *push) {
	log := p.logger.With("checkout_request_id", ps.checkoutRequestID)

	stk := mpesa.StkCallback{
		MerchantRequestID: ps.merchantRequestID,
		CheckoutRequestID: ps.checkoutRequestID,
		ResultCode:        mpesa.ResultCode(ps.resultCode),
		ResultDesc:        ps.resultDesc,
	}
	if ps.resultCode == mpesa.ResultSuccess {
		phone, _ := mpesa.NormalizePhone(ps.phone)
		stk.CallbackMetadata = &struct {
			Item mpesa.Metadata `json:"Item"`
		}{Item: mpesa.Metadata{
			{Name: "Amount", Value: json.RawMessage(ps.amount.String())},
			{Name: "MpesaReceiptNumber", Value: rawJSON(receiptNumber())},
			{Name: "TransactionDate", Value: json.RawMessage(mpesa.Timestamp(time.Now()))},
			{Name: "PhoneNumber", Value: json.RawMessage(phone)},
		}}
	}

	body, err := json.Marshal(map[string]any{"Body": map[string]any{"stkCallback": stk}})
	if err != nil {
		log.Error("failed to encode callback", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ps.callbackURL, bytes.NewReader(body))
	if err != nil {
		log.Error("failed to build callback request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		log.Warn("callback delivery failed", "error", err)
		return
	}
	resp.Body.Close()
	log.Info("callback delivered", "status", resp.StatusCode, "result_code", ps.resultCode)
}

func receiptNumber() string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 10)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

type queryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

func (p *provider) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid Body")
		return
	}

	p.mu.Lock()
	ps, ok := p.pushes[req.CheckoutRequestID]
	p.mu.Unlock()

	if !ok {
		writeGatewayError(w, http.StatusBadRequest, "400.002.02", "Bad Request - Invalid CheckoutRequestID")
		return
	}
	if time.Now().Before(ps.resolvedAt) {
		writeGatewayError(w, http.StatusInternalServerError, "500.001.1001", "The transaction is being processed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successfully",
		"MerchantRequestID":   ps.merchantRequestID,
		"CheckoutRequestID":   ps.checkoutRequestID,
		"ResultCode":          fmt.Sprintf("%d", ps.resultCode),
		"ResultDesc":          ps.resultDesc,
	})
}
