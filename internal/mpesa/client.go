package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
)

const (
	oauthPath = "/oauth/v1/generate?grant_type=client_credentials"
	pushPath  = "/mpesa/stkpush/v1/processrequest"
	queryPath = "/mpesa/stkpushquery/v1/query"

	transactionType = "CustomerPayBillOnline"

	// errorCode returned by the query endpoint while the payer has not answered yet.
	stillProcessingCode = "500.001.1001"

	tokenRefreshMargin = time.Minute
)

type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
	Timeout        time.Duration
}

// UpstreamError carries the gateway's own error message. Kind is one of
// domain.ErrUpstreamAuth, domain.ErrUpstreamUnavailable or domain.ErrUpstreamRejected.
type UpstreamError struct {
	Kind       error
	StatusCode int
	Code       string
	Message    string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Message)
}

func (e *UpstreamError) Unwrap() error { return e.Kind }

type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type tokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

// AccessToken returns a cached OAuth token, fetching a new one when the cached
// token is missing or about to expire.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && c.now().Before(c.expiresAt) {
		return c.accessToken, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+oauthPath, nil)
	if err != nil {
		return "", fmt.Errorf("AccessToken: build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("AccessToken: %w", &UpstreamError{Kind: domain.ErrUpstreamUnavailable, Message: err.Error()})
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		e := decodeGatewayError(resp.StatusCode, body)
		e.Kind = domain.ErrUpstreamAuth
		return "", fmt.Errorf("AccessToken: %w", e)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return "", fmt.Errorf("AccessToken: %w", &UpstreamError{Kind: domain.ErrUpstreamAuth, StatusCode: resp.StatusCode, Message: "no access token in response"})
	}

	ttl := time.Hour
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > 2*tokenRefreshMargin {
		ttl -= tokenRefreshMargin
	}

	c.accessToken = tr.AccessToken
	c.expiresAt = c.now().Add(ttl)
	return c.accessToken, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.accessToken = ""
	c.mu.Unlock()
}

type PushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

type PushResponse struct {
	MerchantRequestID   string          `json:"MerchantRequestID"`
	CheckoutRequestID   string          `json:"CheckoutRequestID"`
	ResponseCode        ResultCode      `json:"ResponseCode"`
	ResponseDescription string          `json:"ResponseDescription"`
	CustomerMessage     string          `json:"CustomerMessage"`
	Raw                 json.RawMessage `json:"-"`
}

type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// InitiatePush asks the gateway to prompt the payer's handset for their PIN.
// The phone is normalised and the amount validated before any network call.
func (c *Client) InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	phone, err := NormalizePhone(req.Phone)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Truncate(0)) {
		return nil, fmt.Errorf("InitiatePush: %w", domain.ErrInvalidAmount)
	}

	ts := Timestamp(c.now())
	payload := pushPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   transactionType,
		Amount:            req.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	body, status, err := c.post(ctx, pushPath, payload)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}
	if status < 200 || status > 299 {
		return nil, fmt.Errorf("InitiatePush: %w", decodeGatewayError(status, body))
	}

	var out PushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", &UpstreamError{Kind: domain.ErrUpstreamRejected, StatusCode: status, Message: "unreadable push response"})
	}
	if out.ResponseCode != ResultSuccess || out.CheckoutRequestID == "" {
		return nil, fmt.Errorf("InitiatePush: %w", &UpstreamError{
			Kind:       domain.ErrUpstreamRejected,
			StatusCode: status,
			Code:       fmt.Sprint(int(out.ResponseCode)),
			Message:    out.ResponseDescription,
		})
	}
	out.Raw = body
	return &out, nil
}

type QueryResult struct {
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Amount            decimal.NullDecimal
	Pending           bool
	Raw               json.RawMessage
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode      ResultCode           `json:"ResponseCode"`
	CheckoutRequestID string               `json:"CheckoutRequestID"`
	ResultCode        *ResultCode          `json:"ResultCode"`
	ResultDesc        string               `json:"ResultDesc"`
	Amount            *decimal.NullDecimal `json:"Amount,omitempty"`
}

// QueryStatus asks the gateway for the outcome of an earlier push. A payer who
// has not yet responded yields Pending=true rather than an error.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, fmt.Errorf("QueryStatus: %w", domain.ErrInvalidRequest)
	}

	ts := Timestamp(c.now())
	payload := queryPayload{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          Password(c.cfg.ShortCode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	body, status, err := c.post(ctx, queryPath, payload)
	if err != nil {
		return nil, fmt.Errorf("QueryStatus: %w", err)
	}

	if status < 200 || status > 299 {
		gwErr := decodeGatewayError(status, body)
		if gwErr.Code == stillProcessingCode || strings.Contains(strings.ToLower(gwErr.Message), "being processed") {
			return &QueryResult{CheckoutRequestID: checkoutRequestID, Pending: true, ResultDesc: gwErr.Message, Raw: body}, nil
		}
		return nil, fmt.Errorf("QueryStatus: %w", gwErr)
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil || qr.ResultCode == nil {
		return nil, fmt.Errorf("QueryStatus: %w", &UpstreamError{Kind: domain.ErrUpstreamRejected, StatusCode: status, Message: "unreadable query response"})
	}

	out := &QueryResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        int(*qr.ResultCode),
		ResultDesc:        qr.ResultDesc,
		Raw:               body,
	}
	if qr.Amount != nil {
		out.Amount = *qr.Amount
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, int, error) {
	log := logging.FromContext(ctx)

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	log.Info("provider request sent", "provider", "mpesa", "path", path)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Warn("provider request failed", "provider", "mpesa", "path", path,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return nil, 0, &UpstreamError{Kind: domain.ErrUpstreamUnavailable, Message: transportMessage(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, 0, &UpstreamError{Kind: domain.ErrUpstreamUnavailable, Message: transportMessage(err)}
	}

	log.Info("provider response received",
		"provider", "mpesa",
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidateToken()
		e := decodeGatewayError(resp.StatusCode, body)
		e.Kind = domain.ErrUpstreamAuth
		return nil, 0, e
	}
	return body, resp.StatusCode, nil
}

type gatewayErrorBody struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func decodeGatewayError(status int, body []byte) *UpstreamError {
	e := &UpstreamError{Kind: domain.ErrUpstreamRejected, StatusCode: status}
	if status >= http.StatusInternalServerError {
		e.Kind = domain.ErrUpstreamUnavailable
	}

	var gb gatewayErrorBody
	if err := json.Unmarshal(body, &gb); err == nil {
		e.Code = gb.ErrorCode
		e.Message = gb.ErrorMessage
	}
	if e.Message == "" {
		e.Message = fmt.Sprintf("unexpected status %d", status)
	}
	return e
}

func transportMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return "request timed out"
	}
	return "request failed"
}
