package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/logging"
	"github.com/siretech/backoffice-payments/internal/mpesa"
)

type gateway interface {
	InitiatePush(ctx context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResult, error)
}

type invoiceRepo interface {
	GetForUpdate(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*domain.Invoice, error)
	SetCorrelationToken(ctx context.Context, tx *sql.Tx, id uuid.UUID, token *string) error
}

type paymentReader interface {
	GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.PaymentAttempt, error)
}

// outcomeSettler settles final gateway outcomes. The callback dispatcher
// implements it so manual confirmations also notify waiting clients.
type outcomeSettler interface {
	Settle(ctx context.Context, outcome domain.Outcome) (*Settlement, error)
}

type Service struct {
	db         *sql.DB
	invoices   invoiceRepo
	payments   paymentReader
	ledger     *Ledger
	reconciler *Reconciler
	gateway    gateway
	settler    outcomeSettler
}

func NewService(
	db *sql.DB,
	invoices invoiceRepo,
	payments paymentReader,
	ledger *Ledger,
	reconciler *Reconciler,
	gw gateway,
	settler outcomeSettler,
) *Service {
	return &Service{
		db:         db,
		invoices:   invoices,
		payments:   payments,
		ledger:     ledger,
		reconciler: reconciler,
		gateway:    gw,
		settler:    settler,
	}
}

type PushRequest struct {
	ClientID  uuid.UUID
	InvoiceID uuid.UUID
	Phone     string
	Amount    decimal.Decimal
}

type PushResult struct {
	Attempt *domain.PaymentAttempt
	Gateway *mpesa.PushResponse
}

// InitiatePush starts an STK push for an invoice. The invoice row stays
// locked from the duplicate check until the pending attempt is committed, so
// two concurrent pushes for one invoice cannot both reach the gateway.
func (s *Service) InitiatePush(ctx context.Context, req PushRequest) (*PushResult, error) {
	ctx, log := logging.With(ctx, "invoice_id", req.InvoiceID)

	if err := validateAmount(req.Amount); err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}
	phone, err := mpesa.NormalizePhone(req.Phone)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: begin tx: %w", err)
	}
	defer tx.Rollback()

	inv, err := s.lockPayableInvoice(ctx, tx, req.ClientID, req.InvoiceID)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}

	active, err := s.ledger.HasActivePush(ctx, tx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}
	if active {
		return nil, fmt.Errorf("InitiatePush: %w", domain.ErrDuplicateActivePush)
	}

	resp, err := s.gateway.InitiatePush(ctx, mpesa.PushRequest{
		Phone:            phone,
		Amount:           req.Amount,
		AccountReference: accountReference(inv),
		Description:      "Payment for invoice " + accountReference(inv),
	})
	if err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}

	attempt, err := s.ledger.RecordPendingPush(ctx, tx, inv.ID, req.Amount, resp.CheckoutRequestID, phone)
	if err != nil {
		log.Error("push accepted by gateway but not recorded",
			"checkout_request_id", resp.CheckoutRequestID, "error", err)
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}

	token := resp.CheckoutRequestID
	if err := s.invoices.SetCorrelationToken(ctx, tx, inv.ID, &token); err != nil {
		return nil, fmt.Errorf("InitiatePush: %w", err)
	}

	if err := tx.Commit(); err != nil {
		log.Error("push accepted by gateway but not recorded",
			"checkout_request_id", resp.CheckoutRequestID, "error", err)
		return nil, fmt.Errorf("InitiatePush: commit: %w", err)
	}

	log.Info("stk push initiated",
		"payment_id", attempt.ID,
		"checkout_request_id", resp.CheckoutRequestID,
		"amount", req.Amount,
	)
	return &PushResult{Attempt: attempt, Gateway: resp}, nil
}

type CashRequest struct {
	ClientID  uuid.UUID
	InvoiceID uuid.UUID
	Amount    decimal.Decimal
}

type CashResult struct {
	Attempt     *domain.PaymentAttempt
	Invoice     *domain.Invoice
	Application *domain.PaymentApplication
}

// CollectCash records cash already received and applies it to the invoice.
func (s *Service) CollectCash(ctx context.Context, req CashRequest) (*CashResult, error) {
	ctx, log := logging.With(ctx, "invoice_id", req.InvoiceID)

	if err := validateAmount(req.Amount); err != nil {
		return nil, fmt.Errorf("CollectCash: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("CollectCash: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.lockPayableInvoice(ctx, tx, req.ClientID, req.InvoiceID); err != nil {
		return nil, fmt.Errorf("CollectCash: %w", err)
	}

	attempt, err := s.ledger.RecordCashCollection(ctx, tx, req.InvoiceID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("CollectCash: %w", err)
	}

	inv, app, err := s.reconciler.ApplyPayment(ctx, tx, req.InvoiceID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("CollectCash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("CollectCash: commit: %w", err)
	}

	log.Info("cash payment recorded",
		"payment_id", attempt.ID,
		"reference", attempt.Reference,
		"amount", req.Amount,
		"invoice_status", inv.Status(),
	)
	return &CashResult{Attempt: attempt, Invoice: inv, Application: app}, nil
}

const (
	TransactionSuccess = "Success"
	TransactionPending = "Pending"
	TransactionFailed  = "Failed"
)

type ConfirmResult struct {
	TransactionStatus string
	Message           string
	CheckoutRequestID string
	ResultCode        *int
	ResultDesc        string
	Attempt           *domain.PaymentAttempt
	Settlement        *Settlement
	Gateway           *mpesa.QueryResult
}

// Confirm asks the gateway for the outcome of a push whose callback may have
// been lost. A final outcome is settled exactly as a callback would be; a
// pending one changes nothing.
func (s *Service) Confirm(ctx context.Context, checkoutRequestID string) (*ConfirmResult, error) {
	checkoutRequestID = strings.TrimSpace(checkoutRequestID)
	if checkoutRequestID == "" {
		return nil, fmt.Errorf("Confirm: checkoutRequestId required: %w", domain.ErrInvalidRequest)
	}
	ctx, log := logging.With(ctx, "checkout_request_id", checkoutRequestID)

	attempt, err := s.payments.GetByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	if attempt.Status.IsTerminal() {
		log.Info("payment already resolved, skipping gateway query", "payment_status", attempt.Status)
		return resultFromAttempt(checkoutRequestID, attempt), nil
	}

	qr, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	if qr.Pending {
		return &ConfirmResult{
			TransactionStatus: TransactionPending,
			Message:           "Transaction is being processed",
			CheckoutRequestID: checkoutRequestID,
			ResultDesc:        qr.ResultDesc,
			Attempt:           attempt,
			Gateway:           qr,
		}, nil
	}

	outcome := domain.Outcome{
		CheckoutRequestID: checkoutRequestID,
		Status:            domain.PaymentStatusFailed,
		ResultCode:        qr.ResultCode,
		ResultDesc:        qr.ResultDesc,
		Amount:            qr.Amount,
	}
	if qr.ResultCode == mpesa.ResultSuccess {
		outcome.Status = domain.PaymentStatusConfirmed
	}

	st, err := s.settler.Settle(ctx, outcome)
	if err != nil {
		return nil, fmt.Errorf("Confirm: %w", err)
	}

	res := resultFromAttempt(checkoutRequestID, st.Attempt)
	res.Settlement = st
	res.Gateway = qr
	code := qr.ResultCode
	res.ResultCode = &code
	res.ResultDesc = qr.ResultDesc
	if outcome.Status == domain.PaymentStatusFailed {
		res.Message = "Transaction failed: " + qr.ResultDesc
	}
	return res, nil
}

func resultFromAttempt(checkoutRequestID string, p *domain.PaymentAttempt) *ConfirmResult {
	res := &ConfirmResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        p.ResultCode,
		Attempt:           p,
	}
	if p.ResultDesc != nil {
		res.ResultDesc = *p.ResultDesc
	}

	switch p.Status {
	case domain.PaymentStatusConfirmed:
		res.TransactionStatus = TransactionSuccess
		res.Message = "Transaction completed successfully"
	case domain.PaymentStatusFailed:
		res.TransactionStatus = TransactionFailed
		res.Message = "Transaction failed: " + res.ResultDesc
	default:
		res.TransactionStatus = TransactionPending
		res.Message = "Transaction is being processed"
	}
	return res
}

func (s *Service) lockPayableInvoice(ctx context.Context, tx *sql.Tx, clientID, invoiceID uuid.UUID) (*domain.Invoice, error) {
	inv, err := s.invoices.GetForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("lockPayableInvoice: %w", err)
	}
	if inv.ClientID != clientID {
		return nil, fmt.Errorf("lockPayableInvoice: %w", domain.ErrInvoiceNotFound)
	}
	if err := inv.CheckPayable(); err != nil {
		return nil, fmt.Errorf("lockPayableInvoice: %w", err)
	}
	return inv, nil
}

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !amount.Round(2).Equal(amount) {
		return fmt.Errorf("at most two decimal places: %w", domain.ErrInvalidAmount)
	}
	return nil
}

func accountReference(inv *domain.Invoice) string {
	if inv.InvoiceNo != "" {
		return inv.InvoiceNo
	}
	return inv.ID.String()
}

// IsUpstream reports whether err came from the payment gateway.
func IsUpstream(err error) bool {
	return errors.Is(err, domain.ErrUpstreamAuth) ||
		errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamRejected)
}
