package payment_test

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/mpesa"
	"github.com/siretech/backoffice-payments/internal/repository"
	"github.com/siretech/backoffice-payments/internal/service/payment"
	"github.com/siretech/backoffice-payments/internal/testutil"
)

type fakeGateway struct {
	pushCalls  atomic.Int32
	queryCalls atomic.Int32
	delay      time.Duration
	pushErr    error
	query      *mpesa.QueryResult
	queryErr   error
}

func (g *fakeGateway) InitiatePush(_ context.Context, req mpesa.PushRequest) (*mpesa.PushResponse, error) {
	g.pushCalls.Add(1)
	time.Sleep(g.delay)
	if g.pushErr != nil {
		return nil, g.pushErr
	}
	return &mpesa.PushResponse{
		MerchantRequestID: "m-" + uuid.NewString()[:8],
		CheckoutRequestID: "ws_CO_" + uuid.NewString()[:12],
		ResponseCode:      0,
		CustomerMessage:   "Success. Request accepted for processing",
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, id string) (*mpesa.QueryResult, error) {
	g.queryCalls.Add(1)
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	res := *g.query
	res.CheckoutRequestID = id
	return &res, nil
}

func setupService(t *testing.T, db *sql.DB, gw *fakeGateway) *payment.Service {
	t.Helper()

	invoices := repository.NewInvoiceRepository(db)
	payments := repository.NewPaymentRepository(db)
	ledger := payment.NewLedger(payments)
	reconciler := payment.NewReconciler(invoices, testutil.DefaultVAT)
	settler := payment.NewSettler(db, ledger, reconciler, invoices, nil)

	return payment.NewService(db, invoices, payments, ledger, reconciler, gw, settler)
}

func TestInitiatePush_RecordsPendingAttempt(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{}
	svc := setupService(t, db, gw)

	clientID := uuid.New()
	inv := testutil.SeedInvoice(t, db, clientID, "1000")

	res, err := svc.InitiatePush(context.Background(), payment.PushRequest{
		ClientID:  clientID,
		InvoiceID: inv.ID,
		Phone:     "+254712345678",
		Amount:    decimal.NewFromInt(1000),
	})
	require.NoError(t, err)

	token := res.Gateway.CheckoutRequestID
	p := testutil.GetPaymentByCheckoutID(t, db, token)
	assert.Equal(t, domain.PaymentStatusPending, p.Status)
	assert.Equal(t, domain.PaymentMethodMobileMoney, p.Method)
	assert.Equal(t, token, p.Reference)
	require.NotNil(t, p.PhoneNumber)
	assert.Equal(t, "254712345678", *p.PhoneNumber)

	got := testutil.GetInvoice(t, db, inv.ID)
	require.NotNil(t, got.CorrelationToken)
	assert.Equal(t, token, *got.CorrelationToken)
	assert.Equal(t, domain.InvoiceStatusUnpaid, got.Status())
}

func TestInitiatePush_Rejections(t *testing.T) {
	db := testutil.SetupTestDB(t)
	clientID := uuid.New()

	paid := testutil.SeedInvoice(t, db, clientID, "100")
	_, err := db.Exec(`UPDATE invoices SET status = 'paid', paid_amount = 100, balance = 0 WHERE id = $1`, paid.ID)
	require.NoError(t, err)

	void := testutil.SeedInvoice(t, db, clientID, "100")
	testutil.VoidInvoice(t, db, void.ID)

	open := testutil.SeedInvoice(t, db, clientID, "100")

	tests := []struct {
		name    string
		req     payment.PushRequest
		wantErr error
	}{
		{
			name:    "invalid phone",
			req:     payment.PushRequest{ClientID: clientID, InvoiceID: open.ID, Phone: "0812345678", Amount: decimal.NewFromInt(10)},
			wantErr: domain.ErrInvalidPhoneFormat,
		},
		{
			name:    "zero amount",
			req:     payment.PushRequest{ClientID: clientID, InvoiceID: open.ID, Phone: "0712345678", Amount: decimal.Zero},
			wantErr: domain.ErrInvalidAmount,
		},
		{
			name:    "unknown invoice",
			req:     payment.PushRequest{ClientID: clientID, InvoiceID: uuid.New(), Phone: "0712345678", Amount: decimal.NewFromInt(10)},
			wantErr: domain.ErrInvoiceNotFound,
		},
		{
			name:    "invoice of another client",
			req:     payment.PushRequest{ClientID: uuid.New(), InvoiceID: open.ID, Phone: "0712345678", Amount: decimal.NewFromInt(10)},
			wantErr: domain.ErrInvoiceNotFound,
		},
		{
			name:    "paid invoice",
			req:     payment.PushRequest{ClientID: clientID, InvoiceID: paid.ID, Phone: "0712345678", Amount: decimal.NewFromInt(10)},
			wantErr: domain.ErrInvoiceSettled,
		},
		{
			name:    "void invoice",
			req:     payment.PushRequest{ClientID: clientID, InvoiceID: void.ID, Phone: "0712345678", Amount: decimal.NewFromInt(10)},
			wantErr: domain.ErrInvoiceVoid,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{}
			svc := setupService(t, db, gw)

			_, err := svc.InitiatePush(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.wantErr)
			assert.Zero(t, gw.pushCalls.Load(), "gateway must not be called")
		})
	}
}

func TestInitiatePush_GatewayFailureLeavesNoAttempt(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{pushErr: &mpesa.UpstreamError{Kind: domain.ErrUpstreamUnavailable, Message: "request timed out"}}
	svc := setupService(t, db, gw)

	clientID := uuid.New()
	inv := testutil.SeedInvoice(t, db, clientID, "1000")

	_, err := svc.InitiatePush(context.Background(), payment.PushRequest{
		ClientID: clientID, InvoiceID: inv.ID, Phone: "0712345678", Amount: decimal.NewFromInt(500),
	})
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.True(t, payment.IsUpstream(err))

	assert.Zero(t, testutil.CountPayments(t, db, inv.ID))
	assert.Nil(t, testutil.GetInvoice(t, db, inv.ID).CorrelationToken)
}

func TestInitiatePush_SecondPushWhilePendingIsRejected(t *testing.T) {
	db := testutil.SetupTestDB(t)
	gw := &fakeGateway{delay: 200 * time.Millisecond}
	svc := setupService(t, db, gw)

	clientID := uuid.New()
	inv := testutil.SeedInvoice(t, db, clientID, "1000")

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.InitiatePush(context.Background(), payment.PushRequest{
				ClientID: clientID, InvoiceID: inv.ID, Phone: "0712345678", Amount: decimal.NewFromInt(1000),
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, duplicates int
	for err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrDuplicateActivePush)
		duplicates++
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, duplicates)
	assert.Equal(t, int32(1), gw.pushCalls.Load(), "rejected push must not reach the gateway")
	assert.Equal(t, 1, testutil.CountPayments(t, db, inv.ID))
}

func TestCollectCash(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupService(t, db, &fakeGateway{})
	ctx := context.Background()

	clientID := uuid.New()
	inv := testutil.SeedInvoice(t, db, clientID, "1000")

	res, err := svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.NewFromInt(250)})
	require.NoError(t, err)

	assert.Equal(t, domain.PaymentStatusConfirmed, res.Attempt.Status)
	assert.Equal(t, domain.PaymentMethodCash, res.Attempt.Method)
	assert.NotEmpty(t, res.Attempt.Reference)
	assert.Equal(t, domain.InvoiceStatusPartiallyPaid, res.Invoice.Status())
	assert.True(t, res.Invoice.Balance().Equal(decimal.NewFromInt(750)))

	second, err := svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.NewFromInt(750)})
	require.NoError(t, err)
	assert.NotEqual(t, res.Attempt.Reference, second.Attempt.Reference)
	assert.Equal(t, domain.InvoiceStatusPaid, second.Invoice.Status())

	_, err = svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrInvoiceSettled)
	assert.Equal(t, 2, testutil.CountPayments(t, db, inv.ID))
}

func TestReconcilerVoid(t *testing.T) {
	db := testutil.SetupTestDB(t)
	svc := setupService(t, db, &fakeGateway{})
	reconciler := payment.NewReconciler(repository.NewInvoiceRepository(db), testutil.DefaultVAT)
	ctx := context.Background()

	clientID := uuid.New()
	inv := testutil.SeedInvoice(t, db, clientID, "1000")
	_, err := svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.NewFromInt(400)})
	require.NoError(t, err)

	voidOnce := func() error {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		if _, err := reconciler.Void(ctx, tx, inv.ID); err != nil {
			return err
		}
		return tx.Commit()
	}

	require.NoError(t, voidOnce())
	got := testutil.GetInvoice(t, db, inv.ID)
	assert.Equal(t, domain.InvoiceStatusVoid, got.Status())
	assert.True(t, got.PaidAmount().Equal(decimal.NewFromInt(400)), "voiding keeps what was already paid")

	require.ErrorIs(t, voidOnce(), domain.ErrInvoiceVoid)

	_, err = svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, domain.ErrInvoiceVoid)
}

func TestConfirm(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	t.Run("pending outcome changes nothing", func(t *testing.T) {
		gw := &fakeGateway{query: &mpesa.QueryResult{Pending: true, ResultDesc: "The transaction is being processed"}}
		svc := setupService(t, db, gw)

		inv := testutil.SeedInvoice(t, db, uuid.New(), "1000")
		testutil.SeedPendingPush(t, db, inv.ID, "1000", "ws_CO_P1")

		res, err := svc.Confirm(ctx, "ws_CO_P1")
		require.NoError(t, err)
		assert.Equal(t, payment.TransactionPending, res.TransactionStatus)
		assert.Equal(t, "Transaction is being processed", res.Message)
		assert.Equal(t, domain.PaymentStatusPending, testutil.GetPaymentByCheckoutID(t, db, "ws_CO_P1").Status)
	})

	t.Run("success settles like a callback", func(t *testing.T) {
		gw := &fakeGateway{query: &mpesa.QueryResult{ResultCode: 0, ResultDesc: "The service request is processed successfully."}}
		svc := setupService(t, db, gw)

		inv := testutil.SeedInvoice(t, db, uuid.New(), "1000")
		testutil.SeedPendingPush(t, db, inv.ID, "1000", "ws_CO_P2")

		res, err := svc.Confirm(ctx, "ws_CO_P2")
		require.NoError(t, err)
		assert.Equal(t, payment.TransactionSuccess, res.TransactionStatus)
		assert.Equal(t, "Transaction completed successfully", res.Message)

		got := testutil.GetInvoice(t, db, inv.ID)
		assert.Equal(t, domain.InvoiceStatusPaid, got.Status())

		// already resolved: answered from the ledger without asking the gateway
		_, err = svc.Confirm(ctx, "ws_CO_P2")
		require.NoError(t, err)
		assert.Equal(t, int32(1), gw.queryCalls.Load())
	})

	t.Run("failure resolves attempt as failed", func(t *testing.T) {
		gw := &fakeGateway{query: &mpesa.QueryResult{ResultCode: 1037, ResultDesc: "DS timeout user cannot be reached"}}
		svc := setupService(t, db, gw)

		inv := testutil.SeedInvoice(t, db, uuid.New(), "1000")
		testutil.SeedPendingPush(t, db, inv.ID, "1000", "ws_CO_P3")

		res, err := svc.Confirm(ctx, "ws_CO_P3")
		require.NoError(t, err)
		assert.Equal(t, payment.TransactionFailed, res.TransactionStatus)
		assert.Equal(t, "Transaction failed: DS timeout user cannot be reached", res.Message)

		assert.Equal(t, domain.PaymentStatusFailed, testutil.GetPaymentByCheckoutID(t, db, "ws_CO_P3").Status)
		assert.Equal(t, domain.InvoiceStatusUnpaid, testutil.GetInvoice(t, db, inv.ID).Status())
	})

	t.Run("unknown token", func(t *testing.T) {
		svc := setupService(t, db, &fakeGateway{})
		_, err := svc.Confirm(ctx, "ws_CO_NOPE")
		require.ErrorIs(t, err, domain.ErrPaymentNotFound)
	})
}

func TestLedgerResolve_IsIdempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	ledger := payment.NewLedger(repository.NewPaymentRepository(db))

	inv := testutil.SeedInvoice(t, db, uuid.New(), "1000")
	testutil.SeedPendingPush(t, db, inv.ID, "1000", "ws_CO_L")

	resolve := func(outcome domain.Outcome) *payment.Resolution {
		tx, err := db.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		res, err := ledger.Resolve(ctx, tx, outcome)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		return res
	}

	first := resolve(domain.Outcome{CheckoutRequestID: "ws_CO_L", Status: domain.PaymentStatusConfirmed, ReceiptNumber: "RCPT0001"})
	assert.True(t, first.Transitioned)
	assert.Equal(t, "RCPT0001", first.Attempt.Reference)

	second := resolve(domain.Outcome{CheckoutRequestID: "ws_CO_L", Status: domain.PaymentStatusFailed, ResultCode: 1032})
	assert.False(t, second.Transitioned)
	assert.Equal(t, domain.PaymentStatusConfirmed, second.Attempt.Status)
	assert.Equal(t, "RCPT0001", second.Attempt.Reference)

	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = ledger.Resolve(ctx, tx, domain.Outcome{CheckoutRequestID: "ws_CO_MISSING", Status: domain.PaymentStatusConfirmed})
	require.ErrorIs(t, err, domain.ErrUnknownCorrelationToken)
}

func TestInvoiceInvariantHoldsAcrossMixedPayments(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	items := []domain.InvoiceItem{
		{Description: "design", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.RequireFromString("150.50")},
		{Description: "hosting", Quantity: decimal.NewFromInt(3), UnitPrice: decimal.RequireFromString("33.33")},
	}
	clientID := uuid.New()
	inv := testutil.SeedInvoiceWithItems(t, db, clientID, items, decimal.NullDecimal{})
	total := inv.Total(testutil.DefaultVAT)
	require.True(t, total.Equal(decimal.RequireFromString("421.04")))

	svc := setupService(t, db, &fakeGateway{})
	for _, amt := range []string{"100", "21.04", "300"} {
		_, err := svc.CollectCash(ctx, payment.CashRequest{ClientID: clientID, InvoiceID: inv.ID, Amount: decimal.RequireFromString(amt)})
		require.NoError(t, err)

		got := testutil.GetInvoice(t, db, inv.ID)
		assert.True(t, got.Balance().Add(got.PaidAmount()).Equal(total))
	}
	assert.Equal(t, domain.InvoiceStatusPaid, testutil.GetInvoice(t, db, inv.ID).Status())
}
