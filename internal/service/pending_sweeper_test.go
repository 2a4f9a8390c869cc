package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/siretech/backoffice-payments/internal/domain"
	"github.com/siretech/backoffice-payments/internal/service/payment"
)

type fakeStaleSource struct {
	attempts  []domain.PaymentAttempt
	olderThan time.Time
}

func (f *fakeStaleSource) ListStalePending(_ context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	f.olderThan = olderThan
	if len(f.attempts) > limit {
		return f.attempts[:limit], nil
	}
	return f.attempts, nil
}

type fakeConfirmer struct {
	results map[string]*payment.ConfirmResult
	errs    map[string]error
	calls   []string
}

func (f *fakeConfirmer) Confirm(_ context.Context, id string) (*payment.ConfirmResult, error) {
	f.calls = append(f.calls, id)
	if err, ok := f.errs[id]; ok {
		return nil, err
	}
	return f.results[id], nil
}

func pendingAttempt(token string) domain.PaymentAttempt {
	return domain.PaymentAttempt{ID: uuid.New(), CheckoutRequestID: &token, Status: domain.PaymentStatusPending}
}

func TestPendingSweeper_Sweep(t *testing.T) {
	source := &fakeStaleSource{attempts: []domain.PaymentAttempt{
		pendingAttempt("ws_1"),
		pendingAttempt("ws_2"),
		pendingAttempt("ws_3"),
		{ID: uuid.New(), Status: domain.PaymentStatusPending},
	}}
	conf := &fakeConfirmer{
		results: map[string]*payment.ConfirmResult{
			"ws_1": {TransactionStatus: payment.TransactionSuccess},
			"ws_2": {TransactionStatus: payment.TransactionPending},
		},
		errs: map[string]error{"ws_3": errors.New("gateway down")},
	}

	sweeper := NewPendingSweeper(source, conf, slog.New(slog.NewTextHandler(io.Discard, nil)), time.Minute, 2*time.Minute)

	before := time.Now().UTC()
	sum := sweeper.Sweep(context.Background(), 2*time.Minute, 10)

	assert.Equal(t, SweepSummary{Checked: 3, Resolved: 1, Pending: 1, Errors: 1}, sum)
	assert.Equal(t, []string{"ws_1", "ws_2", "ws_3"}, conf.calls)
	assert.WithinDuration(t, before.Add(-2*time.Minute), source.olderThan, time.Second)
}
