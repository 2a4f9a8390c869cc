package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
)

const paymentColumns = `id, invoice_id, amount, method, reference, checkout_request_id,
	phone_number, status, result_code, result_desc, occurred_at,
	created_at, updated_at, resolved_at`

const activePushConstraint = "idx_payments_one_active_push"

type PaymentRepository struct {
	db *sql.DB
}

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *sql.Tx, p *domain.PaymentAttempt) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO payments (
			id, invoice_id, amount, method, reference, checkout_request_id,
			phone_number, status, result_code, result_desc, occurred_at,
			created_at, updated_at, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.InvoiceID, p.Amount, p.Method, p.Reference, p.CheckoutRequestID,
		p.PhoneNumber, p.Status, p.ResultCode, p.ResultDesc, p.OccurredAt,
		p.CreatedAt, p.UpdatedAt, p.ResolvedAt,
	)
	if err != nil {
		if violatesConstraint(err, activePushConstraint) {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateActivePush)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByID: %w", domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.PaymentAttempt, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE checkout_request_id = $1`, checkoutRequestID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByCheckoutRequestID: %w", domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("GetByCheckoutRequestID: %w", err)
	}
	return p, nil
}

// GetByCheckoutRequestIDForUpdate locks the attempt so concurrent deliveries
// of the same callback resolve it one at a time.
func (r *PaymentRepository) GetByCheckoutRequestIDForUpdate(ctx context.Context, tx *sql.Tx, checkoutRequestID string) (*domain.PaymentAttempt, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE checkout_request_id = $1 FOR UPDATE`, checkoutRequestID,
	)
	p, err := scanPayment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByCheckoutRequestIDForUpdate: %w", domain.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("GetByCheckoutRequestIDForUpdate: %w", err)
	}
	return p, nil
}

func (r *PaymentRepository) HasPendingPush(ctx context.Context, tx *sql.Tx, invoiceID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM payments
			WHERE invoice_id = $1 AND status = $2 AND method = $3
		)`,
		invoiceID, domain.PaymentStatusPending, domain.PaymentMethodMobileMoney,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("HasPendingPush: %w", err)
	}
	return exists, nil
}

// UpdateResolution moves a pending attempt to its terminal state. The status
// guard makes a second resolution of the same row affect nothing.
func (r *PaymentRepository) UpdateResolution(ctx context.Context, tx *sql.Tx, p *domain.PaymentAttempt) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = $1, reference = $2, phone_number = $3,
			result_code = $4, result_desc = $5, resolved_at = $6, updated_at = now()
		WHERE id = $7 AND status = $8`,
		p.Status, p.Reference, p.PhoneNumber, p.ResultCode, p.ResultDesc, p.ResolvedAt,
		p.ID, domain.PaymentStatusPending,
	)
	if err != nil {
		return fmt.Errorf("UpdateResolution: %w", err)
	}
	return expectOneRow(res, "UpdateResolution", domain.ErrUnknownCorrelationToken)
}

func (r *PaymentRepository) ListByInvoice(ctx context.Context, invoiceID uuid.UUID) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY created_at`, invoiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("ListByInvoice: %w", err)
	}
	return collectPayments(rows, "ListByInvoice")
}

// ListStalePending returns mobile money attempts still pending that were
// created before olderThan, oldest first.
func (r *PaymentRepository) ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]domain.PaymentAttempt, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments
		WHERE status = $1 AND method = $2 AND created_at < $3
		ORDER BY created_at LIMIT $4`,
		domain.PaymentStatusPending, domain.PaymentMethodMobileMoney, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ListStalePending: %w", err)
	}
	return collectPayments(rows, "ListStalePending")
}

func collectPayments(rows *sql.Rows, op string) ([]domain.PaymentAttempt, error) {
	defer rows.Close()

	var out []domain.PaymentAttempt
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	return out, nil
}

func scanPayment(s scanner) (*domain.PaymentAttempt, error) {
	var p domain.PaymentAttempt
	var resultCode sql.NullInt64

	err := s.Scan(
		&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.CheckoutRequestID,
		&p.PhoneNumber, &p.Status, &resultCode, &p.ResultDesc, &p.OccurredAt,
		&p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if resultCode.Valid {
		code := int(resultCode.Int64)
		p.ResultCode = &code
	}
	return &p, nil
}
