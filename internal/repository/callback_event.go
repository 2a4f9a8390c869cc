package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
)

const callbackEventColumns = `id, checkout_request_id, result_code, payload, status,
	attempts, last_error, last_attempt, created_at`

type CallbackEventRepository struct {
	db *sql.DB
}

func NewCallbackEventRepository(db *sql.DB) *CallbackEventRepository {
	return &CallbackEventRepository{db: db}
}

// Create stores a received callback. A second callback for the same
// checkout request returns domain.ErrDuplicateCallback.
func (r *CallbackEventRepository) Create(ctx context.Context, event *domain.CallbackEvent) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO callback_events (
			id, checkout_request_id, result_code, payload, status, attempts, last_error, last_attempt, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.CheckoutRequestID, event.ResultCode, []byte(event.Payload),
		event.Status, event.Attempts, event.LastError, event.LastAttempt, event.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("Create: %w", domain.ErrDuplicateCallback)
		}
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

func (r *CallbackEventRepository) GetByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*domain.CallbackEvent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+callbackEventColumns+` FROM callback_events WHERE checkout_request_id = $1`, checkoutRequestID,
	)
	e, err := scanCallbackEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetByCheckoutRequestID: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("GetByCheckoutRequestID: %w", err)
	}
	return e, nil
}

// GetFailed returns callbacks whose settlement failed and that have been
// attempted fewer than maxAttempts times.
func (r *CallbackEventRepository) GetFailed(ctx context.Context, maxAttempts, limit int) ([]domain.CallbackEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+callbackEventColumns+` FROM callback_events
		WHERE status = $1 AND attempts < $2 ORDER BY created_at LIMIT $3`,
		domain.CallbackEventStatusFailed, maxAttempts, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("GetFailed: %w", err)
	}
	defer rows.Close()

	var events []domain.CallbackEvent
	for rows.Next() {
		e, err := scanCallbackEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("GetFailed: scan: %w", err)
		}
		events = append(events, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("GetFailed: rows: %w", err)
	}
	return events, nil
}

// MarkResult records one settlement attempt.
func (r *CallbackEventRepository) MarkResult(ctx context.Context, id uuid.UUID, status domain.CallbackEventStatus, lastErr *string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE callback_events SET status = $1, last_error = $2, attempts = attempts + 1, last_attempt = now()
		WHERE id = $3`,
		status, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("MarkResult: %w", err)
	}
	return expectOneRow(res, "MarkResult", domain.ErrNotFound)
}

func scanCallbackEvent(s scanner) (*domain.CallbackEvent, error) {
	var e domain.CallbackEvent
	var payload []byte
	err := s.Scan(
		&e.ID, &e.CheckoutRequestID, &e.ResultCode, &payload, &e.Status,
		&e.Attempts, &e.LastError, &e.LastAttempt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}
