package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
)

type OutboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func (r *OutboxRepository) Create(ctx context.Context, tx *sql.Tx, msg *domain.OutboxMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, aggregate_id, message_type, message_key, payload, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.AggregateID, msg.MessageType, msg.Key, msg.Payload, msg.Status, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("Create: %w", err)
	}
	return nil
}

// ClaimPending locks up to limit unsent messages for the lifetime of tx.
// SKIP LOCKED lets several processors share the table.
func (r *OutboxRepository) ClaimPending(ctx context.Context, tx *sql.Tx, limit int) ([]domain.OutboxMessage, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, aggregate_id, message_type, message_key, payload, status, created_at, sent_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`,
		domain.OutboxStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ClaimPending: %w", err)
	}
	defer rows.Close()

	var msgs []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.MessageType, &m.Key, &m.Payload, &m.Status, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, fmt.Errorf("ClaimPending: scan: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ClaimPending: rows: %w", err)
	}
	return msgs, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, tx *sql.Tx, id uuid.UUID, sentAt time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_messages SET status = $1, sent_at = $2 WHERE id = $3`,
		domain.OutboxStatusSent, sentAt, id,
	)
	if err != nil {
		return fmt.Errorf("MarkSent: %w", err)
	}
	return expectOneRow(res, "MarkSent", domain.ErrNotFound)
}
