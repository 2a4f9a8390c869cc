package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/siretech/backoffice-payments/internal/domain"
)

type outboxRepo interface {
	ClaimPending(ctx context.Context, tx *sql.Tx, limit int) ([]domain.OutboxMessage, error)
	MarkSent(ctx context.Context, tx *sql.Tx, id uuid.UUID, sentAt time.Time) error
}

type producer interface {
	Produce(ctx context.Context, key string, value []byte) error
}

// Processor relays outbox rows to the message broker. A row is marked sent in
// the same transaction that claimed it, after the broker acknowledged it, so a
// crash in between re-sends rather than loses the message.
type Processor struct {
	db        *sql.DB
	repo      outboxRepo
	producer  producer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
}

func NewProcessor(db *sql.DB, repo outboxRepo, producer producer, logger *slog.Logger, interval time.Duration) *Processor {
	return &Processor{
		db:        db,
		repo:      repo,
		producer:  producer,
		logger:    logger,
		interval:  interval,
		batchSize: 20,
	}
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("outbox processor started", "interval", p.interval)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox processor stopped")
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.Error("outbox flush failed", "error", err)
			}
		}
	}
}

// Flush publishes one batch of pending messages and returns how many were sent.
func (p *Processor) Flush(ctx context.Context) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("Flush: begin tx: %w", err)
	}
	defer tx.Rollback()

	msgs, err := p.repo.ClaimPending(ctx, tx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("Flush: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	sent := 0
	for _, msg := range msgs {
		if err := p.producer.Produce(ctx, msg.Key, msg.Payload); err != nil {
			p.logger.Error("failed to publish outbox message",
				"outbox_message_id", msg.ID,
				"message_type", msg.MessageType,
				"error", err,
			)
			break
		}
		if err := p.repo.MarkSent(ctx, tx, msg.ID, time.Now().UTC()); err != nil {
			return sent, fmt.Errorf("Flush: %w", err)
		}
		sent++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("Flush: commit: %w", err)
	}

	p.logger.Info("outbox messages published", "count", sent, "claimed", len(msgs))
	return sent, nil
}
