package domain

import (
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
)

const MessageTypePaymentResolved = "payment.resolved"

type OutboxMessage struct {
	ID          uuid.UUID
	AggregateID uuid.UUID
	MessageType string
	Key         string
	Payload     []byte
	Status      OutboxStatus
	CreatedAt   time.Time
	SentAt      *time.Time
}
