package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CallbackEventStatus string

const (
	CallbackEventStatusPending    CallbackEventStatus = "pending"
	CallbackEventStatusDispatched CallbackEventStatus = "dispatched"
	CallbackEventStatusIgnored    CallbackEventStatus = "ignored"
	CallbackEventStatusFailed     CallbackEventStatus = "failed"
)

// CallbackEvent is the raw gateway callback as received, kept so settlement
// can be replayed when it fails part way.
type CallbackEvent struct {
	ID                uuid.UUID
	CheckoutRequestID string
	ResultCode        int
	Payload           json.RawMessage
	Status            CallbackEventStatus
	Attempts          int
	LastError         *string
	LastAttempt       *time.Time
	CreatedAt         time.Time
}
