package realtime

import "github.com/shopspring/decimal"

const (
	EventPaymentStatus = "payment-status"
	EventSubscribed    = "subscribed"
	EventError         = "error"

	eventSubscribe = "subscribe"
)

// Event is a server-to-client message on the websocket.
type Event struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

type PaymentStatus struct {
	Success           bool              `json:"success"`
	TransactionStatus string            `json:"transactionStatus"`
	Message           string            `json:"message"`
	Data              PaymentStatusData `json:"data"`
}

type PaymentStatusData struct {
	ResultCode         int              `json:"resultCode"`
	ResultDesc         string           `json:"resultDesc"`
	MpesaReceiptNumber string           `json:"mpesaReceiptNumber,omitempty"`
	Amount             *decimal.Decimal `json:"amount,omitempty"`
	PhoneNumber        string           `json:"phoneNumber,omitempty"`
	CheckoutRequestID  string           `json:"checkoutRequestId"`
}

func NewPaymentStatusEvent(ps PaymentStatus) Event {
	return Event{Event: EventPaymentStatus, Payload: ps}
}

type subscribeMessage struct {
	Event             string `json:"event"`
	CheckoutRequestID string `json:"checkoutRequestId"`
}
