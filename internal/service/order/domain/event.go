package domain

import "time"

const (
	EventOrderCreated   = "ORDER_CREATED"
	EventOrderCancelled = "ORDER_CANCELLED"
	EventOrderPaid      = "ORDER_PAID"
)

// Origin values for OrderEvent. An explicit field, not a naming convention
// on the correlation ID, so consumers never have to pattern-match.
const (
	OriginSaga = "saga"
	OriginAPI  = "api"
)

// OrderEvent is the order-stream domain event.
type OrderEvent struct {
	EventType     string    `json:"eventType"`
	Origin        string    `json:"origin"`
	OrderID       string    `json:"orderId"`
	CartID        string    `json:"cartId"`
	SellerID      string    `json:"sellerId"`
	BuyerID       string    `json:"buyerId"`
	CorrelationID string    `json:"correlationId"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
