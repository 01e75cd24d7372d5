package domain

import "time"

const (
	EventStockDeducted = "STOCK_DEDUCTED"
	EventStockRestored = "STOCK_RESTORED"
)

// StockEvent is published to the stock topic whenever a variant's counter
// moves. Reason distinguishes a caller-initiated release from a reaper
// expiry on STOCK_RESTORED events.
type StockEvent struct {
	EventType     string    `json:"eventType"`
	ProductID     string    `json:"productId"`
	VariantID     string    `json:"variantId"`
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId"`
	Quantity      int64     `json:"quantity"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
