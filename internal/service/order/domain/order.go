package domain

import (
	"errors"
	"time"
)

// LineItem is one (product, variant) position on an order, tagged with the
// seller it belongs to so a multi-seller cart can be split.
type LineItem struct {
	SellerID  string `json:"sellerId"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId"`
	Quantity  int64  `json:"quantity"`
}

// ReservationRef points at a stock reservation held for one line item.
type ReservationRef struct {
	ProductID     string `json:"productId"`
	VariantID     string `json:"variantId"`
	ReservationID string `json:"reservationId"`
	Quantity      int64  `json:"quantity"`
}

// Order is a per-seller order. A cart spanning several sellers becomes
// several Orders sharing one CartID, each driven by its own saga.
type Order struct {
	OrderID         string           `json:"orderId"`
	CartID          string           `json:"cartId"`
	SellerID        string           `json:"sellerId"`
	BuyerID         string           `json:"buyerId"`
	Status          State            `json:"status"`
	Items           []LineItem       `json:"items"`
	Reservations    []ReservationRef `json:"reservations,omitempty"`
	SagaID          string           `json:"sagaId,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	ConfirmedAt     *time.Time       `json:"confirmedAt,omitempty"`
	PaymentDeadline *time.Time       `json:"paymentDeadline,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

var (
	ErrOrderNotFound     = errors.New("order: not found")
	ErrInvalidTransition = errors.New("order: invalid state transition")
	ErrEmptyOrder        = errors.New("order: no line items")
)

// SplitBySeller partitions a cart's items into per-seller groups, preserving
// the item order within each group.
func SplitBySeller(items []LineItem) map[string][]LineItem {
	groups := make(map[string][]LineItem)
	for _, item := range items {
		groups[item.SellerID] = append(groups[item.SellerID], item)
	}
	return groups
}
