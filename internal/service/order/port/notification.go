package port

import "context"

// SellerNotice is one message to a seller about an order.
type SellerNotice struct {
	SellerID      string `json:"sellerId"`
	OrderID       string `json:"orderId"`
	BuyerID       string `json:"buyerId"`
	Kind          string `json:"kind"` // "order_placed" or "order_cancelled"
	CorrelationID string `json:"correlationId"`
}

// SellerNotifier delivers notices to sellers. Delivery is best-effort; the
// caller decides whether a failure matters.
type SellerNotifier interface {
	Notify(ctx context.Context, notice SellerNotice) error
}
