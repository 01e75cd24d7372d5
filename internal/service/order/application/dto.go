package application

import "bazaar/internal/service/order/domain"

// CreateOrderRequest is one buyer cart, possibly spanning several sellers.
type CreateOrderRequest struct {
	BuyerID string            `json:"buyerId"`
	Items   []domain.LineItem `json:"items"`
}

// SellerOrderResult reports the outcome of one per-seller saga.
type SellerOrderResult struct {
	OrderID  string       `json:"orderId"`
	SellerID string       `json:"sellerId"`
	SagaID   string       `json:"sagaId"`
	Status   domain.State `json:"status"`
	Reason   string       `json:"reason,omitempty"`
}

// CreateOrderResponse is the per-seller fan-out outcome. Partial success is a
// valid result: succeeded sellers stand even when others failed.
type CreateOrderResponse struct {
	CartID string              `json:"cartId"`
	Orders []SellerOrderResult `json:"orders"`
}
