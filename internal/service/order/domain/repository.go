package domain

import (
	"context"
	"time"
)

// Repository persists per-seller orders.
type Repository interface {
	Save(ctx context.Context, order *Order) error
	FindByID(ctx context.Context, orderID string) (*Order, error)
	FindByCart(ctx context.Context, cartID string) ([]*Order, error)
	FindPendingPaymentBefore(ctx context.Context, deadline time.Time) ([]*Order, error)
}
