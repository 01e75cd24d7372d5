package port

import (
	"context"

	"bazaar/internal/service/order/domain"
)

// InventoryReader is the read side of the inventory service, used by item
// validation.
type InventoryReader interface {
	// Stock returns the variant's available counter, or
	// inventory ErrVariantNotFound if the variant does not exist.
	Stock(ctx context.Context, productID, variantID string) (int64, error)
}

// LedgerClient is the mutating side of the reservation ledger.
type LedgerClient interface {
	Reserve(ctx context.Context, item domain.LineItem, orderID string) (domain.ReservationRef, error)
	Confirm(ctx context.Context, ref domain.ReservationRef, orderID string) error
	Release(ctx context.Context, ref domain.ReservationRef) error
}
