package domain

import (
	"context"
	"time"
)

// Ledger is the reservation ledger port. Every mutating operation is a single
// atomic conditional update at the storage layer; an in-process mutex is not
// enough on its own because multiple service instances mutate the same
// records concurrently.
type Ledger interface {
	// Reserve deducts stock and appends an active reservation in one atomic
	// step, but only while stock >= qty. Losing the race to a concurrent
	// caller yields ErrInsufficientStock; callers must not retry blindly,
	// the stock may legitimately be gone.
	Reserve(ctx context.Context, productID, variantID string, qty int64, orderID string, ttl time.Duration) (Reservation, error)

	// Confirm flips an active, unexpired reservation to confirmed. Stock is
	// untouched; it was already deducted at reserve time.
	Confirm(ctx context.Context, productID, variantID, reservationID, orderID string) error

	// Release flips an active reservation to released and restores its
	// quantity to stock. A second call returns ErrReservationNotFound
	// instead of crediting stock twice.
	Release(ctx context.Context, productID, variantID, reservationID string) (Reservation, error)

	// Expire flips an active reservation past its deadline to expired and
	// restores stock. Safe against concurrent Confirm/Release/Expire: the
	// transition is guarded by the current status.
	Expire(ctx context.Context, productID, variantID, reservationID string) (Reservation, error)

	// Stock returns the available counter, already net of active and
	// confirmed reservations.
	Stock(ctx context.Context, productID, variantID string) (int64, error)

	// SweepExpired expires every active reservation whose deadline passed,
	// returning what it expired. This is the reaper's backstop; it must be
	// safe to run concurrently with per-reservation timers and with itself.
	SweepExpired(ctx context.Context, now time.Time) ([]Reservation, error)

	// SeedVariant creates or resets a variant's stock counter.
	SeedVariant(ctx context.Context, productID, variantID string, stock int64) error
}
