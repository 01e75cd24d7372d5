package infrastructure

import (
	"context"
	"sync"
	"time"

	"bazaar/internal/service/inventory/domain"

	"github.com/google/uuid"
)

// MemoryLedger implements the ledger contract over a mutex-guarded map. The
// mutex plays the role the storage engine's atomic conditional update plays
// in the MySQL and Redis ledgers: check-and-mutate under one critical
// section. It backs tests and single-node dev setups.
type MemoryLedger struct {
	mu       sync.Mutex
	variants map[string]*memVariant

	// now is injectable for expiry tests.
	now func() time.Time
}

type memVariant struct {
	stock        int64
	reservations map[string]*domain.Reservation
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		variants: make(map[string]*memVariant),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock. Test hook.
func (l *MemoryLedger) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func key(productID, variantID string) string {
	return productID + ":" + variantID
}

func (l *MemoryLedger) Reserve(ctx context.Context, productID, variantID string, qty int64, orderID string, ttl time.Duration) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, domain.ErrValidation
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	v, ok := l.variants[key(productID, variantID)]
	if !ok {
		return domain.Reservation{}, domain.ErrVariantNotFound
	}
	if v.stock < qty {
		return domain.Reservation{}, domain.ErrInsufficientStock
	}

	now := l.now()
	res := domain.Reservation{
		ReservationID: uuid.New().String(),
		ProductID:     productID,
		VariantID:     variantID,
		OrderID:       orderID,
		Quantity:      qty,
		Status:        domain.ReservationActive,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	v.stock -= qty
	stored := res
	v.reservations[res.ReservationID] = &stored
	return res, nil
}

func (l *MemoryLedger) Confirm(ctx context.Context, productID, variantID, reservationID, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.lookup(productID, variantID, reservationID)
	if !ok || res.Status != domain.ReservationActive {
		return domain.ErrReservationNotFound
	}
	if l.now().After(res.ExpiresAt) {
		return domain.ErrReservationExpired
	}
	res.Status = domain.ReservationConfirmed
	return nil
}

func (l *MemoryLedger) Release(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.lookup(productID, variantID, reservationID)
	if !ok || res.Status != domain.ReservationActive {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	res.Status = domain.ReservationReleased
	l.variants[key(productID, variantID)].stock += res.Quantity
	return *res, nil
}

func (l *MemoryLedger) Expire(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.expireLocked(productID, variantID, reservationID)
}

func (l *MemoryLedger) expireLocked(productID, variantID, reservationID string) (domain.Reservation, error) {
	res, ok := l.lookup(productID, variantID, reservationID)
	if !ok || res.Status != domain.ReservationActive {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	if res.ExpiresAt.After(l.now()) {
		// Not yet due; the timer fired early or the sweep raced a renewal.
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	res.Status = domain.ReservationExpired
	l.variants[key(productID, variantID)].stock += res.Quantity
	return *res, nil
}

func (l *MemoryLedger) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.variants[key(productID, variantID)]
	if !ok {
		return 0, domain.ErrVariantNotFound
	}
	return v.stock, nil
}

func (l *MemoryLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var expired []domain.Reservation
	for _, v := range l.variants {
		for _, res := range v.reservations {
			if res.Status == domain.ReservationActive && res.ExpiresAt.Before(now) {
				res.Status = domain.ReservationExpired
				v.stock += res.Quantity
				expired = append(expired, *res)
			}
		}
	}
	return expired, nil
}

func (l *MemoryLedger) SeedVariant(ctx context.Context, productID, variantID string, stock int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.variants[key(productID, variantID)] = &memVariant{
		stock:        stock,
		reservations: make(map[string]*domain.Reservation),
	}
	return nil
}

func (l *MemoryLedger) lookup(productID, variantID, reservationID string) (*domain.Reservation, bool) {
	v, ok := l.variants[key(productID, variantID)]
	if !ok {
		return nil, false
	}
	res, ok := v.reservations[reservationID]
	return res, ok
}
