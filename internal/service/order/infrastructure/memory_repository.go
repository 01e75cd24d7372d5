package infrastructure

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"bazaar/internal/service/order/domain"
)

// MemoryRepository is the in-memory order store used by tests and single
// process deployments. Orders are deep-copied on the way in and out.
type MemoryRepository struct {
	mu     sync.RWMutex
	orders map[string]*domain.Order
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{orders: make(map[string]*domain.Order)}
}

func copyOrder(order *domain.Order) (*domain.Order, error) {
	raw, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}
	var out domain.Order
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *MemoryRepository) Save(ctx context.Context, order *domain.Order) error {
	stored, err := copyOrder(order)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.OrderID] = stored
	return nil
}

func (r *MemoryRepository) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored, ok := r.orders[orderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(stored)
}

func (r *MemoryRepository) FindByCart(ctx context.Context, cartID string) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, stored := range r.orders {
		if stored.CartID != cartID {
			continue
		}
		order, err := copyOrder(stored)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}

func (r *MemoryRepository) FindPendingPaymentBefore(ctx context.Context, deadline time.Time) ([]*domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Order
	for _, stored := range r.orders {
		if stored.Status != domain.StatePendingPayment {
			continue
		}
		if stored.PaymentDeadline == nil || stored.PaymentDeadline.After(deadline) {
			continue
		}
		order, err := copyOrder(stored)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}
