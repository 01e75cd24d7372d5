// Package saga holds the order-creation saga definition: the typed step
// table registered with the coordinator at startup.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	"bazaar/internal/pkg/saga"
	"bazaar/internal/service/order/domain"
	"bazaar/internal/service/order/port"

	"github.com/pkg/errors"
)

const TypeOrderCreation = "ORDER_CREATION"

const (
	StepValidateItems = "VALIDATE_ITEMS"
	StepReserveStock  = "RESERVE_STOCK"
	StepConfirmOrder  = "CONFIRM_ORDER"
	StepNotifySellers = "NOTIFY_SELLERS"
)

// OrderPayload is the saga payload: everything the steps need to process one
// per-seller order.
type OrderPayload struct {
	OrderID  string            `json:"orderId"`
	CartID   string            `json:"cartId"`
	SellerID string            `json:"sellerId"`
	BuyerID  string            `json:"buyerId"`
	Items    []domain.LineItem `json:"items"`
}

// PartialReservationError is returned when RESERVE_STOCK fails mid-loop. It
// carries the reservations that did succeed so exactly those get released.
type PartialReservationError struct {
	Reserved []domain.ReservationRef
	Cause    error
}

func (e *PartialReservationError) Error() string {
	return fmt.Sprintf("reserved %d of order's items before failing: %v", len(e.Reserved), e.Cause)
}

func (e *PartialReservationError) Unwrap() error { return e.Cause }

// PartialData satisfies the partial-failure contract consumed by the runner.
func (e *PartialReservationError) PartialData() any { return e.Reserved }

// Steps bundles the dependencies of the order-creation saga steps.
type Steps struct {
	Inventory  port.InventoryReader
	Ledger     port.LedgerClient
	Notifier   port.SellerNotifier
	Repository domain.Repository
	Publisher  mq.Publisher
	OrderTopic string
	// PaymentWindow is how long a confirmed order waits for payment.
	PaymentWindow time.Duration
	Now           func() time.Time
}

// Definition builds the ORDER_CREATION step table.
func (s *Steps) Definition() saga.Definition {
	if s.Now == nil {
		s.Now = func() time.Time { return time.Now().UTC() }
	}
	if s.PaymentWindow <= 0 {
		s.PaymentWindow = 15 * time.Minute
	}
	return saga.Definition{Steps: []saga.Step{
		{Name: StepValidateItems, Execute: s.validateItems},
		{Name: StepReserveStock, Execute: s.reserveStock, Compensate: s.releaseReservations},
		{Name: StepConfirmOrder, Execute: s.confirmOrder, Compensate: s.cancelOrder},
		{Name: StepNotifySellers, Execute: s.notifySellers, Compensate: s.notifyCancellation},
	}}
}

func decodePayload(raw json.RawMessage) (OrderPayload, error) {
	var p OrderPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return OrderPayload{}, errors.Wrap(err, "decode order payload")
	}
	return p, nil
}

// validateItems checks product existence and current stock for every line
// item. Any missing or short item fails the whole step; there is no partial
// validation. Read-only, so no compensation.
func (s *Steps) validateItems(ctx context.Context, raw json.RawMessage, correlationID string) (any, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}
	if len(payload.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	for _, item := range payload.Items {
		stock, err := s.Inventory.Stock(ctx, item.ProductID, item.VariantID)
		if err != nil {
			return nil, errors.Wrapf(err, "validate %s/%s", item.ProductID, item.VariantID)
		}
		if stock < item.Quantity {
			return nil, errors.Errorf("item %s/%s has %d in stock, order wants %d",
				item.ProductID, item.VariantID, stock, item.Quantity)
		}
	}
	return len(payload.Items), nil
}

// reserveStock places one ledger reservation per line item. On a mid-loop
// failure the accumulated reservations ride along on the error so the
// compensation releases exactly what succeeded.
func (s *Steps) reserveStock(ctx context.Context, raw json.RawMessage, correlationID string) (any, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	reserved := make([]domain.ReservationRef, 0, len(payload.Items))
	for _, item := range payload.Items {
		ref, err := s.Ledger.Reserve(ctx, item, payload.OrderID)
		if err != nil {
			return nil, &PartialReservationError{Reserved: reserved, Cause: err}
		}
		reserved = append(reserved, ref)
	}

	if order, err := s.Repository.FindByID(ctx, payload.OrderID); err == nil {
		order.Reservations = reserved
		if err := s.Repository.Save(ctx, order); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", payload.OrderID).Msg("record reservations on order")
		}
	}
	return reserved, nil
}

// releaseReservations undoes reserveStock. Individual release failures are
// logged, never aborted on; the remaining reservations still get released.
func (s *Steps) releaseReservations(ctx context.Context, raw json.RawMessage, data json.RawMessage, correlationID string) error {
	var reserved []domain.ReservationRef
	if err := json.Unmarshal(data, &reserved); err != nil {
		return errors.Wrap(err, "decode reservations")
	}
	for _, ref := range reserved {
		if err := s.Ledger.Release(ctx, ref); err != nil {
			logger.Ctx(ctx).Error().
				Err(err).
				Str("reservation_id", ref.ReservationID).
				Str("correlation_id", correlationID).
				Msg("release reservation failed during compensation")
		}
	}
	return nil
}

// confirmOrder records the confirmation timestamp, opens the payment window
// and announces the order. The ledger is untouched here: the reservations
// were already economically spent by reserveStock.
func (s *Steps) confirmOrder(ctx context.Context, raw json.RawMessage, correlationID string) (any, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	order, err := s.Repository.FindByID(ctx, payload.OrderID)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	deadline := now.Add(s.PaymentWindow)
	order.ConfirmedAt = &now
	order.PaymentDeadline = &deadline
	if err := order.Transition(domain.StatePendingPayment); err != nil {
		return nil, err
	}
	order.UpdatedAt = now
	if err := s.Repository.Save(ctx, order); err != nil {
		return nil, err
	}

	s.publishOrderEvent(ctx, payload, domain.EventOrderCreated, "")
	return now, nil
}

// cancelOrder is confirmOrder's compensation: it marks the logical order
// cancelled. Ledger side effects are undone by reserveStock's compensation.
func (s *Steps) cancelOrder(ctx context.Context, raw json.RawMessage, data json.RawMessage, correlationID string) error {
	payload, err := decodePayload(raw)
	if err != nil {
		return err
	}

	order, err := s.Repository.FindByID(ctx, payload.OrderID)
	if err != nil {
		return err
	}
	if err := order.Transition(domain.StateCancelled); err != nil {
		return err
	}
	order.Reason = "order creation compensated"
	order.UpdatedAt = s.Now()
	if err := s.Repository.Save(ctx, order); err != nil {
		return err
	}

	s.publishOrderEvent(ctx, payload, domain.EventOrderCancelled, order.Reason)
	return nil
}

// notifySellers delivers the placement notice. Failures are swallowed after
// logging: a notification hiccup must never compensate a good order.
func (s *Steps) notifySellers(ctx context.Context, raw json.RawMessage, correlationID string) (any, error) {
	payload, err := decodePayload(raw)
	if err != nil {
		return nil, err
	}

	notified := s.notify(ctx, payload, "order_placed", correlationID)
	return notified, nil
}

// notifyCancellation sends a best-effort cancellation notice.
func (s *Steps) notifyCancellation(ctx context.Context, raw json.RawMessage, data json.RawMessage, correlationID string) error {
	payload, err := decodePayload(raw)
	if err != nil {
		return err
	}
	s.notify(ctx, payload, "order_cancelled", correlationID)
	return nil
}

func (s *Steps) notify(ctx context.Context, payload OrderPayload, kind, correlationID string) bool {
	err := s.Notifier.Notify(ctx, port.SellerNotice{
		SellerID:      payload.SellerID,
		OrderID:       payload.OrderID,
		BuyerID:       payload.BuyerID,
		Kind:          kind,
		CorrelationID: correlationID,
	})
	if err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("seller_id", payload.SellerID).
			Str("order_id", payload.OrderID).
			Str("kind", kind).
			Msg("seller notification failed")
		return false
	}
	return true
}

func (s *Steps) publishOrderEvent(ctx context.Context, payload OrderPayload, eventType, reason string) {
	if s.Publisher == nil {
		return
	}
	event := domain.OrderEvent{
		EventType:     eventType,
		Origin:        domain.OriginSaga,
		OrderID:       payload.OrderID,
		CartID:        payload.CartID,
		SellerID:      payload.SellerID,
		BuyerID:       payload.BuyerID,
		CorrelationID: payload.OrderID,
		Reason:        reason,
		OccurredAt:    s.Now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("marshal order event")
		return
	}
	_ = s.Publisher.Publish(ctx, s.OrderTopic, []byte(payload.OrderID), value, mq.PublishOptions{
		Critical:      false,
		CorrelationID: payload.OrderID,
	})
}
