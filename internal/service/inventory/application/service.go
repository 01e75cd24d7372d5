package application

import (
	"context"
	"encoding/json"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/metrics"
	"bazaar/internal/pkg/mq"
	"bazaar/internal/service/inventory/domain"

	"github.com/pkg/errors"
)

// ServiceOptions wires the inventory service's TTL and event topic.
type ServiceOptions struct {
	ReserveTTL time.Duration
	StockTopic string
	Now        func() time.Time
}

// Service fronts the reservation ledger: it applies the reserve TTL, keeps
// the reaper's timers in step with the ledger and announces stock movements
// on the stock topic.
type Service struct {
	ledger    domain.Ledger
	reaper    *Reaper
	publisher mq.Publisher
	opts      ServiceOptions
}

func NewService(ledger domain.Ledger, reaper *Reaper, publisher mq.Publisher, opts ServiceOptions) *Service {
	if opts.ReserveTTL <= 0 {
		opts.ReserveTTL = 15 * time.Minute
	}
	if opts.StockTopic == "" {
		opts.StockTopic = "stock-events"
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{ledger: ledger, reaper: reaper, publisher: publisher, opts: opts}
}

// Reserve places a hold on the variant's stock and arms its expiry timer.
func (s *Service) Reserve(ctx context.Context, productID, variantID string, qty int64, orderID string) (domain.Reservation, error) {
	res, err := s.ledger.Reserve(ctx, productID, variantID, qty, orderID, s.opts.ReserveTTL)
	if err != nil {
		if errors.Is(err, domain.ErrInsufficientStock) {
			metrics.InsufficientStock.Inc()
		}
		return domain.Reservation{}, err
	}

	metrics.ReservationsReserved.Inc()
	if s.reaper != nil {
		s.reaper.Schedule(res)
	}
	s.publishStockEvent(ctx, domain.StockEvent{
		EventType:     domain.EventStockDeducted,
		ProductID:     res.ProductID,
		VariantID:     res.VariantID,
		ReservationID: res.ReservationID,
		OrderID:       res.OrderID,
		Quantity:      res.Quantity,
		OccurredAt:    s.opts.Now(),
	})

	logger.Ctx(ctx).Info().
		Str("reservation_id", res.ReservationID).
		Str("order_id", orderID).
		Int64("quantity", qty).
		Time("expires_at", res.ExpiresAt).
		Msg("stock reserved")
	return res, nil
}

// Confirm makes a reservation's stock deduction permanent. Confirming twice
// fails with ErrReservationNotFound, which callers treat as already settled.
func (s *Service) Confirm(ctx context.Context, productID, variantID, reservationID, orderID string) error {
	if err := s.ledger.Confirm(ctx, productID, variantID, reservationID, orderID); err != nil {
		return err
	}
	metrics.ReservationsConfirmed.Inc()
	if s.reaper != nil {
		s.reaper.Cancel(reservationID)
	}
	logger.Ctx(ctx).Info().
		Str("reservation_id", reservationID).
		Str("order_id", orderID).
		Msg("reservation confirmed")
	return nil
}

// Release returns a reservation's quantity to stock.
func (s *Service) Release(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	res, err := s.ledger.Release(ctx, productID, variantID, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	metrics.ReservationsReleased.Inc()
	if s.reaper != nil {
		s.reaper.Cancel(reservationID)
	}
	s.publishStockEvent(ctx, domain.StockEvent{
		EventType:     domain.EventStockRestored,
		ProductID:     res.ProductID,
		VariantID:     res.VariantID,
		ReservationID: res.ReservationID,
		OrderID:       res.OrderID,
		Quantity:      res.Quantity,
		Reason:        "released",
		OccurredAt:    s.opts.Now(),
	})
	logger.Ctx(ctx).Info().
		Str("reservation_id", reservationID).
		Int64("quantity", res.Quantity).
		Msg("reservation released")
	return res, nil
}

// Stock reports the variant's available counter.
func (s *Service) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	return s.ledger.Stock(ctx, productID, variantID)
}

// SeedVariant creates or resets a variant's stock counter.
func (s *Service) SeedVariant(ctx context.Context, productID, variantID string, stock int64) error {
	if stock < 0 {
		return domain.ErrValidation
	}
	return s.ledger.SeedVariant(ctx, productID, variantID, stock)
}

// HandleExpired is the reaper callback: it records the expiry and announces
// the restored stock.
func (s *Service) HandleExpired(ctx context.Context, res domain.Reservation) {
	metrics.ReservationsExpired.Inc()
	s.publishStockEvent(ctx, domain.StockEvent{
		EventType:     domain.EventStockRestored,
		ProductID:     res.ProductID,
		VariantID:     res.VariantID,
		ReservationID: res.ReservationID,
		OrderID:       res.OrderID,
		Quantity:      res.Quantity,
		Reason:        "expired",
		OccurredAt:    s.opts.Now(),
	})
}

// Stock movement announcements are advisory; a publish failure must never
// undo a ledger transition that already happened.
func (s *Service) publishStockEvent(ctx context.Context, event domain.StockEvent) {
	if s.publisher == nil {
		return
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("marshal stock event")
		return
	}
	key := []byte(event.ProductID + ":" + event.VariantID)
	_ = s.publisher.Publish(ctx, s.opts.StockTopic, key, value, mq.PublishOptions{
		Critical:      false,
		CorrelationID: event.OrderID,
	})
}
