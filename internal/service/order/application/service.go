package application

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/mq"
	sagapkg "bazaar/internal/pkg/saga"
	ordersaga "bazaar/internal/service/order/application/saga"
	"bazaar/internal/service/order/domain"
	"bazaar/internal/service/order/port"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

var ErrPaymentExpired = errors.New("order: payment window expired")

// OrderApplicationService drives order creation, payment and cancellation.
// Each per-seller order runs its own saga; the service fans out over sellers
// and never lets one seller's failure touch another's result.
type OrderApplicationService struct {
	repo        domain.Repository
	coordinator *sagapkg.Coordinator
	runner      *sagapkg.Runner
	ledger      port.LedgerClient
	notifier    port.SellerNotifier
	publisher   mq.Publisher

	orderTopic    string
	paymentWindow time.Duration
	now           func() time.Time

	timeoutDone chan struct{}
	timeoutWG   sync.WaitGroup
}

// OrderServiceOptions configures the order application service.
type OrderServiceOptions struct {
	OrderTopic    string
	PaymentWindow time.Duration
	Now           func() time.Time
}

func NewOrderApplicationService(
	repo domain.Repository,
	coordinator *sagapkg.Coordinator,
	ledger port.LedgerClient,
	notifier port.SellerNotifier,
	publisher mq.Publisher,
	opts OrderServiceOptions,
) *OrderApplicationService {
	if opts.OrderTopic == "" {
		opts.OrderTopic = "order-events"
	}
	if opts.PaymentWindow <= 0 {
		opts.PaymentWindow = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &OrderApplicationService{
		repo:          repo,
		coordinator:   coordinator,
		runner:        sagapkg.NewRunner(coordinator),
		ledger:        ledger,
		notifier:      notifier,
		publisher:     publisher,
		orderTopic:    opts.OrderTopic,
		paymentWindow: opts.PaymentWindow,
		now:           opts.Now,
		timeoutDone:   make(chan struct{}),
	}
}

// CreateOrder splits the cart by seller, persists one order per seller and
// runs an independent saga for each. The response carries every seller's
// outcome; a partial result is not an error.
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}
	for _, item := range req.Items {
		if item.SellerID == "" || item.ProductID == "" || item.VariantID == "" || item.Quantity <= 0 {
			return nil, errors.Wrapf(domain.ErrEmptyOrder, "invalid line item %s/%s", item.ProductID, item.VariantID)
		}
	}

	cartID := uuid.New().String()
	groups := domain.SplitBySeller(req.Items)

	orders := make([]*domain.Order, 0, len(groups))
	for sellerID, items := range groups {
		now := s.now()
		order := &domain.Order{
			OrderID:   uuid.New().String(),
			CartID:    cartID,
			SellerID:  sellerID,
			BuyerID:   req.BuyerID,
			Status:    domain.StateCreated,
			Items:     items,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.Save(ctx, order); err != nil {
			return nil, errors.Wrap(err, "persist order")
		}
		orders = append(orders, order)
	}

	results := make([]SellerOrderResult, len(orders))
	var g errgroup.Group
	for i, order := range orders {
		i, order := i, order
		g.Go(func() error {
			results[i] = s.runSellerSaga(ctx, order)
			return nil
		})
	}
	// Sibling sagas are independent; the group only synchronizes completion.
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].SellerID < results[j].SellerID })
	return &CreateOrderResponse{CartID: cartID, Orders: results}, nil
}

func (s *OrderApplicationService) runSellerSaga(ctx context.Context, order *domain.Order) SellerOrderResult {
	result := SellerOrderResult{OrderID: order.OrderID, SellerID: order.SellerID, Status: order.Status}

	payload, err := json.Marshal(ordersaga.OrderPayload{
		OrderID:  order.OrderID,
		CartID:   order.CartID,
		SellerID: order.SellerID,
		BuyerID:  order.BuyerID,
		Items:    order.Items,
	})
	if err != nil {
		s.markCancelled(ctx, order, err.Error())
		result.Status = domain.StateCancelled
		result.Reason = err.Error()
		return result
	}

	instance, err := s.coordinator.Start(ctx, ordersaga.TypeOrderCreation, payload, order.OrderID)
	if err != nil {
		s.markCancelled(ctx, order, err.Error())
		result.Status = domain.StateCancelled
		result.Reason = err.Error()
		return result
	}
	order.SagaID = instance.SagaID
	result.SagaID = instance.SagaID
	if err := s.repo.Save(ctx, order); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.OrderID).Msg("record saga id on order")
	}

	if final, runErr := s.runner.Run(ctx, instance); runErr != nil {
		if final != nil && final.Status == sagapkg.StatusCompleted {
			// The saga finished and the order is good; only its terminal
			// lifecycle event was lost. The store keeps the truth.
			logger.Ctx(ctx).Warn().Err(runErr).Str("order_id", order.OrderID).Msg("saga completed with lost lifecycle event")
		} else {
			s.markCancelled(ctx, order, runErr.Error())
			result.Status = domain.StateCancelled
			result.Reason = runErr.Error()
			return result
		}
	}

	refreshed, err := s.repo.FindByID(ctx, order.OrderID)
	if err != nil {
		result.Reason = err.Error()
		return result
	}
	result.Status = refreshed.Status
	result.Reason = refreshed.Reason
	return result
}

// markCancelled leaves a failed seller's order cancelled with the saga error
// as the reason. Reservations were already handled by the saga's compensation
// pass, so only the logical order state moves here. The confirm step's
// compensation may already have cancelled the order; that is not an error.
func (s *OrderApplicationService) markCancelled(ctx context.Context, order *domain.Order, reason string) {
	current, err := s.repo.FindByID(ctx, order.OrderID)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.OrderID).Msg("load order for cancellation mark")
		return
	}
	if err := current.Transition(domain.StateCancelled); err != nil {
		return
	}
	current.Reason = reason
	current.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, current); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.OrderID).Msg("save cancelled order")
	}
	s.publishOrderEvent(ctx, current, domain.EventOrderCancelled, reason, domain.OriginSaga)
}

// MarkPaid confirms payment for a pending order: every reservation the saga
// recorded is confirmed at the ledger, making its stock deduction permanent.
func (s *OrderApplicationService) MarkPaid(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.StatePendingPayment {
		return nil, domain.ErrInvalidTransition
	}
	if order.PaymentDeadline != nil && s.now().After(*order.PaymentDeadline) {
		if _, cancelErr := s.cancel(ctx, order, "payment window expired", domain.OriginAPI); cancelErr != nil {
			logger.Ctx(ctx).Error().Err(cancelErr).Str("order_id", orderID).Msg("cancel expired order")
		}
		return nil, ErrPaymentExpired
	}

	for _, ref := range order.Reservations {
		if err := s.ledger.Confirm(ctx, ref, order.OrderID); err != nil {
			// An expired or swept reservation means the stock is gone.
			// The order cannot be paid anymore.
			if _, cancelErr := s.cancel(ctx, order, "reservation no longer held", domain.OriginAPI); cancelErr != nil {
				logger.Ctx(ctx).Error().Err(cancelErr).Str("order_id", orderID).Msg("cancel unconfirmable order")
			}
			return nil, errors.Wrapf(err, "confirm reservation %s", ref.ReservationID)
		}
	}

	if err := order.Transition(domain.StatePaid); err != nil {
		return nil, err
	}
	order.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, order); err != nil {
		return nil, err
	}
	s.publishOrderEvent(ctx, order, domain.EventOrderPaid, "", domain.OriginAPI)
	logger.Ctx(ctx).Info().Str("order_id", orderID).Msg("order paid")
	return order, nil
}

// Cancel releases a pending order's reservations and marks it cancelled.
func (s *OrderApplicationService) Cancel(ctx context.Context, orderID, reason string) (*domain.Order, error) {
	order, err := s.repo.FindByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.cancel(ctx, order, reason, domain.OriginAPI)
}

func (s *OrderApplicationService) cancel(ctx context.Context, order *domain.Order, reason, origin string) (*domain.Order, error) {
	if err := order.Transition(domain.StateCancelled); err != nil {
		return nil, err
	}
	for _, ref := range order.Reservations {
		if err := s.ledger.Release(ctx, ref); err != nil {
			logger.Ctx(ctx).Error().
				Err(err).
				Str("order_id", order.OrderID).
				Str("reservation_id", ref.ReservationID).
				Msg("release reservation on cancel")
		}
	}
	order.Reason = reason
	order.UpdatedAt = s.now()
	if err := s.repo.Save(ctx, order); err != nil {
		return nil, err
	}
	s.publishOrderEvent(ctx, order, domain.EventOrderCancelled, reason, origin)
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, port.SellerNotice{
			SellerID:      order.SellerID,
			OrderID:       order.OrderID,
			BuyerID:       order.BuyerID,
			Kind:          "order_cancelled",
			CorrelationID: order.OrderID,
		}); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.OrderID).Msg("seller cancellation notice failed")
		}
	}
	logger.Ctx(ctx).Info().Str("order_id", order.OrderID).Str("reason", reason).Msg("order cancelled")
	return order, nil
}

// GetOrder loads one per-seller order.
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.repo.FindByID(ctx, orderID)
}

// GetCart loads every per-seller order of a cart.
func (s *OrderApplicationService) GetCart(ctx context.Context, cartID string) ([]*domain.Order, error) {
	return s.repo.FindByCart(ctx, cartID)
}

// SagaStatus reports a saga instance.
func (s *OrderApplicationService) SagaStatus(ctx context.Context, sagaID string) (*sagapkg.Instance, error) {
	return s.coordinator.Status(ctx, sagaID)
}

// CancelExpired cancels every order whose payment window has closed. The
// ledger-side reaper is the backstop for the reservations themselves.
func (s *OrderApplicationService) CancelExpired(ctx context.Context) int {
	overdue, err := s.repo.FindPendingPaymentBefore(ctx, s.now())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("scan orders past payment deadline")
		return 0
	}
	cancelled := 0
	for _, order := range overdue {
		if _, err := s.cancel(ctx, order, "payment timeout", domain.OriginSaga); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", order.OrderID).Msg("cancel timed-out order")
			continue
		}
		cancelled++
	}
	return cancelled
}

// StartTimeoutWorker runs the payment-timeout scan on an interval until Stop.
func (s *OrderApplicationService) StartTimeoutWorker(interval time.Duration) {
	s.timeoutWG.Add(1)
	go func() {
		defer s.timeoutWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.timeoutDone:
				return
			case <-ticker.C:
				s.CancelExpired(context.Background())
			}
		}
	}()
}

// Stop shuts down the timeout worker.
func (s *OrderApplicationService) Stop() {
	close(s.timeoutDone)
	s.timeoutWG.Wait()
}

func (s *OrderApplicationService) publishOrderEvent(ctx context.Context, order *domain.Order, eventType, reason, origin string) {
	if s.publisher == nil {
		return
	}
	event := domain.OrderEvent{
		EventType:     eventType,
		Origin:        origin,
		OrderID:       order.OrderID,
		CartID:        order.CartID,
		SellerID:      order.SellerID,
		BuyerID:       order.BuyerID,
		CorrelationID: order.OrderID,
		Reason:        reason,
		OccurredAt:    s.now(),
	}
	value, err := json.Marshal(event)
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("marshal order event")
		return
	}
	_ = s.publisher.Publish(ctx, s.orderTopic, []byte(order.OrderID), value, mq.PublishOptions{
		Critical:      false,
		CorrelationID: order.OrderID,
	})
}
