package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bazaar/internal/pkg/mq"
	sagapkg "bazaar/internal/pkg/saga"
	inventory "bazaar/internal/service/inventory/domain"
	ordersaga "bazaar/internal/service/order/application/saga"
	"bazaar/internal/service/order/domain"
	"bazaar/internal/service/order/infrastructure"
	"bazaar/internal/service/order/port"
)

// fakeLedger serves both the read and the mutating inventory ports. Stock is
// tracked per variant so reserve failures come from real shortage, the same
// way the ledger service would fail.
type fakeLedger struct {
	mu     sync.Mutex
	stocks map[string]int64

	active    map[string]domain.ReservationRef
	confirmed []string
	released  []string
}

func newFakeLedger(stocks map[string]int64) *fakeLedger {
	return &fakeLedger{stocks: stocks, active: make(map[string]domain.ReservationRef)}
}

func ledgerKey(productID, variantID string) string { return productID + "/" + variantID }

func (f *fakeLedger) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stock, ok := f.stocks[ledgerKey(productID, variantID)]
	if !ok {
		return 0, inventory.ErrVariantNotFound
	}
	return stock, nil
}

func (f *fakeLedger) Reserve(ctx context.Context, item domain.LineItem, orderID string) (domain.ReservationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledgerKey(item.ProductID, item.VariantID)
	stock, ok := f.stocks[key]
	if !ok {
		return domain.ReservationRef{}, inventory.ErrVariantNotFound
	}
	if stock < item.Quantity {
		return domain.ReservationRef{}, inventory.ErrInsufficientStock
	}
	f.stocks[key] = stock - item.Quantity
	ref := domain.ReservationRef{
		ProductID:     item.ProductID,
		VariantID:     item.VariantID,
		ReservationID: "resv-" + item.ProductID + "-" + item.VariantID,
		Quantity:      item.Quantity,
	}
	f.active[ref.ReservationID] = ref
	return ref, nil
}

func (f *fakeLedger) Confirm(ctx context.Context, ref domain.ReservationRef, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[ref.ReservationID]; !ok {
		return inventory.ErrReservationNotFound
	}
	delete(f.active, ref.ReservationID)
	f.confirmed = append(f.confirmed, ref.ReservationID)
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, ref domain.ReservationRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.active[ref.ReservationID]; !ok {
		return inventory.ErrReservationNotFound
	}
	delete(f.active, ref.ReservationID)
	f.stocks[ledgerKey(ref.ProductID, ref.VariantID)] += ref.Quantity
	f.released = append(f.released, ref.ReservationID)
	return nil
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []port.SellerNotice
}

func (r *noticeRecorder) Notify(ctx context.Context, notice port.SellerNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, notice)
	return nil
}

func (r *noticeRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.notices))
	for _, n := range r.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

type orderEventRecorder struct {
	mu     sync.Mutex
	topics []string
	values [][]byte
}

func (r *orderEventRecorder) Publish(ctx context.Context, topic string, key, value []byte, opts mq.PublishOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.values = append(r.values, value)
	return nil
}

type orderFixture struct {
	service  *OrderApplicationService
	ledger   *fakeLedger
	notifier *noticeRecorder
	events   *orderEventRecorder
	repo     *infrastructure.MemoryRepository
	clock    *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newOrderFixture(t *testing.T, stocks map[string]int64) *orderFixture {
	t.Helper()
	ledger := newFakeLedger(stocks)
	notifier := &noticeRecorder{}
	events := &orderEventRecorder{}
	repo := infrastructure.NewMemoryRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	coordinator := sagapkg.NewCoordinator(sagapkg.NewMemoryStore(), events, sagapkg.CoordinatorOptions{
		InsertBackoff: time.Millisecond,
		Now:           clock.Now,
	})
	steps := &ordersaga.Steps{
		Inventory:     ledger,
		Ledger:        ledger,
		Notifier:      notifier,
		Repository:    repo,
		Publisher:     events,
		OrderTopic:    "order-events",
		PaymentWindow: 15 * time.Minute,
		Now:           clock.Now,
	}
	coordinator.Register(ordersaga.TypeOrderCreation, steps.Definition())

	service := NewOrderApplicationService(repo, coordinator, ledger, notifier, events, OrderServiceOptions{
		OrderTopic:    "order-events",
		PaymentWindow: 15 * time.Minute,
		Now:           clock.Now,
	})
	return &orderFixture{service: service, ledger: ledger, notifier: notifier, events: events, repo: repo, clock: clock}
}

func mixedCart() *CreateOrderRequest {
	return &CreateOrderRequest{
		BuyerID: "buyer-1",
		Items: []domain.LineItem{
			{SellerID: "seller-x", ProductID: "px", VariantID: "v1", Quantity: 2},
			{SellerID: "seller-y", ProductID: "py", VariantID: "v1", Quantity: 3},
		},
	}
}

func TestCreateOrderSplitsCartAndConfirms(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})

	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if len(resp.Orders) != 2 {
		t.Fatalf("got %d per-seller orders, want 2", len(resp.Orders))
	}
	for _, result := range resp.Orders {
		if result.Status != domain.StatePendingPayment {
			t.Fatalf("seller %s status = %s, want %s", result.SellerID, result.Status, domain.StatePendingPayment)
		}
		if result.SagaID == "" {
			t.Fatalf("seller %s result missing saga id", result.SellerID)
		}
	}
	if f.ledger.stocks["px/v1"] != 8 || f.ledger.stocks["py/v1"] != 7 {
		t.Fatalf("stocks = %v, want px 8 and py 7", f.ledger.stocks)
	}

	orders, err := f.service.GetCart(context.Background(), resp.CartID)
	if err != nil {
		t.Fatalf("get cart: %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("cart holds %d orders, want 2", len(orders))
	}
	for _, order := range orders {
		if order.PaymentDeadline == nil {
			t.Fatalf("order %s has no payment deadline", order.OrderID)
		}
		if len(order.Reservations) != 1 {
			t.Fatalf("order %s has %d reservations, want 1", order.OrderID, len(order.Reservations))
		}
	}
}

func TestCreateOrderPartialSellerFailure(t *testing.T) {
	// seller-y's product is short; seller-x must be untouched by that.
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 1})

	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	bySeller := make(map[string]SellerOrderResult, len(resp.Orders))
	for _, result := range resp.Orders {
		bySeller[result.SellerID] = result
	}
	if got := bySeller["seller-x"].Status; got != domain.StatePendingPayment {
		t.Fatalf("seller-x status = %s, want %s", got, domain.StatePendingPayment)
	}
	if got := bySeller["seller-y"].Status; got != domain.StateCancelled {
		t.Fatalf("seller-y status = %s, want %s", got, domain.StateCancelled)
	}
	if bySeller["seller-y"].Reason == "" {
		t.Fatal("failed seller result carries no reason")
	}
	// The failed seller's order itself ends cancelled, not stuck in created.
	stored, err := f.service.GetOrder(context.Background(), bySeller["seller-y"].OrderID)
	if err != nil {
		t.Fatalf("load seller-y order: %v", err)
	}
	if stored.Status != domain.StateCancelled {
		t.Fatalf("seller-y stored status = %s, want %s", stored.Status, domain.StateCancelled)
	}
	if stored.Reason == "" {
		t.Fatal("cancelled order carries no reason")
	}

	// seller-x's reservation survives the sibling failure.
	if f.ledger.stocks["px/v1"] != 8 {
		t.Fatalf("px stock = %d, want 8", f.ledger.stocks["px/v1"])
	}
	if len(f.ledger.released) != 0 {
		t.Fatalf("released = %v; sibling failure must not release seller-x", f.ledger.released)
	}
}

func TestCreateOrderRejectsEmptyAndInvalidCarts(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{})

	if _, err := f.service.CreateOrder(context.Background(), &CreateOrderRequest{BuyerID: "b"}); !errors.Is(err, domain.ErrEmptyOrder) {
		t.Fatalf("empty cart error = %v, want ErrEmptyOrder", err)
	}
	req := &CreateOrderRequest{BuyerID: "b", Items: []domain.LineItem{{SellerID: "s", ProductID: "p", VariantID: "v", Quantity: 0}}}
	if _, err := f.service.CreateOrder(context.Background(), req); !errors.Is(err, domain.ErrEmptyOrder) {
		t.Fatalf("zero quantity error = %v, want ErrEmptyOrder", err)
	}
}

func TestMarkPaidConfirmsReservations(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})
	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	orderID := resp.Orders[0].OrderID
	paid, err := f.service.MarkPaid(context.Background(), orderID)
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.Status != domain.StatePaid {
		t.Fatalf("order status = %s, want %s", paid.Status, domain.StatePaid)
	}
	if len(f.ledger.confirmed) != 1 {
		t.Fatalf("confirmed %d reservations, want 1", len(f.ledger.confirmed))
	}

	// Paying twice is an invalid transition, not a double confirm.
	if _, err := f.service.MarkPaid(context.Background(), orderID); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("second pay error = %v, want ErrInvalidTransition", err)
	}
	if len(f.ledger.confirmed) != 1 {
		t.Fatal("second pay touched the ledger")
	}
}

func TestMarkPaidAfterDeadlineCancels(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})
	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	orderID := resp.Orders[0].OrderID

	f.clock.Advance(16 * time.Minute)

	if _, err := f.service.MarkPaid(context.Background(), orderID); !errors.Is(err, ErrPaymentExpired) {
		t.Fatalf("late pay error = %v, want ErrPaymentExpired", err)
	}
	order, err := f.service.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != domain.StateCancelled {
		t.Fatalf("order status = %s, want %s", order.Status, domain.StateCancelled)
	}
	if len(f.ledger.released) != 1 {
		t.Fatalf("released %d reservations, want 1", len(f.ledger.released))
	}
}

func TestCancelReleasesReservations(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})
	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	orderID := resp.Orders[0].OrderID
	stockBefore := f.ledger.stocks // mutated in place by release

	cancelled, err := f.service.Cancel(context.Background(), orderID, "buyer changed mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StateCancelled {
		t.Fatalf("order status = %s, want %s", cancelled.Status, domain.StateCancelled)
	}
	if cancelled.Reason != "buyer changed mind" {
		t.Fatalf("reason = %q", cancelled.Reason)
	}
	if len(f.ledger.released) != 1 {
		t.Fatalf("released %d reservations, want 1", len(f.ledger.released))
	}
	ref := cancelled.Reservations[0]
	if stockBefore[ledgerKey(ref.ProductID, ref.VariantID)] != 10 {
		t.Fatalf("stock for %s/%s not restored", ref.ProductID, ref.VariantID)
	}

	kinds := f.notifier.kinds()
	if kinds[len(kinds)-1] != "order_cancelled" {
		t.Fatalf("last notice kind = %q, want order_cancelled", kinds[len(kinds)-1])
	}

	if _, err := f.service.Cancel(context.Background(), orderID, "again"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("double cancel error = %v, want ErrInvalidTransition", err)
	}
}

func TestCancelExpiredSweepsOverdueOrders(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})
	if _, err := f.service.CreateOrder(context.Background(), mixedCart()); err != nil {
		t.Fatalf("create order: %v", err)
	}

	if n := f.service.CancelExpired(context.Background()); n != 0 {
		t.Fatalf("cancelled %d fresh orders, want 0", n)
	}

	f.clock.Advance(16 * time.Minute)
	if n := f.service.CancelExpired(context.Background()); n != 2 {
		t.Fatalf("cancelled %d overdue orders, want 2", n)
	}
	if len(f.ledger.released) != 2 {
		t.Fatalf("released %d reservations, want 2", len(f.ledger.released))
	}
	// The sweep is idempotent: cancelled orders are no longer pending.
	if n := f.service.CancelExpired(context.Background()); n != 0 {
		t.Fatalf("second sweep cancelled %d, want 0", n)
	}
}

func TestSagaStatusReflectsOutcome(t *testing.T) {
	f := newOrderFixture(t, map[string]int64{"px/v1": 10, "py/v1": 10})
	resp, err := f.service.CreateOrder(context.Background(), mixedCart())
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	instance, err := f.service.SagaStatus(context.Background(), resp.Orders[0].SagaID)
	if err != nil {
		t.Fatalf("saga status: %v", err)
	}
	if instance.Status != sagapkg.StatusCompleted {
		t.Fatalf("saga status = %s, want %s", instance.Status, sagapkg.StatusCompleted)
	}
}
