package saga

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bazaar/internal/pkg/mq"
	sagapkg "bazaar/internal/pkg/saga"
	inventory "bazaar/internal/service/inventory/domain"
	"bazaar/internal/service/order/domain"
	"bazaar/internal/service/order/infrastructure"
	"bazaar/internal/service/order/port"
)

type fakeInventory struct {
	mu     sync.Mutex
	stocks map[string]int64 // key: productID/variantID

	reserved  []domain.ReservationRef
	released  []string
	confirmed []string
	// failReserveAt fails the n-th reserve call (1-based); 0 disables.
	failReserveAt int
	reserveCalls  int
}

func invKey(productID, variantID string) string { return productID + "/" + variantID }

func (f *fakeInventory) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stock, ok := f.stocks[invKey(productID, variantID)]
	if !ok {
		return 0, inventory.ErrVariantNotFound
	}
	return stock, nil
}

func (f *fakeInventory) Reserve(ctx context.Context, item domain.LineItem, orderID string) (domain.ReservationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reserveCalls++
	if f.failReserveAt > 0 && f.reserveCalls >= f.failReserveAt {
		return domain.ReservationRef{}, inventory.ErrInsufficientStock
	}
	ref := domain.ReservationRef{
		ProductID:     item.ProductID,
		VariantID:     item.VariantID,
		ReservationID: "resv-" + item.ProductID,
		Quantity:      item.Quantity,
	}
	f.reserved = append(f.reserved, ref)
	return ref, nil
}

func (f *fakeInventory) Confirm(ctx context.Context, ref domain.ReservationRef, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, ref.ReservationID)
	return nil
}

func (f *fakeInventory) Release(ctx context.Context, ref domain.ReservationRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ref.ReservationID)
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []port.SellerNotice
	fail    bool
}

func (f *fakeNotifier) Notify(ctx context.Context, notice port.SellerNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("kafka unreachable")
	}
	f.notices = append(f.notices, notice)
	return nil
}

type nullPublisher struct{}

func (nullPublisher) Publish(ctx context.Context, topic string, key, value []byte, opts mq.PublishOptions) error {
	return nil
}

type sagaFixture struct {
	coordinator *sagapkg.Coordinator
	runner      *sagapkg.Runner
	inventory   *fakeInventory
	notifier    *fakeNotifier
	repo        *infrastructure.MemoryRepository
}

func newSagaFixture(t *testing.T) *sagaFixture {
	t.Helper()
	inv := &fakeInventory{stocks: map[string]int64{
		"p1/v1": 10,
		"p2/v1": 10,
	}}
	notifier := &fakeNotifier{}
	repo := infrastructure.NewMemoryRepository()

	coordinator := sagapkg.NewCoordinator(sagapkg.NewMemoryStore(), nullPublisher{}, sagapkg.CoordinatorOptions{
		InsertBackoff: time.Millisecond,
	})
	steps := &Steps{
		Inventory:     inv,
		Ledger:        inv,
		Notifier:      notifier,
		Repository:    repo,
		Publisher:     nullPublisher{},
		OrderTopic:    "order-events",
		PaymentWindow: time.Hour,
	}
	coordinator.Register(TypeOrderCreation, steps.Definition())

	return &sagaFixture{
		coordinator: coordinator,
		runner:      sagapkg.NewRunner(coordinator),
		inventory:   inv,
		notifier:    notifier,
		repo:        repo,
	}
}

func (f *sagaFixture) startOrder(t *testing.T, items []domain.LineItem) (*domain.Order, *sagapkg.Instance) {
	t.Helper()
	order := &domain.Order{
		OrderID:   "order-1",
		CartID:    "cart-1",
		SellerID:  "seller-1",
		BuyerID:   "buyer-1",
		Status:    domain.StateCreated,
		Items:     items,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.repo.Save(context.Background(), order); err != nil {
		t.Fatalf("save order: %v", err)
	}

	payload, err := json.Marshal(OrderPayload{
		OrderID:  order.OrderID,
		CartID:   order.CartID,
		SellerID: order.SellerID,
		BuyerID:  order.BuyerID,
		Items:    items,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	instance, err := f.coordinator.Start(context.Background(), TypeOrderCreation, payload, order.OrderID)
	if err != nil {
		t.Fatalf("start saga: %v", err)
	}
	return order, instance
}

func twoItems() []domain.LineItem {
	return []domain.LineItem{
		{SellerID: "seller-1", ProductID: "p1", VariantID: "v1", Quantity: 2},
		{SellerID: "seller-1", ProductID: "p2", VariantID: "v1", Quantity: 1},
	}
}

func TestOrderSagaHappyPath(t *testing.T) {
	f := newSagaFixture(t)
	order, instance := f.startOrder(t, twoItems())

	final, err := f.runner.Run(context.Background(), instance)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != sagapkg.StatusCompleted {
		t.Fatalf("saga status = %s, want completed", final.Status)
	}

	saved, err := f.repo.FindByID(context.Background(), order.OrderID)
	if err != nil {
		t.Fatalf("load order: %v", err)
	}
	if saved.Status != domain.StatePendingPayment {
		t.Fatalf("order status = %s, want %s", saved.Status, domain.StatePendingPayment)
	}
	if saved.ConfirmedAt == nil || saved.PaymentDeadline == nil {
		t.Fatal("confirmation timestamp or payment deadline missing")
	}
	if len(saved.Reservations) != 2 {
		t.Fatalf("order has %d reservations, want 2", len(saved.Reservations))
	}
	if len(f.inventory.released) != 0 {
		t.Fatalf("happy path released reservations: %v", f.inventory.released)
	}
	if len(f.notifier.notices) != 1 || f.notifier.notices[0].Kind != "order_placed" {
		t.Fatalf("notices = %+v, want one order_placed", f.notifier.notices)
	}
}

func TestOrderSagaValidateFailsOnShortStock(t *testing.T) {
	f := newSagaFixture(t)
	f.inventory.stocks["p1/v1"] = 1

	_, instance := f.startOrder(t, twoItems())
	final, err := f.runner.Run(context.Background(), instance)
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if final.Status != sagapkg.StatusCompensated {
		t.Fatalf("saga status = %s, want compensated", final.Status)
	}
	if f.inventory.reserveCalls != 0 {
		t.Fatal("reserve ran after validation failed")
	}
}

func TestOrderSagaValidateFailsOnMissingVariant(t *testing.T) {
	f := newSagaFixture(t)
	delete(f.inventory.stocks, "p2/v1")

	_, instance := f.startOrder(t, twoItems())
	if _, err := f.runner.Run(context.Background(), instance); !errors.Is(err, inventory.ErrVariantNotFound) {
		t.Fatalf("run error = %v, want ErrVariantNotFound", err)
	}
}

func TestOrderSagaPartialReservationReleased(t *testing.T) {
	f := newSagaFixture(t)
	f.inventory.failReserveAt = 2 // first item reserves, second fails

	order, instance := f.startOrder(t, twoItems())
	_, err := f.runner.Run(context.Background(), instance)
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("run error = %v, want ErrInsufficientStock", err)
	}

	var partial *PartialReservationError
	if !errors.As(err, &partial) {
		t.Fatalf("error %T does not carry the partial reservations", err)
	}
	if len(partial.Reserved) != 1 {
		t.Fatalf("partial carries %d reservations, want 1", len(partial.Reserved))
	}

	// Exactly the one successful reservation is released, exactly once.
	if len(f.inventory.released) != 1 || f.inventory.released[0] != "resv-p1" {
		t.Fatalf("released = %v, want [resv-p1]", f.inventory.released)
	}

	saved, _ := f.repo.FindByID(context.Background(), order.OrderID)
	if saved.Status != domain.StateCreated {
		t.Fatalf("order status = %s, want %s (confirm never ran)", saved.Status, domain.StateCreated)
	}
}

func TestOrderSagaNotificationFailureDoesNotCompensate(t *testing.T) {
	f := newSagaFixture(t)
	f.notifier.fail = true

	order, instance := f.startOrder(t, twoItems())
	final, err := f.runner.Run(context.Background(), instance)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if final.Status != sagapkg.StatusCompleted {
		t.Fatalf("saga status = %s, want completed despite notify failure", final.Status)
	}

	saved, _ := f.repo.FindByID(context.Background(), order.OrderID)
	if saved.Status != domain.StatePendingPayment {
		t.Fatalf("order status = %s, want %s", saved.Status, domain.StatePendingPayment)
	}
	if len(f.inventory.released) != 0 {
		t.Fatal("notification hiccup triggered compensation")
	}
}

func TestOrderSagaCompensationCancelsOrder(t *testing.T) {
	f := newSagaFixture(t)
	order, instance := f.startOrder(t, twoItems())
	ctx := context.Background()

	// Drive the first two steps to completion, then fail a later step so the
	// compensation pass walks back through them.
	if _, err := f.coordinator.CompleteStep(ctx, instance.SagaID, StepValidateItems, 2, order.OrderID); err != nil {
		t.Fatalf("complete validate: %v", err)
	}
	refs := []domain.ReservationRef{
		{ProductID: "p1", VariantID: "v1", ReservationID: "resv-p1", Quantity: 2},
		{ProductID: "p2", VariantID: "v1", ReservationID: "resv-p2", Quantity: 1},
	}
	if _, err := f.coordinator.CompleteStep(ctx, instance.SagaID, StepReserveStock, refs, order.OrderID); err != nil {
		t.Fatalf("complete reserve: %v", err)
	}
	if _, err := f.coordinator.CompleteStep(ctx, instance.SagaID, StepConfirmOrder, nil, order.OrderID); err != nil {
		t.Fatalf("complete confirm: %v", err)
	}

	final, err := f.coordinator.FailStep(ctx, instance.SagaID, StepNotifySellers, errors.New("boom"), order.OrderID)
	if err != nil {
		t.Fatalf("fail step: %v", err)
	}
	if final.Status != sagapkg.StatusCompensated {
		t.Fatalf("saga status = %s, want compensated", final.Status)
	}

	saved, _ := f.repo.FindByID(ctx, order.OrderID)
	if saved.Status != domain.StateCancelled {
		t.Fatalf("order status = %s, want %s", saved.Status, domain.StateCancelled)
	}
	if saved.Reason == "" {
		t.Fatal("cancelled order carries no reason")
	}
	if len(f.inventory.released) != 2 {
		t.Fatalf("released %d reservations, want 2", len(f.inventory.released))
	}
}

func TestOrderSagaCompletedStaysTerminal(t *testing.T) {
	f := newSagaFixture(t)
	order, instance := f.startOrder(t, twoItems())

	if _, err := f.runner.Run(context.Background(), instance); err != nil {
		t.Fatalf("run: %v", err)
	}
	final, err := f.coordinator.Compensate(context.Background(), instance.SagaID, order.OrderID)
	if err != nil {
		t.Fatalf("compensate: %v", err)
	}
	if final.Status != sagapkg.StatusCompleted {
		t.Fatalf("status = %s; terminal sagas must stay terminal", final.Status)
	}
	if len(f.inventory.released) != 0 {
		t.Fatal("compensating a completed saga released reservations")
	}
}
