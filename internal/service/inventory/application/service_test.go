package application

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"bazaar/internal/pkg/mq"
	"bazaar/internal/service/inventory/domain"
	"bazaar/internal/service/inventory/infrastructure"
)

type stockEventRecorder struct {
	mu     sync.Mutex
	events []domain.StockEvent
	topics []string
	opts   []mq.PublishOptions
}

func (r *stockEventRecorder) Publish(ctx context.Context, topic string, key, value []byte, opts mq.PublishOptions) error {
	var event domain.StockEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.topics = append(r.topics, topic)
	r.opts = append(r.opts, opts)
	return nil
}

func newTestService(t *testing.T) (*Service, *stockEventRecorder, *expiredRecorder) {
	t.Helper()
	ledger := infrastructure.NewMemoryLedger()
	if err := ledger.SeedVariant(context.Background(), "p1", "v1", 10); err != nil {
		t.Fatalf("seed: %v", err)
	}

	pub := &stockEventRecorder{}
	rec := &expiredRecorder{}
	var svc *Service
	reaper := NewReaper(ledger, ReaperOptions{
		SweepInterval: time.Hour,
		OnExpired: func(ctx context.Context, res domain.Reservation) {
			rec.record(ctx, res)
			svc.HandleExpired(ctx, res)
		},
	})
	t.Cleanup(reaper.Stop)

	svc = NewService(ledger, reaper, pub, ServiceOptions{
		ReserveTTL: time.Minute,
		StockTopic: "stock-events",
	})
	return svc, pub, rec
}

func TestServiceReservePublishesDeduction(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, "p1", "v1", 3, "order-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.ExpiresAt.Sub(res.CreatedAt) != time.Minute {
		t.Fatalf("ttl = %s, want 1m", res.ExpiresAt.Sub(res.CreatedAt))
	}

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	event := pub.events[0]
	if event.EventType != domain.EventStockDeducted || event.Quantity != 3 || event.ReservationID != res.ReservationID {
		t.Fatalf("unexpected event: %+v", event)
	}
	if pub.opts[0].Critical {
		t.Fatal("stock events must not publish critically")
	}
}

func TestServiceReleasePublishesRestore(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	res, _ := svc.Reserve(ctx, "p1", "v1", 2, "order-1")
	if _, err := svc.Release(ctx, "p1", "v1", res.ReservationID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if len(pub.events) != 2 {
		t.Fatalf("published %d events, want 2", len(pub.events))
	}
	restore := pub.events[1]
	if restore.EventType != domain.EventStockRestored || restore.Reason != "released" {
		t.Fatalf("unexpected restore event: %+v", restore)
	}
	if stock, _ := svc.Stock(ctx, "p1", "v1"); stock != 10 {
		t.Fatalf("stock = %d, want 10", stock)
	}
}

func TestServiceConfirmSettlesReservation(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	res, _ := svc.Reserve(ctx, "p1", "v1", 2, "order-1")
	if err := svc.Confirm(ctx, "p1", "v1", res.ReservationID, "order-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := svc.Confirm(ctx, "p1", "v1", res.ReservationID, "order-1"); !errors.Is(err, domain.ErrReservationNotFound) {
		t.Fatalf("second confirm = %v, want ErrReservationNotFound", err)
	}
	// Confirm moves no stock, so no extra event beyond the deduction.
	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
}

func TestServiceExpiredCallbackPublishesRestore(t *testing.T) {
	svc, pub, _ := newTestService(t)
	ctx := context.Background()

	svc.HandleExpired(ctx, domain.Reservation{
		ReservationID: "r1",
		ProductID:     "p1",
		VariantID:     "v1",
		OrderID:       "order-1",
		Quantity:      4,
		Status:        domain.ReservationExpired,
	})

	if len(pub.events) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.events))
	}
	if pub.events[0].Reason != "expired" || pub.events[0].EventType != domain.EventStockRestored {
		t.Fatalf("unexpected event: %+v", pub.events[0])
	}
}

func TestServiceSeedValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	if err := svc.SeedVariant(context.Background(), "p2", "v1", -1); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("negative seed = %v, want ErrValidation", err)
	}
}
