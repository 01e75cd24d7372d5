package application

import (
	"context"
	"sync"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/zookeeper"
	"bazaar/internal/service/inventory/domain"

	"github.com/pkg/errors"
)

// SweepLock is the leadership check taken before a global sweep so that only
// one instance walks the whole ledger at a time. Per-reservation timers do
// not take it; expiry itself is already race-safe at the ledger.
type SweepLock interface {
	TryAcquire() (bool, error)
	Release() error
}

// Reaper expires overdue reservations. Each reservation gets its own timer
// armed at reserve time, and a periodic sweep backstops timers lost to a
// process restart.
type Reaper struct {
	ledger        domain.Ledger
	buffer        time.Duration
	sweepInterval time.Duration
	sweepLock     SweepLock
	onExpired     func(ctx context.Context, res domain.Reservation)
	now           func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer

	done chan struct{}
	wg   sync.WaitGroup
}

// ReaperOptions configures a Reaper. OnExpired runs once per reservation the
// reaper transitions to expired, from whichever path won.
type ReaperOptions struct {
	Buffer        time.Duration
	SweepInterval time.Duration
	SweepLock     SweepLock
	OnExpired     func(ctx context.Context, res domain.Reservation)
	Now           func() time.Time
}

func NewReaper(ledger domain.Ledger, opts ReaperOptions) *Reaper {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reaper{
		ledger:        ledger,
		buffer:        opts.Buffer,
		sweepInterval: opts.SweepInterval,
		sweepLock:     opts.SweepLock,
		onExpired:     opts.OnExpired,
		now:           opts.Now,
		timers:        make(map[string]*time.Timer),
		done:          make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				r.Sweep(context.Background())
			}
		}
	}()
}

// Stop cancels the sweep loop and every armed timer.
func (r *Reaper) Stop() {
	close(r.done)
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// Schedule arms a timer that fires shortly after the reservation's deadline.
// The buffer absorbs clock skew between instances so a timer never fires
// before the ledger agrees the reservation is overdue.
func (r *Reaper) Schedule(res domain.Reservation) {
	delay := res.ExpiresAt.Sub(r.now()) + r.buffer
	if delay < 0 {
		delay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.timers[res.ReservationID]; ok {
		old.Stop()
	}
	r.timers[res.ReservationID] = time.AfterFunc(delay, func() {
		r.fire(res)
	})
}

// Cancel disarms the timer for a reservation that reached a terminal state
// through confirm or release.
func (r *Reaper) Cancel(reservationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[reservationID]; ok {
		t.Stop()
		delete(r.timers, reservationID)
	}
}

func (r *Reaper) fire(res domain.Reservation) {
	r.Cancel(res.ReservationID)

	ctx := context.Background()
	expired, err := r.ledger.Expire(ctx, res.ProductID, res.VariantID, res.ReservationID)
	if err != nil {
		// Already confirmed, released or swept. Nothing left to do.
		if errors.Is(err, domain.ErrReservationNotFound) {
			return
		}
		logger.Logger().Error().Err(err).
			Str("reservation_id", res.ReservationID).
			Msg("reaper: expire failed")
		return
	}

	logger.Logger().Info().
		Str("reservation_id", expired.ReservationID).
		Str("order_id", expired.OrderID).
		Int64("quantity", expired.Quantity).
		Msg("reaper: reservation expired")
	if r.onExpired != nil {
		r.onExpired(ctx, expired)
	}
}

// Sweep expires every overdue active reservation in the ledger. It is the
// backstop for timers lost to a restart, and with a SweepLock configured only
// the instance holding leadership does the walk.
func (r *Reaper) Sweep(ctx context.Context) {
	if r.sweepLock != nil {
		ok, err := r.sweepLock.TryAcquire()
		if err != nil {
			logger.Logger().Warn().Err(err).Msg("reaper: sweep lock unavailable")
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := r.sweepLock.Release(); err != nil {
				logger.Logger().Warn().Err(err).Msg("reaper: release sweep lock")
			}
		}()
	}

	expired, err := r.ledger.SweepExpired(ctx, r.now().Add(-r.buffer))
	if err != nil {
		logger.Logger().Error().Err(err).Msg("reaper: sweep failed")
	}
	for _, res := range expired {
		r.Cancel(res.ReservationID)
		logger.Logger().Info().
			Str("reservation_id", res.ReservationID).
			Str("order_id", res.OrderID).
			Msg("reaper: reservation expired by sweep")
		if r.onExpired != nil {
			r.onExpired(ctx, res)
		}
	}
}

// NewZkSweepLock adapts a ZooKeeper lock into the sweep leadership check.
func NewZkSweepLock(conn *zookeeper.Conn) (SweepLock, error) {
	return zookeeper.NewLock(conn, "inventory-sweep")
}
