package infrastructure

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"bazaar/internal/service/inventory/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Key layout, hash-tagged by variant so every key of one variant lands on
// the same cluster slot and a script can touch them all atomically.
func stockKey(productID, variantID string) string {
	return fmt.Sprintf("inv:stock:{%s:%s}", productID, variantID)
}

func activeKey(productID, variantID string) string {
	return fmt.Sprintf("inv:active:{%s:%s}", productID, variantID)
}

func resvKey(productID, variantID, reservationID string) string {
	return fmt.Sprintf("inv:resv:{%s:%s}:%s", productID, variantID, reservationID)
}

const variantsIndexKey = "inv:variants"

// One script per operation keeps each ledger mutation a single atomic
// server-side step, the Redis equivalent of a conditional UPDATE.
var reserveScript = redis.NewScript(`
local stock = redis.call('get', KEYS[1])
if not stock then
    return -1
end
local qty = tonumber(ARGV[1])
if tonumber(stock) < qty then
    return 0
end
redis.call('decrby', KEYS[1], qty)
redis.call('hset', KEYS[3],
    'order', ARGV[3],
    'qty', ARGV[1],
    'status', 'active',
    'expires_at', ARGV[4],
    'created_at', ARGV[5])
redis.call('sadd', KEYS[2], ARGV[2])
return 1
`)

var confirmScript = redis.NewScript(`
local status = redis.call('hget', KEYS[1], 'status')
if not status or status ~= 'active' then
    return 0
end
local exp = tonumber(redis.call('hget', KEYS[1], 'expires_at'))
if exp < tonumber(ARGV[2]) then
    return 2
end
redis.call('hset', KEYS[1], 'status', 'confirmed')
redis.call('srem', KEYS[2], ARGV[1])
return 1
`)

var terminateScript = redis.NewScript(`
local status = redis.call('hget', KEYS[3], 'status')
if not status or status ~= 'active' then
    return 0
end
if ARGV[3] == 'expired' then
    local exp = tonumber(redis.call('hget', KEYS[3], 'expires_at'))
    if exp >= tonumber(ARGV[2]) then
        return 0
    end
end
local qty = tonumber(redis.call('hget', KEYS[3], 'qty'))
redis.call('incrby', KEYS[1], qty)
redis.call('hset', KEYS[3], 'status', ARGV[3])
redis.call('srem', KEYS[2], ARGV[1])
return qty
`)

// RedisLedger keeps the ledger in Redis: a stock counter, one hash per
// reservation and an active-set index per variant.
type RedisLedger struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock. Test hook.
func (l *RedisLedger) SetNowFunc(now func() time.Time) {
	l.now = now
}

func (l *RedisLedger) Reserve(ctx context.Context, productID, variantID string, qty int64, orderID string, ttl time.Duration) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, domain.ErrValidation
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

	keys := []string{
		stockKey(productID, variantID),
		activeKey(productID, variantID),
		resvKey(productID, variantID, res.ReservationID),
	}
	out, err := reserveScript.Run(ctx, l.client, keys,
		qty, res.ReservationID, orderID,
		res.ExpiresAt.UnixMilli(), res.CreatedAt.UnixMilli()).Int64()
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "run reserve script")
	}
	switch out {
	case 1:
		return res, nil
	case 0:
		return domain.Reservation{}, domain.ErrInsufficientStock
	case -1:
		return domain.Reservation{}, domain.ErrVariantNotFound
	default:
		return domain.Reservation{}, errors.Errorf("unexpected reserve script result: %d", out)
	}
}

func (l *RedisLedger) Confirm(ctx context.Context, productID, variantID, reservationID, orderID string) error {
	keys := []string{
		resvKey(productID, variantID, reservationID),
		activeKey(productID, variantID),
	}
	out, err := confirmScript.Run(ctx, l.client, keys, reservationID, l.now().UnixMilli()).Int64()
	if err != nil {
		return errors.Wrap(err, "run confirm script")
	}
	switch out {
	case 1:
		return nil
	case 2:
		return domain.ErrReservationExpired
	default:
		return domain.ErrReservationNotFound
	}
}

func (l *RedisLedger) Release(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	return l.terminate(ctx, productID, variantID, reservationID, domain.ReservationReleased, l.now())
}

func (l *RedisLedger) Expire(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	return l.terminate(ctx, productID, variantID, reservationID, domain.ReservationExpired, l.now())
}

// terminate runs the shared terminal-transition script. cutoff only matters
// for expiry: a reservation expires only when its deadline is before cutoff,
// so the sweep's buffered deadline is honored server-side.
func (l *RedisLedger) terminate(ctx context.Context, productID, variantID, reservationID string, to domain.ReservationStatus, cutoff time.Time) (domain.Reservation, error) {
	keys := []string{
		stockKey(productID, variantID),
		activeKey(productID, variantID),
		resvKey(productID, variantID, reservationID),
	}
	qty, err := terminateScript.Run(ctx, l.client, keys,
		reservationID, cutoff.UnixMilli(), string(to)).Int64()
	if err != nil {
		return domain.Reservation{}, errors.Wrapf(err, "run %s script", to)
	}
	if qty == 0 {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	// We just won the terminal transition, so the hash is stable now.
	return l.loadReservation(ctx, productID, variantID, reservationID)
}

func (l *RedisLedger) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	out, err := l.client.Get(ctx, stockKey(productID, variantID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, domain.ErrVariantNotFound
		}
		return 0, errors.Wrap(err, "get stock")
	}
	stock, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse stock")
	}
	return stock, nil
}

func (l *RedisLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	variants, err := l.client.SMembers(ctx, variantsIndexKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list variants")
	}

	var expired []domain.Reservation
	for _, variant := range variants {
		productID, variantID, ok := splitVariant(variant)
		if !ok {
			continue
		}
		ids, err := l.client.SMembers(ctx, activeKey(productID, variantID)).Result()
		if err != nil {
			return expired, errors.Wrap(err, "list active reservations")
		}
		for _, id := range ids {
			res, err := l.terminate(ctx, productID, variantID, id, domain.ReservationExpired, now)
			if err != nil {
				// Not yet due, or lost the race. Either way, done here.
				if errors.Is(err, domain.ErrReservationNotFound) {
					continue
				}
				return expired, err
			}
			expired = append(expired, res)
		}
	}
	return expired, nil
}

func (l *RedisLedger) SeedVariant(ctx context.Context, productID, variantID string, stock int64) error {
	pipe := l.client.Pipeline()
	pipe.Set(ctx, stockKey(productID, variantID), stock, 0)
	pipe.Del(ctx, activeKey(productID, variantID))
	pipe.SAdd(ctx, variantsIndexKey, productID+":"+variantID)
	_, err := pipe.Exec(ctx)
	return errors.Wrap(err, "seed variant")
}

func (l *RedisLedger) loadReservation(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	fields, err := l.client.HGetAll(ctx, resvKey(productID, variantID, reservationID)).Result()
	if err != nil {
		return domain.Reservation{}, errors.Wrap(err, "load reservation")
	}
	if len(fields) == 0 {
		return domain.Reservation{}, domain.ErrReservationNotFound
	}
	qty, _ := strconv.ParseInt(fields["qty"], 10, 64)
	expiresAt, _ := strconv.ParseInt(fields["expires_at"], 10, 64)
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return domain.Reservation{
		ReservationID: reservationID,
		ProductID:     productID,
		VariantID:     variantID,
		OrderID:       fields["order"],
		Quantity:      qty,
		Status:        domain.ReservationStatus(fields["status"]),
		ExpiresAt:     time.UnixMilli(expiresAt).UTC(),
		CreatedAt:     time.UnixMilli(createdAt).UTC(),
	}, nil
}

func splitVariant(joined string) (string, string, bool) {
	for i := 0; i < len(joined); i++ {
		if joined[i] == ':' {
			return joined[:i], joined[i+1:], true
		}
	}
	return "", "", false
}
