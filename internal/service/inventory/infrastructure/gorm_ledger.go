package infrastructure

import (
	"context"
	"time"

	"bazaar/internal/service/inventory/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type variantModel struct {
	ProductID string `gorm:"primaryKey;size:64"`
	VariantID string `gorm:"primaryKey;size:64"`
	Stock     int64
}

func (variantModel) TableName() string {
	return "inventory_variants"
}

type reservationModel struct {
	ReservationID string `gorm:"primaryKey;size:64"`
	ProductID     string `gorm:"size:64;index:idx_variant"`
	VariantID     string `gorm:"size:64;index:idx_variant"`
	OrderID       string `gorm:"size:64;index"`
	Quantity      int64
	Status        string    `gorm:"size:16;index"`
	ExpiresAt     time.Time `gorm:"index"`
	CreatedAt     time.Time
}

func (reservationModel) TableName() string {
	return "stock_reservations"
}

// GormLedger persists variants and reservations in MySQL. Every status
// transition is an UPDATE guarded by the current status with a RowsAffected
// check, so concurrent confirm/release/expire races resolve to exactly one
// winner, the same compare-and-swap discipline as the Redis ledger.
type GormLedger struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock. Test hook.
func (l *GormLedger) SetNowFunc(now func() time.Time) {
	l.now = now
}

// Migrate creates the ledger tables if they do not exist.
func (l *GormLedger) Migrate() error {
	return l.db.AutoMigrate(&variantModel{}, &reservationModel{})
}

func (l *GormLedger) Reserve(ctx context.Context, productID, variantID string, qty int64, orderID string, ttl time.Duration) (domain.Reservation, error) {
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

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// The WHERE stock >= ? clause is the whole concurrency story:
		// whichever request the database applies first wins the stock.
		out := tx.Model(&variantModel{}).
			Where("product_id = ? AND variant_id = ? AND stock >= ?", productID, variantID, qty).
			Update("stock", gorm.Expr("stock - ?", qty))
		if out.Error != nil {
			return errors.Wrap(out.Error, "deduct stock")
		}
		if out.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&variantModel{}).
				Where("product_id = ? AND variant_id = ?", productID, variantID).
				Count(&count).Error; err != nil {
				return errors.Wrap(err, "check variant")
			}
			if count == 0 {
				return domain.ErrVariantNotFound
			}
			return domain.ErrInsufficientStock
		}

		return errors.Wrap(tx.Create(&reservationModel{
			ReservationID: res.ReservationID,
			ProductID:     productID,
			VariantID:     variantID,
			OrderID:       orderID,
			Quantity:      qty,
			Status:        string(domain.ReservationActive),
			ExpiresAt:     res.ExpiresAt,
			CreatedAt:     res.CreatedAt,
		}).Error, "insert reservation")
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

func (l *GormLedger) Confirm(ctx context.Context, productID, variantID, reservationID, orderID string) error {
	out := l.db.WithContext(ctx).Model(&reservationModel{}).
		Where("reservation_id = ? AND product_id = ? AND variant_id = ? AND status = ? AND expires_at >= ?",
			reservationID, productID, variantID, string(domain.ReservationActive), l.now()).
		Update("status", string(domain.ReservationConfirmed))
	if out.Error != nil {
		return errors.Wrap(out.Error, "confirm reservation")
	}
	if out.RowsAffected == 1 {
		return nil
	}

	// Distinguish a stale-but-active reservation from one already processed.
	var model reservationModel
	err := l.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID).
		First(&model).Error
	if err == nil && model.Status == string(domain.ReservationActive) {
		return domain.ErrReservationExpired
	}
	return domain.ErrReservationNotFound
}

func (l *GormLedger) Release(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	return l.terminate(ctx, productID, variantID, reservationID, domain.ReservationReleased, nil)
}

func (l *GormLedger) Expire(ctx context.Context, productID, variantID, reservationID string) (domain.Reservation, error) {
	deadline := l.now()
	return l.terminate(ctx, productID, variantID, reservationID, domain.ReservationExpired, &deadline)
}

// terminate applies the one-way active → {released|expired} transition and
// credits stock back, all inside one transaction. The status guard makes a
// second call a no-op error rather than a double credit.
func (l *GormLedger) terminate(ctx context.Context, productID, variantID, reservationID string, to domain.ReservationStatus, dueBefore *time.Time) (domain.Reservation, error) {
	var released domain.Reservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model reservationModel
		err := tx.Where("reservation_id = ? AND product_id = ? AND variant_id = ?",
			reservationID, productID, variantID).
			First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrReservationNotFound
			}
			return errors.Wrap(err, "load reservation")
		}

		query := tx.Model(&reservationModel{}).
			Where("reservation_id = ? AND status = ?", reservationID, string(domain.ReservationActive))
		if dueBefore != nil {
			query = query.Where("expires_at < ?", *dueBefore)
		}
		out := query.Update("status", string(to))
		if out.Error != nil {
			return errors.Wrap(out.Error, "transition reservation")
		}
		if out.RowsAffected == 0 {
			return domain.ErrReservationNotFound
		}

		if err := tx.Model(&variantModel{}).
			Where("product_id = ? AND variant_id = ?", productID, variantID).
			Update("stock", gorm.Expr("stock + ?", model.Quantity)).Error; err != nil {
			return errors.Wrap(err, "restore stock")
		}

		released = domain.Reservation{
			ReservationID: model.ReservationID,
			ProductID:     model.ProductID,
			VariantID:     model.VariantID,
			OrderID:       model.OrderID,
			Quantity:      model.Quantity,
			Status:        to,
			ExpiresAt:     model.ExpiresAt,
			CreatedAt:     model.CreatedAt,
		}
		return nil
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return released, nil
}

func (l *GormLedger) Stock(ctx context.Context, productID, variantID string) (int64, error) {
	var model variantModel
	err := l.db.WithContext(ctx).
		Where("product_id = ? AND variant_id = ?", productID, variantID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, domain.ErrVariantNotFound
		}
		return 0, errors.Wrap(err, "load variant")
	}
	return model.Stock, nil
}

func (l *GormLedger) SweepExpired(ctx context.Context, now time.Time) ([]domain.Reservation, error) {
	var candidates []reservationModel
	err := l.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", string(domain.ReservationActive), now).
		Find(&candidates).Error
	if err != nil {
		return nil, errors.Wrap(err, "find expired reservations")
	}

	var expired []domain.Reservation
	for _, model := range candidates {
		res, err := l.Expire(ctx, model.ProductID, model.VariantID, model.ReservationID)
		if err != nil {
			// Lost the race to a timer, a confirm or another sweep. Exactly
			// what the status guard is for; move on.
			if errors.Is(err, domain.ErrReservationNotFound) {
				continue
			}
			return expired, err
		}
		expired = append(expired, res)
	}
	return expired, nil
}

func (l *GormLedger) SeedVariant(ctx context.Context, productID, variantID string, stock int64) error {
	model := variantModel{ProductID: productID, VariantID: variantID, Stock: stock}
	err := l.db.WithContext(ctx).Save(&model).Error
	return errors.Wrap(err, "seed variant")
}
