package infrastructure

import (
	"context"
	"encoding/json"
	"time"

	"bazaar/internal/service/order/domain"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type orderModel struct {
	OrderID         string     `gorm:"column:order_id;primaryKey;size:64"`
	CartID          string     `gorm:"column:cart_id;size:64;index"`
	SellerID        string     `gorm:"column:seller_id;size:64;index"`
	BuyerID         string     `gorm:"column:buyer_id;size:64"`
	Status          string     `gorm:"column:status;size:32;index"`
	Items           []byte     `gorm:"column:items;type:json"`
	Reservations    []byte     `gorm:"column:reservations;type:json"`
	SagaID          string     `gorm:"column:saga_id;size:64"`
	Reason          string     `gorm:"column:reason;size:512"`
	ConfirmedAt     *time.Time `gorm:"column:confirmed_at"`
	PaymentDeadline *time.Time `gorm:"column:payment_deadline;index"`
	CreatedAt       time.Time  `gorm:"column:created_at"`
	UpdatedAt       time.Time  `gorm:"column:updated_at"`
}

func (orderModel) TableName() string { return "orders" }

// GormRepository persists orders in MySQL.
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) Migrate() error {
	return r.db.AutoMigrate(&orderModel{})
}

func (r *GormRepository) Save(ctx context.Context, order *domain.Order) error {
	model, err := toOrderModel(order)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Save(model).Error; err != nil {
		return errors.Wrap(err, "save order")
	}
	return nil
}

func (r *GormRepository) FindByID(ctx context.Context, orderID string) (*domain.Order, error) {
	var model orderModel
	err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, errors.Wrap(err, "find order")
	}
	return fromOrderModel(&model)
}

func (r *GormRepository) FindByCart(ctx context.Context, cartID string) ([]*domain.Order, error) {
	var models []orderModel
	err := r.db.WithContext(ctx).Where("cart_id = ?", cartID).Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "find cart orders")
	}
	return fromOrderModels(models)
}

func (r *GormRepository) FindPendingPaymentBefore(ctx context.Context, deadline time.Time) ([]*domain.Order, error) {
	var models []orderModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_deadline <= ?", string(domain.StatePendingPayment), deadline).
		Find(&models).Error
	if err != nil {
		return nil, errors.Wrap(err, "find overdue orders")
	}
	return fromOrderModels(models)
}

func toOrderModel(order *domain.Order) (*orderModel, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal items")
	}
	reservations, err := json.Marshal(order.Reservations)
	if err != nil {
		return nil, errors.Wrap(err, "marshal reservations")
	}
	return &orderModel{
		OrderID:         order.OrderID,
		CartID:          order.CartID,
		SellerID:        order.SellerID,
		BuyerID:         order.BuyerID,
		Status:          string(order.Status),
		Items:           items,
		Reservations:    reservations,
		SagaID:          order.SagaID,
		Reason:          order.Reason,
		ConfirmedAt:     order.ConfirmedAt,
		PaymentDeadline: order.PaymentDeadline,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}, nil
}

func fromOrderModel(model *orderModel) (*domain.Order, error) {
	order := &domain.Order{
		OrderID:         model.OrderID,
		CartID:          model.CartID,
		SellerID:        model.SellerID,
		BuyerID:         model.BuyerID,
		Status:          domain.State(model.Status),
		SagaID:          model.SagaID,
		Reason:          model.Reason,
		ConfirmedAt:     model.ConfirmedAt,
		PaymentDeadline: model.PaymentDeadline,
		CreatedAt:       model.CreatedAt,
		UpdatedAt:       model.UpdatedAt,
	}
	if len(model.Items) > 0 {
		if err := json.Unmarshal(model.Items, &order.Items); err != nil {
			return nil, errors.Wrap(err, "unmarshal items")
		}
	}
	if len(model.Reservations) > 0 {
		if err := json.Unmarshal(model.Reservations, &order.Reservations); err != nil {
			return nil, errors.Wrap(err, "unmarshal reservations")
		}
	}
	return order, nil
}

func fromOrderModels(models []orderModel) ([]*domain.Order, error) {
	out := make([]*domain.Order, 0, len(models))
	for i := range models {
		order, err := fromOrderModel(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}
