package saga

import (
	"context"
	"encoding/json"
	"time"

	driver "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// instanceModel maps an Instance onto one row; the step list is serialized
// into a JSON column so the whole saga is replaced in a single write.
type instanceModel struct {
	SagaID        string `gorm:"primaryKey;size:64"`
	SagaType      string `gorm:"size:64;index"`
	CorrelationID string `gorm:"size:128;index"`
	Payload       []byte `gorm:"type:json"`
	Status        string `gorm:"size:16"`
	CurrentStep   int
	Error         string `gorm:"type:text"`
	Steps         []byte `gorm:"type:json"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (instanceModel) TableName() string {
	return "saga_instances"
}

// GormStore is the MySQL-backed Store.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the saga_instances table if it does not exist.
func (s *GormStore) Migrate() error {
	return s.db.AutoMigrate(&instanceModel{})
}

func (s *GormStore) Insert(ctx context.Context, instance *Instance) error {
	model, err := toModel(instance)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateSaga
		}
		return errors.Wrap(err, "insert saga instance")
	}
	return nil
}

func (s *GormStore) FindByID(ctx context.Context, sagaID string) (*Instance, error) {
	var model instanceModel
	err := s.db.WithContext(ctx).Where("saga_id = ?", sagaID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, errors.Wrap(err, "find saga instance")
	}
	return fromModel(&model)
}

func (s *GormStore) Save(ctx context.Context, instance *Instance) error {
	model, err := toModel(instance)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&instanceModel{}).
		Where("saga_id = ?", instance.SagaID).
		Updates(map[string]any{
			"status":       model.Status,
			"current_step": model.CurrentStep,
			"error":        model.Error,
			"steps":        model.Steps,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "save saga instance")
	}
	if res.RowsAffected == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func toModel(instance *Instance) (*instanceModel, error) {
	steps, err := json.Marshal(instance.Steps)
	if err != nil {
		return nil, err
	}
	return &instanceModel{
		SagaID:        instance.SagaID,
		SagaType:      instance.SagaType,
		CorrelationID: instance.CorrelationID,
		Payload:       instance.Payload,
		Status:        string(instance.Status),
		CurrentStep:   instance.CurrentStep,
		Error:         instance.Error,
		Steps:         steps,
		CreatedAt:     instance.CreatedAt,
		UpdatedAt:     instance.UpdatedAt,
	}, nil
}

func fromModel(model *instanceModel) (*Instance, error) {
	var steps []StepRecord
	if len(model.Steps) > 0 {
		if err := json.Unmarshal(model.Steps, &steps); err != nil {
			return nil, err
		}
	}
	return &Instance{
		SagaID:        model.SagaID,
		SagaType:      model.SagaType,
		CorrelationID: model.CorrelationID,
		Payload:       model.Payload,
		Status:        Status(model.Status),
		CurrentStep:   model.CurrentStep,
		Error:         model.Error,
		Steps:         steps,
		CreatedAt:     model.CreatedAt,
		UpdatedAt:     model.UpdatedAt,
	}, nil
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *driver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}
