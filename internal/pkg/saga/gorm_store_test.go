package saga

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	driver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(gormmysql.New(gormmysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open gorm: %v", err)
	}
	return NewGormStore(gdb), mock
}

func testInstance() *Instance {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return &Instance{
		SagaID:        "saga-1",
		SagaType:      "ORDER_CREATION",
		CorrelationID: "order-1",
		Payload:       json.RawMessage(`{"orderId":"order-1"}`),
		Status:        StatusStarted,
		Steps: []StepRecord{
			{StepName: "A", Status: StepPending},
			{StepName: "B", Status: StepPending},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestGormStoreInsert(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `saga_instances`")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Insert(context.Background(), testInstance()); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestGormStoreInsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `saga_instances`")).
		WillReturnError(&driver.MySQLError{Number: 1062, Message: "Duplicate entry"})
	mock.ExpectRollback()

	if err := store.Insert(context.Background(), testInstance()); !errors.Is(err, ErrDuplicateSaga) {
		t.Fatalf("expected ErrDuplicateSaga, got %v", err)
	}
}

func TestGormStoreFindByID(t *testing.T) {
	store, mock := newMockStore(t)
	instance := testInstance()
	steps, _ := json.Marshal(instance.Steps)

	rows := sqlmock.NewRows([]string{
		"saga_id", "saga_type", "correlation_id", "payload", "status",
		"current_step", "error", "steps", "created_at", "updated_at",
	}).AddRow(
		instance.SagaID, instance.SagaType, instance.CorrelationID,
		[]byte(instance.Payload), string(instance.Status),
		instance.CurrentStep, "", steps, instance.CreatedAt, instance.UpdatedAt,
	)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `saga_instances` WHERE saga_id = ?")).
		WithArgs(instance.SagaID, 1).
		WillReturnRows(rows)

	loaded, err := store.FindByID(context.Background(), instance.SagaID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded.SagaType != instance.SagaType || len(loaded.Steps) != 2 {
		t.Fatalf("unexpected instance: %+v", loaded)
	}
	if loaded.Steps[0].StepName != "A" || loaded.Steps[0].Status != StepPending {
		t.Fatalf("steps not round-tripped: %+v", loaded.Steps)
	}
}

func TestGormStoreFindByIDNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `saga_instances` WHERE saga_id = ?")).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"saga_id"}))

	if _, err := store.FindByID(context.Background(), "missing"); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestGormStoreSaveMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `saga_instances` SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), testInstance()); !errors.Is(err, ErrSagaNotFound) {
		t.Fatalf("expected ErrSagaNotFound, got %v", err)
	}
}

func TestGormStoreSave(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `saga_instances` SET")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Save(context.Background(), testInstance()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
