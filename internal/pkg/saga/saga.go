// Package saga implements a generic orchestration engine for distributed
// transactions built from compensable steps. Definitions are registered into
// a Coordinator at startup as typed tables; the caller drives execution and
// reports each step's outcome back, and the Coordinator records state,
// publishes lifecycle events and runs reverse-order compensation on failure.
package saga

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the saga-level state. Transitions are monotonic:
// started → completed, or started → compensating → compensated.
type Status string

const (
	StatusStarted      Status = "started"
	StatusCompensating Status = "compensating"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCompensated  Status = "compensated"
)

// StepStatus is the per-step state.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord tracks one step of one saga instance. CompensationData holds
// whatever the step's Execute returned, marshaled, so a later compensation
// call can undo exactly what was done.
type StepRecord struct {
	StepName         string          `json:"stepName"`
	Status           StepStatus      `json:"status"`
	StartedAt        time.Time       `json:"startedAt,omitempty"`
	CompletedAt      time.Time       `json:"completedAt,omitempty"`
	Error            string          `json:"error,omitempty"`
	CompensationData json.RawMessage `json:"compensationData,omitempty"`
}

// Instance is one running (or finished) saga. The step list is fixed at
// creation from the registered definition and never grows or shrinks.
type Instance struct {
	SagaID        string          `json:"sagaId"`
	SagaType      string          `json:"sagaType"`
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	CurrentStep   int             `json:"currentStep"`
	Error         string          `json:"error,omitempty"`
	Steps         []StepRecord    `json:"steps"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// stepIndex finds a step by name. The definition fixes both order and names,
// so a miss means the caller passed a name from a different saga type.
func (in *Instance) stepIndex(name string) int {
	for i := range in.Steps {
		if in.Steps[i].StepName == name {
			return i
		}
	}
	return -1
}

// Completed reports whether every step reached completed.
func (in *Instance) allStepsCompleted() bool {
	for i := range in.Steps {
		if in.Steps[i].Status != StepCompleted {
			return false
		}
	}
	return true
}

var (
	ErrDefinitionMissing = errors.New("saga: no definition registered for saga type")
	ErrSagaNotFound      = errors.New("saga: instance not found")
	ErrStepNotFound      = errors.New("saga: step not found in instance")
	ErrDuplicateSaga     = errors.New("saga: instance already exists")
	ErrPersistence       = errors.New("saga: persistence failed after retries")
	ErrEventPublish      = errors.New("saga: lifecycle event publish failed")
)
