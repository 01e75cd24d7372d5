package saga

import "time"

// Lifecycle event names published on the saga lifecycle topic.
const (
	EventSagaStarted       = "SagaStarted"
	EventSagaStepCompleted = "SagaStepCompleted"
	EventSagaStepFailed    = "SagaStepFailed"
	EventSagaCompleted     = "SagaCompleted"
	EventSagaFailed        = "SagaFailed"
)

// LifecycleEvent is the wire form of a saga lifecycle notification.
type LifecycleEvent struct {
	Event         string    `json:"event"`
	SagaID        string    `json:"sagaId"`
	SagaType      string    `json:"sagaType"`
	CorrelationID string    `json:"correlationId"`
	Step          string    `json:"step,omitempty"`
	Error         string    `json:"error,omitempty"`
	At            time.Time `json:"at"`
}
