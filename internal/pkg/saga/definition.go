package saga

import (
	"context"
	"encoding/json"
)

// ExecuteFunc runs a step's forward action. The returned value is marshaled
// and stored as the step's compensation data.
type ExecuteFunc func(ctx context.Context, payload json.RawMessage, correlationID string) (any, error)

// CompensateFunc undoes a completed step. data is the step's stored
// compensation data, exactly as Execute returned it.
type CompensateFunc func(ctx context.Context, payload json.RawMessage, data json.RawMessage, correlationID string) error

// Step is one entry in a saga definition. Compensate is optional; read-only
// steps leave it nil.
type Step struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
}

// Definition is the ordered step table for one saga type.
type Definition struct {
	Steps []Step
}

// newInstanceSteps builds the pending step records for a fresh instance.
func (d Definition) newInstanceSteps() []StepRecord {
	steps := make([]StepRecord, len(d.Steps))
	for i, s := range d.Steps {
		steps[i] = StepRecord{StepName: s.Name, Status: StepPending}
	}
	return steps
}

// PartialFailure is implemented by step errors that carry the partial work a
// step managed to do before failing, so the failing step's own compensation
// can undo exactly what succeeded. The coordinator's compensation pass only
// ever touches completed steps; partial cleanup is the Runner's job.
type PartialFailure interface {
	error
	PartialData() any
}
