package saga

import (
	"context"
	"encoding/json"
	"errors"

	"bazaar/internal/pkg/logger"
)

// Runner drives a started instance through its definition: it executes each
// step and reports the outcome back to the Coordinator, so a step never
// starts before the previous step's completion is durably recorded.
type Runner struct {
	coordinator *Coordinator
}

func NewRunner(c *Coordinator) *Runner {
	return &Runner{coordinator: c}
}

// Run executes the instance's remaining steps in order. On success it returns
// the completed instance. On a step failure it returns the compensated
// instance together with the step's error; the error carries enough context
// for the caller to surface a cancellation reason.
//
// A failing step whose error implements PartialFailure had partial side
// effects; its own Compensate is invoked with that partial data before the
// failure is reported, because the coordinator's pass only touches completed
// steps.
func (r *Runner) Run(ctx context.Context, instance *Instance) (*Instance, error) {
	def, ok := r.coordinator.definition(instance.SagaType)
	if !ok {
		return instance, ErrDefinitionMissing
	}

	for i := instance.CurrentStep; i < len(def.Steps); i++ {
		step := def.Steps[i]

		data, execErr := step.Execute(ctx, instance.Payload, instance.CorrelationID)
		if execErr != nil {
			r.compensatePartial(ctx, instance, step, execErr)
			failed, failErr := r.coordinator.FailStep(ctx, instance.SagaID, step.Name, execErr, instance.CorrelationID)
			if failErr != nil {
				return instance, failErr
			}
			return failed, execErr
		}

		updated, err := r.coordinator.CompleteStep(ctx, instance.SagaID, step.Name, data, instance.CorrelationID)
		if updated != nil {
			instance = updated
		}
		if err != nil {
			// A lost terminal event still comes back with the durably
			// recorded instance, so the caller sees the real saga state.
			return instance, err
		}
	}
	return instance, nil
}

func (r *Runner) compensatePartial(ctx context.Context, instance *Instance, step Step, execErr error) {
	var partial PartialFailure
	if !errors.As(execErr, &partial) || step.Compensate == nil {
		return
	}
	data, err := json.Marshal(partial.PartialData())
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("step", step.Name).Msg("marshal partial compensation data")
		return
	}
	if err := step.Compensate(ctx, instance.Payload, data, instance.CorrelationID); err != nil {
		// Best effort: the step failed and its partial undo failed too.
		// Operators chase this via the saga record and logs.
		logger.Ctx(ctx).Error().
			Err(err).
			Str("saga_id", instance.SagaID).
			Str("step", step.Name).
			Msg("partial compensation failed")
	}
}
