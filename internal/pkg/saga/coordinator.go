package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"bazaar/internal/pkg/logger"
	"bazaar/internal/pkg/metrics"
	"bazaar/internal/pkg/mq"

	"github.com/google/uuid"
)

// CoordinatorOptions tunes persistence retry and event publishing.
type CoordinatorOptions struct {
	LifecycleTopic string
	InsertRetries  int
	InsertBackoff  time.Duration
	Now            func() time.Time
}

// Coordinator is the saga engine. It owns the definition registry, persists
// instance state through the Store, and publishes lifecycle events. It never
// executes steps itself: callers run them and report back through
// CompleteStep/FailStep, so one saga never blocks another.
type Coordinator struct {
	store     Store
	publisher mq.Publisher
	opts      CoordinatorOptions

	mu          sync.RWMutex
	definitions map[string]Definition
}

func NewCoordinator(st Store, publisher mq.Publisher, opts CoordinatorOptions) *Coordinator {
	if opts.LifecycleTopic == "" {
		opts.LifecycleTopic = "saga-lifecycle"
	}
	if opts.InsertRetries <= 0 {
		opts.InsertRetries = 3
	}
	if opts.InsertBackoff <= 0 {
		opts.InsertBackoff = 100 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Coordinator{
		store:       st,
		publisher:   publisher,
		opts:        opts,
		definitions: make(map[string]Definition),
	}
}

// Register associates a saga type with its step table. Call once per type at
// startup; overwriting a live registration is a programming error.
func (c *Coordinator) Register(sagaType string, def Definition) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.definitions[sagaType]; exists {
		panic(fmt.Sprintf("saga: definition %q registered twice", sagaType))
	}
	c.definitions[sagaType] = def
}

func (c *Coordinator) definition(sagaType string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.definitions[sagaType]
	return def, ok
}

// Start creates and persists a new instance of the given saga type with every
// step pending, then announces it. The insert is retried a bounded number of
// times with linear backoff to ride out transient store contention.
func (c *Coordinator) Start(ctx context.Context, sagaType string, payload json.RawMessage, correlationID string) (*Instance, error) {
	def, ok := c.definition(sagaType)
	if !ok {
		return nil, ErrDefinitionMissing
	}

	now := c.opts.Now()
	instance := &Instance{
		SagaID:        uuid.New().String(),
		SagaType:      sagaType,
		CorrelationID: correlationID,
		Payload:       payload,
		Status:        StatusStarted,
		CurrentStep:   0,
		Steps:         def.newInstanceSteps(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var insertErr error
	for attempt := 1; attempt <= c.opts.InsertRetries; attempt++ {
		insertErr = c.store.Insert(ctx, instance)
		if insertErr == nil {
			break
		}
		if errors.Is(insertErr, ErrDuplicateSaga) {
			return nil, insertErr
		}
		if attempt < c.opts.InsertRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * c.opts.InsertBackoff):
			}
		}
	}
	if insertErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, insertErr)
	}

	metrics.SagasStarted.WithLabelValues(sagaType).Inc()
	c.publishEvent(ctx, instance, EventSagaStarted, "", "", false)
	return instance, nil
}

// CompleteStep records a successful step. stepData becomes the step's
// compensation data. When the last step completes the saga is completed.
func (c *Coordinator) CompleteStep(ctx context.Context, sagaID, stepName string, stepData any, correlationID string) (*Instance, error) {
	instance, err := c.store.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	idx := instance.stepIndex(stepName)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}

	now := c.opts.Now()
	step := &instance.Steps[idx]
	if step.StartedAt.IsZero() {
		step.StartedAt = now
	}
	step.Status = StepCompleted
	step.CompletedAt = now
	if stepData != nil {
		data, err := json.Marshal(stepData)
		if err != nil {
			return nil, fmt.Errorf("marshal step data for %s: %w", stepName, err)
		}
		step.CompensationData = data
	}
	if idx+1 > instance.CurrentStep {
		instance.CurrentStep = idx + 1
	}
	instance.UpdatedAt = now

	event := EventSagaStepCompleted
	critical := false
	if instance.allStepsCompleted() {
		instance.Status = StatusCompleted
		event = EventSagaCompleted
		critical = true
	}

	if err := c.store.Save(ctx, instance); err != nil {
		return nil, err
	}

	if event == EventSagaCompleted {
		metrics.SagasCompleted.WithLabelValues(instance.SagaType).Inc()
	}
	// The completed state is already durable; a critical publish failure is
	// reported alongside the instance so the caller can react to the lost
	// terminal event without mistaking it for a failed saga.
	if err := c.publishEvent(ctx, instance, event, stepName, "", critical); err != nil {
		return instance, err
	}
	return instance, nil
}

// FailStep records a failed step, flips the saga to compensating, and
// synchronously runs the compensation pass. The step's own partial work is
// not compensated here; see Runner.
func (c *Coordinator) FailStep(ctx context.Context, sagaID, stepName string, stepErr error, correlationID string) (*Instance, error) {
	instance, err := c.store.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	idx := instance.stepIndex(stepName)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrStepNotFound, stepName)
	}

	now := c.opts.Now()
	step := &instance.Steps[idx]
	if step.StartedAt.IsZero() {
		step.StartedAt = now
	}
	step.Status = StepFailed
	if stepErr != nil {
		step.Error = stepErr.Error()
		instance.Error = stepErr.Error()
	}
	instance.Status = StatusCompensating
	instance.UpdatedAt = now

	if err := c.store.Save(ctx, instance); err != nil {
		return nil, err
	}
	c.publishEvent(ctx, instance, EventSagaStepFailed, stepName, step.Error, false)

	return c.Compensate(ctx, sagaID, correlationID)
}

// Compensate walks the completed steps in strict reverse index order and runs
// each step's compensation with its recorded data. A compensation failure is
// recorded on the step and logged, but never stops the pass: partial
// compensation failure is surfaced for operator follow-up, not retried here.
func (c *Coordinator) Compensate(ctx context.Context, sagaID, correlationID string) (*Instance, error) {
	instance, err := c.store.FindByID(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	switch instance.Status {
	case StatusCompleted, StatusCompensated:
		return instance, nil
	}

	def, ok := c.definition(instance.SagaType)
	if !ok {
		return nil, ErrDefinitionMissing
	}

	for i := len(instance.Steps) - 1; i >= 0; i-- {
		step := &instance.Steps[i]
		if step.Status != StepCompleted {
			continue
		}
		comp := def.Steps[i].Compensate
		if comp == nil {
			step.Status = StepCompensated
			continue
		}
		if err := comp(ctx, instance.Payload, step.CompensationData, correlationID); err != nil {
			step.Error = err.Error()
			metrics.CompensationFailures.WithLabelValues(instance.SagaType, step.StepName).Inc()
			logger.Ctx(ctx).Error().
				Err(err).
				Str("saga_id", instance.SagaID).
				Str("step", step.StepName).
				Msg("compensation failed, continuing with earlier steps")
			continue
		}
		step.Status = StepCompensated
	}

	instance.Status = StatusCompensated
	instance.UpdatedAt = c.opts.Now()
	if err := c.store.Save(ctx, instance); err != nil {
		return nil, err
	}

	metrics.SagasCompensated.WithLabelValues(instance.SagaType).Inc()
	if err := c.publishEvent(ctx, instance, EventSagaFailed, "", instance.Error, true); err != nil {
		return instance, err
	}
	return instance, nil
}

// Status loads the current instance state.
func (c *Coordinator) Status(ctx context.Context, sagaID string) (*Instance, error) {
	return c.store.FindByID(ctx, sagaID)
}

// publishEvent emits a lifecycle event. Critical events return the delivery
// failure after the publisher's retries run out; non-critical ones are fire
// and forget.
func (c *Coordinator) publishEvent(ctx context.Context, instance *Instance, event, step, errMsg string, critical bool) error {
	payload, err := json.Marshal(LifecycleEvent{
		Event:         event,
		SagaID:        instance.SagaID,
		SagaType:      instance.SagaType,
		CorrelationID: instance.CorrelationID,
		Step:          step,
		Error:         errMsg,
		At:            c.opts.Now(),
	})
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("event", event).Msg("marshal lifecycle event")
		return nil
	}
	pubErr := c.publisher.Publish(ctx, c.opts.LifecycleTopic, []byte(instance.SagaID), payload, mq.PublishOptions{
		Critical:      critical,
		CorrelationID: instance.CorrelationID,
		Retries:       3,
	})
	if pubErr == nil {
		return nil
	}
	logger.Ctx(ctx).Error().
		Err(pubErr).
		Str("saga_id", instance.SagaID).
		Str("event", event).
		Msg("lifecycle publish failed")
	if !critical {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrEventPublish, event, pubErr)
}
