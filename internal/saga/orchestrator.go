package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/fincore/internal/eventstore"
	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/internal/repository"
	apperrors "github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

type OrchestratorConfig struct {
	// StepTimeout bounds each forward/compensation call unless the step
	// overrides it.
	StepTimeout time.Duration
	// StepAttempts bounds transient-error retries per step.
	StepAttempts int
	// RetryDelay spaces transient-error retries.
	RetryDelay time.Duration
	// MaxRetries is stamped onto new saga records and bounds failed-saga
	// re-compensation.
	MaxRetries int
}

// Orchestrator sequences saga steps, persists progress, and drives reverse
// compensation. Each successful step commits its progress record, its event
// store entry, and its outbox row in one local transaction.
type Orchestrator struct {
	sagas    repository.SagaRepository
	events   *eventstore.Store
	writer   *outbox.Writer
	txr      repository.TxRunner
	registry *Registry
	config   OrchestratorConfig
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewOrchestrator(
	sagas repository.SagaRepository,
	events *eventstore.Store,
	writer *outbox.Writer,
	txr repository.TxRunner,
	registry *Registry,
	config OrchestratorConfig,
	logger *logger.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 10 * time.Second
	}
	if config.StepAttempts <= 0 {
		config.StepAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return &Orchestrator{
		sagas:    sagas,
		events:   events,
		writer:   writer,
		txr:      txr,
		registry: registry,
		config:   config,
		logger:   logger,
		metrics:  m,
	}
}

// Start creates a saga record in STARTED state and returns it. Run drives it
// forward.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, payload json.RawMessage) (*model.SagaRecord, error) {
	if _, err := o.registry.Get(sagaType); err != nil {
		return nil, apperrors.NewBadRequest(err.Error(), err)
	}

	rec := &model.SagaRecord{
		ID:             uuid.New(),
		SagaType:       sagaType,
		Status:         model.SagaStatusStarted,
		CompletedSteps: []string{},
		Payload:        payload,
		MaxRetries:     o.config.MaxRetries,
	}
	if err := o.sagas.Create(ctx, rec); err != nil {
		return nil, err
	}
	if o.metrics != nil {
		o.metrics.SagasStarted.Inc()
	}
	o.logger.Info("saga started", "saga_id", rec.ID.String(), "saga_type", sagaType)
	return rec, nil
}

// Run executes the saga's remaining forward steps. Already-completed steps
// are skipped, which is what makes resuming after a crash safe. A fatal step
// error flips the saga into compensation; the returned record carries the
// terminal status.
func (o *Orchestrator) Run(ctx context.Context, sagaID uuid.UUID) (*model.SagaRecord, error) {
	rec, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if rec.Status == model.SagaStatusCompensating {
		// Resume an interrupted rollback.
		return rec, o.compensate(ctx, rec)
	}
	if rec.IsTerminal() {
		return rec, nil
	}

	def, err := o.registry.Get(rec.SagaType)
	if err != nil {
		return nil, err
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if rec.HasCompleted(step.Name) {
			continue
		}
		if err := o.executeStep(ctx, rec, step); err != nil {
			if apperrors.IsConflict(err) {
				// Another instance is driving this saga.
				return rec, err
			}
			return rec, o.failAndCompensate(ctx, rec, step.Name, err)
		}
	}

	return rec, o.complete(ctx, rec)
}

// executeStep runs one forward action and, on success, persists the step's
// progress, event store entry, and outbox row in a single transaction.
func (o *Orchestrator) executeStep(ctx context.Context, rec *model.SagaRecord, step *Step) error {
	var timer *prometheus.Timer
	if o.metrics != nil {
		timer = prometheus.NewTimer(o.metrics.SagaStepDuration.WithLabelValues(rec.SagaType, step.Name))
		defer timer.ObserveDuration()
	}

	result, err := o.runForward(ctx, rec, step)
	if err != nil {
		return err
	}

	rec.Status = model.SagaStatusProcessing
	rec.CurrentStep = step.Name
	rec.CompletedSteps = append(rec.CompletedSteps, step.Name)
	if result.Payload != nil {
		rec.Payload = result.Payload
	}
	if err := appendCompensation(rec, step.Name, result.CompensationData); err != nil {
		return err
	}

	return o.txr.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := o.sagas.UpdateTx(ctx, tx, rec); err != nil {
			if repository.IsVersionConflict(err) {
				return apperrors.NewConflict("saga", err)
			}
			return err
		}
		if result.Event == nil {
			return nil
		}
		entry, err := o.events.Append(ctx, tx, eventstore.AppendInput{
			AggregateID:   result.Event.AggregateType + ":" + result.Event.AggregateID,
			AggregateType: result.Event.AggregateType,
			EventType:     result.Event.EventType,
			EventData:     result.Event.Data,
			CorrelationID: rec.ID.String(),
		})
		if err != nil {
			if repository.IsVersionConflict(err) {
				return apperrors.NewConflict("aggregate", err)
			}
			return err
		}
		_, err = o.writer.Enqueue(ctx, tx,
			result.Event.AggregateType,
			result.Event.AggregateID,
			result.Event.EventType,
			result.Event.Topic,
			entry.EventData,
		)
		return err
	})
}

// runForward invokes the external executor with a per-call timeout,
// retrying transient failures a bounded number of times before treating
// them as fatal.
func (o *Orchestrator) runForward(ctx context.Context, rec *model.SagaRecord, step *Step) (*StepResult, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.config.StepTimeout
	}
	attempts := step.MaxAttempts
	if attempts <= 0 {
		attempts = o.config.StepAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := step.Execute(stepCtx, rec.Payload)
		cancel()

		if err == nil {
			if result == nil {
				result = &StepResult{}
			}
			return result, nil
		}
		lastErr = err
		if stepCtx.Err() == context.DeadlineExceeded {
			lastErr = apperrors.NewTransient(fmt.Sprintf("step %q timed out", step.Name), err)
		}
		if !apperrors.IsRetryable(lastErr) || attempt == attempts {
			break
		}
		o.logger.Warn("retrying saga step after transient failure",
			"saga_id", rec.ID.String(),
			"step", step.Name,
			"attempt", attempt)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.config.RetryDelay):
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) complete(ctx context.Context, rec *model.SagaRecord) error {
	now := time.Now()
	rec.Status = model.SagaStatusCompleted
	rec.CompletedAt = &now
	if err := o.sagas.Update(ctx, rec); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagasCompleted.Inc()
	}
	o.logger.Info("saga completed", "saga_id", rec.ID.String())
	return nil
}

// failAndCompensate records the step failure, moves the saga into
// COMPENSATING, and walks completed steps backwards. The original step
// error is returned so the caller can surface it with the saga id.
func (o *Orchestrator) failAndCompensate(ctx context.Context, rec *model.SagaRecord, step string, stepErr error) error {
	msg := stepErr.Error()
	rec.ErrorMessage = &msg
	rec.CurrentStep = step
	rec.Status = model.SagaStatusCompensating
	if err := o.sagas.Update(ctx, rec); err != nil {
		return err
	}
	o.logger.Warn("saga step failed, compensating",
		"saga_id", rec.ID.String(),
		"step", step,
		"error", msg)

	if err := o.compensate(ctx, rec); err != nil {
		return err
	}
	return stepErr
}

// Compensate rolls back a saga by id. Exposed for the sweeps and the admin
// retry path.
func (o *Orchestrator) Compensate(ctx context.Context, sagaID uuid.UUID) error {
	rec, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if rec.Status != model.SagaStatusCompensating {
		if !rec.CanTransition(model.SagaStatusCompensating) {
			return apperrors.NewBadRequest(
				fmt.Sprintf("saga %s cannot compensate from %s", sagaID, rec.Status), nil)
		}
		rec.Status = model.SagaStatusCompensating
		if err := o.sagas.Update(ctx, rec); err != nil {
			return err
		}
	}
	return o.compensate(ctx, rec)
}

// compensate undoes completed steps in reverse completion order. Each
// successful undo pops the step from the tail and persists immediately, so
// a crash and retry never re-runs a finished compensation. A failing
// compensation moves the saga to FAILED for manual intervention; this is
// never retried automatically past MaxRetries.
func (o *Orchestrator) compensate(ctx context.Context, rec *model.SagaRecord) error {
	def, err := o.registry.Get(rec.SagaType)
	if err != nil {
		return err
	}

	for len(rec.CompletedSteps) > 0 {
		name := rec.CompletedSteps[len(rec.CompletedSteps)-1]
		step, ok := def.step(name)
		if !ok {
			return fmt.Errorf("saga %s: unknown completed step %q", rec.ID, name)
		}

		if step.Compensate != nil {
			compData, err := compensationFor(rec, name)
			if err != nil {
				return err
			}
			stepCtx, cancel := context.WithTimeout(ctx, o.config.StepTimeout)
			err = step.Compensate(stepCtx, rec.Payload, compData)
			cancel()
			if err != nil {
				return o.failCompensation(ctx, rec, name, err)
			}
		}

		rec.CompletedSteps = rec.CompletedSteps[:len(rec.CompletedSteps)-1]
		rec.CurrentStep = name
		if err := popCompensation(rec, name); err != nil {
			return err
		}
		if err := o.sagas.Update(ctx, rec); err != nil {
			if repository.IsVersionConflict(err) {
				return apperrors.NewConflict("saga", err)
			}
			return err
		}
	}

	now := time.Now()
	rec.Status = model.SagaStatusCompensated
	rec.CompletedAt = &now
	if err := o.sagas.Update(ctx, rec); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagasCompensated.Inc()
	}
	o.logger.Info("saga compensated", "saga_id", rec.ID.String())
	return nil
}

func (o *Orchestrator) failCompensation(ctx context.Context, rec *model.SagaRecord, step string, compErr error) error {
	wrapped := apperrors.NewCompensationFailed(step, compErr)
	msg := wrapped.Error()
	rec.ErrorMessage = &msg
	rec.Status = model.SagaStatusFailed
	if err := o.sagas.Update(ctx, rec); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.SagasFailed.Inc()
	}
	o.logger.Error(compErr, "saga compensation failed, manual intervention required",
		"saga_id", rec.ID.String(),
		"step", step,
		"remaining_steps", len(rec.CompletedSteps))
	return wrapped
}

// RetryFailed re-enters compensation for a FAILED saga, bounded by
// MaxRetries. Used by the failed-saga sweep and the admin retry endpoint.
func (o *Orchestrator) RetryFailed(ctx context.Context, sagaID uuid.UUID) error {
	rec, err := o.sagas.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if rec.Status != model.SagaStatusFailed {
		return apperrors.NewBadRequest(fmt.Sprintf("saga %s is not FAILED", sagaID), nil)
	}
	if rec.RetryCount >= rec.MaxRetries {
		return apperrors.NewBadRequest(fmt.Sprintf("saga %s exhausted its retries", sagaID), nil)
	}

	rec.RetryCount++
	rec.Status = model.SagaStatusCompensating
	if err := o.sagas.Update(ctx, rec); err != nil {
		if repository.IsVersionConflict(err) {
			return apperrors.NewConflict("saga", err)
		}
		return err
	}
	return o.compensate(ctx, rec)
}

// ForceFail is the stuck-saga path: a saga with no progress past the
// staleness threshold is failed into compensation.
func (o *Orchestrator) ForceFail(ctx context.Context, rec *model.SagaRecord, reason string) error {
	rec.ErrorMessage = &reason
	rec.Status = model.SagaStatusCompensating
	if err := o.sagas.Update(ctx, rec); err != nil {
		if repository.IsVersionConflict(err) {
			return apperrors.NewConflict("saga", err)
		}
		return err
	}
	return o.compensate(ctx, rec)
}

func appendCompensation(rec *model.SagaRecord, step string, data json.RawMessage) error {
	entries, err := compensationEntries(rec)
	if err != nil {
		return err
	}
	entries = append(entries, model.CompensationEntry{Step: step, Data: data})
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	rec.CompensationData = buf
	return nil
}

func popCompensation(rec *model.SagaRecord, step string) error {
	entries, err := compensationEntries(rec)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Step == step {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	buf, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	rec.CompensationData = buf
	return nil
}

func compensationFor(rec *model.SagaRecord, step string) (json.RawMessage, error) {
	entries, err := compensationEntries(rec)
	if err != nil {
		return nil, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Step == step {
			return entries[i].Data, nil
		}
	}
	return nil, nil
}

func compensationEntries(rec *model.SagaRecord) ([]model.CompensationEntry, error) {
	if len(rec.CompensationData) == 0 {
		return nil, nil
	}
	var entries []model.CompensationEntry
	if err := json.Unmarshal(rec.CompensationData, &entries); err != nil {
		return nil, fmt.Errorf("saga %s: corrupt compensation data: %w", rec.ID, err)
	}
	return entries, nil
}
