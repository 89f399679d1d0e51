package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/fincore/internal/eventstore"
	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/internal/repository"
	apperrors "github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/logger"
)

type fakeSagaRepo struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*model.SagaRecord
}

func newFakeSagaRepo() *fakeSagaRepo {
	return &fakeSagaRepo{recs: make(map[uuid.UUID]*model.SagaRecord)}
}

func copyRecord(rec *model.SagaRecord) *model.SagaRecord {
	c := *rec
	c.CompletedSteps = append([]string(nil), rec.CompletedSteps...)
	return &c
}

func (r *fakeSagaRepo) Create(ctx context.Context, rec *model.SagaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.Version = 1
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	r.recs[rec.ID] = copyRecord(rec)
	return nil
}

func (r *fakeSagaRepo) Get(ctx context.Context, id uuid.UUID) (*model.SagaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[id]
	if !ok {
		return nil, fmt.Errorf("saga %s not found", id)
	}
	return copyRecord(rec), nil
}

func (r *fakeSagaRepo) Update(ctx context.Context, rec *model.SagaRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.recs[rec.ID]
	if !ok {
		return fmt.Errorf("saga %s not found", rec.ID)
	}
	if stored.Version != rec.Version {
		return fmt.Errorf("saga %s: %w", rec.ID, repository.ErrVersionConflict)
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	r.recs[rec.ID] = copyRecord(rec)
	return nil
}

func (r *fakeSagaRepo) UpdateTx(ctx context.Context, tx *sqlx.Tx, rec *model.SagaRecord) error {
	return r.Update(ctx, rec)
}

func (r *fakeSagaRepo) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error) {
	return nil, nil
}

func (r *fakeSagaRepo) ListFailedRetryable(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error) {
	return nil, nil
}

func (r *fakeSagaRepo) CountByStatus(ctx context.Context) (map[model.SagaStatus]int64, error) {
	return nil, nil
}

func (r *fakeSagaRepo) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

type fakeEventRepo struct {
	mu      sync.Mutex
	entries map[string][]*model.EventStoreEntry
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{entries: make(map[string][]*model.EventStoreEntry)}
}

func (r *fakeEventRepo) AppendTx(ctx context.Context, tx *sqlx.Tx, entry *model.EventStoreEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.Version = int64(len(r.entries[entry.AggregateID])) + 1
	entry.Timestamp = time.Now()
	r.entries[entry.AggregateID] = append(r.entries[entry.AggregateID], entry)
	return nil
}

func (r *fakeEventRepo) ListForward(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.EventStoreEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EventStoreEntry
	for _, e := range r.entries[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeEventRepo) ListAsOf(ctx context.Context, aggregateID string, asOf time.Time) ([]*model.EventStoreEntry, error) {
	return r.entries[aggregateID], nil
}

func (r *fakeEventRepo) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries[aggregateID])), nil
}

type fakeOutboxRepo struct {
	mu      sync.Mutex
	created []*model.OutboxEvent
}

func (r *fakeOutboxRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	event.Status = model.OutboxStatusPending
	event.CreatedAt = time.Now()
	event.Version = 1
	r.created = append(r.created, event)
	return nil
}

func (r *fakeOutboxRepo) GetPendingBatch(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) GetRetryBatch(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error) {
	return nil, nil
}

func (r *fakeOutboxRepo) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	return nil, fmt.Errorf("not found")
}

func (r *fakeOutboxRepo) MarkPublished(ctx context.Context, event *model.OutboxEvent) error {
	return nil
}

func (r *fakeOutboxRepo) MarkAttemptFailed(ctx context.Context, event *model.OutboxEvent) error {
	return nil
}

func (r *fakeOutboxRepo) ResetForRetry(ctx context.Context, id uuid.UUID) error { return nil }

func (r *fakeOutboxRepo) Stats(ctx context.Context) (*model.OutboxStats, error) {
	return &model.OutboxStats{}, nil
}

func (r *fakeOutboxRepo) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// fakeTxRunner hands the callback a placeholder transaction. The fake
// repositories never touch it.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return fn(&sqlx.Tx{})
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ErrorLevel,
		TimeFormat: time.RFC3339,
		Output:     io.Discard,
	})
}

type harness struct {
	orch     *Orchestrator
	sagas    *fakeSagaRepo
	outbox   *fakeOutboxRepo
	registry *Registry
}

func newHarness(t *testing.T, def *Definition) *harness {
	t.Helper()
	sagas := newFakeSagaRepo()
	events := newFakeEventRepo()
	outboxRepo := &fakeOutboxRepo{}
	registry := NewRegistry()
	require.NoError(t, registry.Register(def))

	orch := NewOrchestrator(
		sagas,
		eventstore.NewStore(events, nil),
		outbox.NewWriter(outboxRepo, 5),
		fakeTxRunner{},
		registry,
		OrchestratorConfig{
			StepTimeout:  time.Second,
			StepAttempts: 3,
			RetryDelay:   time.Millisecond,
			MaxRetries:   3,
		},
		testLogger(),
		nil,
	)
	return &harness{orch: orch, sagas: sagas, outbox: outboxRepo, registry: registry}
}

func okStep(name string, log *[]string) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			*log = append(*log, name)
			return &StepResult{
				CompensationData: json.RawMessage(fmt.Sprintf(`{"ref":"%s-ref"}`, name)),
				Event: &Event{
					AggregateType: "order",
					AggregateID:   "order-1",
					EventType:     name + ".done",
					Topic:         "orders.events",
					Data:          json.RawMessage(`{}`),
				},
			}, nil
		},
		Compensate: func(ctx context.Context, payload, comp json.RawMessage) error {
			*log = append(*log, "undo-"+name)
			return nil
		},
	}
}

func TestOrchestratorHappyPath(t *testing.T) {
	var log []string
	def := &Definition{
		Type:  "order_fulfillment",
		Steps: []Step{okStep("reserve", &log), okStep("charge", &log), okStep("ship", &log)},
	}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "order_fulfillment", json.RawMessage(`{"order":"1"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusStarted, rec.Status)

	rec, err = h.orch.Run(context.Background(), rec.ID)
	require.NoError(t, err)

	final, err := h.sagas.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusCompleted, final.Status)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, log)
	assert.Equal(t, []string{"reserve", "charge", "ship"}, []string(final.CompletedSteps))
	assert.NotNil(t, final.CompletedAt)

	// One outbox row per step, written through the step's transaction.
	require.Len(t, h.outbox.created, 3)
	assert.Equal(t, "reserve.done", h.outbox.created[0].EventType)
	assert.Equal(t, "orders.events", h.outbox.created[0].Topic)
}

func TestOrchestratorCompensatesInReverseOnFailure(t *testing.T) {
	var log []string
	failing := Step{
		Name: "ship",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			return nil, apperrors.NewBusiness("carrier rejected the shipment", nil)
		},
	}
	def := &Definition{
		Type:  "order_fulfillment",
		Steps: []Step{okStep("reserve", &log), okStep("charge", &log), failing},
	}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "order_fulfillment", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = h.orch.Run(context.Background(), rec.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsBusiness(err))

	final, err := h.sagas.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SagaStatusCompensated, final.Status)
	assert.Empty(t, final.CompletedSteps)
	require.NotNil(t, final.ErrorMessage)
	assert.Contains(t, *final.ErrorMessage, "carrier rejected")

	// Forward order then strict reverse undo order.
	assert.Equal(t, []string{"reserve", "charge", "undo-charge", "undo-reserve"}, log)
}

func TestOrchestratorSkipsStepsWithoutCompensation(t *testing.T) {
	var log []string
	screen := Step{
		Name: "screen",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			log = append(log, "screen")
			return &StepResult{}, nil
		},
		// No Compensate: a pure read has nothing to undo.
	}
	failing := Step{
		Name: "charge",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			return nil, apperrors.NewBusiness("declined", nil)
		},
	}
	def := &Definition{
		Type:  "screened_order",
		Steps: []Step{screen, okStep("reserve", &log), failing},
	}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "screened_order", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.Error(t, err)

	final, _ := h.sagas.Get(context.Background(), rec.ID)
	assert.Equal(t, model.SagaStatusCompensated, final.Status)
	assert.Equal(t, []string{"screen", "reserve", "undo-reserve"}, log)
}

func TestOrchestratorRetriesTransientThenSucceeds(t *testing.T) {
	var attempts int
	flaky := Step{
		Name: "charge",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			attempts++
			if attempts < 3 {
				return nil, apperrors.NewTransient("gateway unreachable", nil)
			}
			return &StepResult{}, nil
		},
	}
	def := &Definition{Type: "flaky_charge", Steps: []Step{flaky}}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "flaky_charge", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.Equal(t, 3, attempts)
	final, _ := h.sagas.Get(context.Background(), rec.ID)
	assert.Equal(t, model.SagaStatusCompleted, final.Status)
}

func TestOrchestratorBusinessErrorIsNotRetried(t *testing.T) {
	var attempts int
	declined := Step{
		Name: "charge",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			attempts++
			return nil, apperrors.NewBusiness("insufficient funds", nil)
		},
	}
	def := &Definition{Type: "declined_charge", Steps: []Step{declined}}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "declined_charge", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.Error(t, err)

	assert.Equal(t, 1, attempts)
}

func TestOrchestratorResumeSkipsCompletedSteps(t *testing.T) {
	var log []string
	def := &Definition{
		Type:  "order_fulfillment",
		Steps: []Step{okStep("reserve", &log), okStep("charge", &log), okStep("ship", &log)},
	}
	h := newHarness(t, def)

	// Simulate a saga that crashed after two completed steps.
	rec := &model.SagaRecord{
		ID:             uuid.New(),
		SagaType:       "order_fulfillment",
		Status:         model.SagaStatusProcessing,
		CompletedSteps: []string{"reserve", "charge"},
		Payload:        json.RawMessage(`{}`),
		MaxRetries:     3,
	}
	require.NoError(t, h.sagas.Create(context.Background(), rec))

	_, err := h.orch.Run(context.Background(), rec.ID)
	require.NoError(t, err)

	// Only the missing step ran.
	assert.Equal(t, []string{"ship"}, log)
	final, _ := h.sagas.Get(context.Background(), rec.ID)
	assert.Equal(t, model.SagaStatusCompleted, final.Status)
}

func TestOrchestratorCompensationFailureMovesToFailed(t *testing.T) {
	var log []string
	reserve := okStep("reserve", &log)
	brokenUndo := Step{
		Name: "charge",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			log = append(log, "charge")
			return &StepResult{}, nil
		},
		Compensate: func(ctx context.Context, payload, comp json.RawMessage) error {
			return fmt.Errorf("refund endpoint down")
		},
	}
	failing := Step{
		Name: "ship",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			return nil, apperrors.NewBusiness("rejected", nil)
		},
	}
	def := &Definition{Type: "order_fulfillment", Steps: []Step{reserve, brokenUndo, failing}}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "order_fulfillment", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.Error(t, err)

	final, _ := h.sagas.Get(context.Background(), rec.ID)
	assert.Equal(t, model.SagaStatusFailed, final.Status)
	// The un-compensated steps stay recorded for the retry.
	assert.Equal(t, []string{"reserve", "charge"}, []string(final.CompletedSteps))
}

func TestOrchestratorRetryFailedResumesCompensation(t *testing.T) {
	var log []string
	undoAttempts := 0
	reserve := okStep("reserve", &log)
	flakyUndo := Step{
		Name: "charge",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			log = append(log, "charge")
			return &StepResult{}, nil
		},
		Compensate: func(ctx context.Context, payload, comp json.RawMessage) error {
			undoAttempts++
			if undoAttempts == 1 {
				return fmt.Errorf("refund endpoint down")
			}
			log = append(log, "undo-charge")
			return nil
		},
	}
	failing := Step{
		Name: "ship",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
			return nil, apperrors.NewBusiness("rejected", nil)
		},
	}
	def := &Definition{Type: "order_fulfillment", Steps: []Step{reserve, flakyUndo, failing}}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "order_fulfillment", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.Error(t, err)

	failed, _ := h.sagas.Get(context.Background(), rec.ID)
	require.Equal(t, model.SagaStatusFailed, failed.Status)

	// Manual retry picks up where compensation stopped; reserve is not
	// re-undone once charge finally compensates.
	require.NoError(t, h.orch.RetryFailed(context.Background(), rec.ID))

	final, _ := h.sagas.Get(context.Background(), rec.ID)
	assert.Equal(t, model.SagaStatusCompensated, final.Status)
	assert.Empty(t, final.CompletedSteps)
	assert.Equal(t, []string{"reserve", "charge", "undo-charge", "undo-reserve"}, log)
	assert.Equal(t, 2, undoAttempts)
}

func TestOrchestratorRetryFailedRespectsBudget(t *testing.T) {
	def := &Definition{Type: "order_fulfillment", Steps: []Step{{
		Name:    "reserve",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) { return nil, nil },
	}}}
	h := newHarness(t, def)

	rec := &model.SagaRecord{
		ID:         uuid.New(),
		SagaType:   "order_fulfillment",
		Status:     model.SagaStatusFailed,
		Payload:    json.RawMessage(`{}`),
		RetryCount: 3,
		MaxRetries: 3,
	}
	require.NoError(t, h.sagas.Create(context.Background(), rec))

	err := h.orch.RetryFailed(context.Background(), rec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")
}

func TestOrchestratorStartRejectsUnknownType(t *testing.T) {
	h := newHarness(t, &Definition{Type: "known", Steps: []Step{{
		Name:    "noop",
		Execute: func(ctx context.Context, payload json.RawMessage) (*StepResult, error) { return nil, nil },
	}}})

	_, err := h.orch.Start(context.Background(), "unknown", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestOrchestratorRunIsIdempotentOnTerminalSagas(t *testing.T) {
	var log []string
	def := &Definition{Type: "order_fulfillment", Steps: []Step{okStep("reserve", &log)}}
	h := newHarness(t, def)

	rec, err := h.orch.Start(context.Background(), "order_fulfillment", json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"reserve"}, log)

	// A second Run finds a terminal saga and does nothing.
	_, err = h.orch.Run(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reserve"}, log)
}
