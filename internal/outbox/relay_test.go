package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

// Shared across relay tests: promauto registers against the default
// registry, so the metrics struct is built once for the package.
var relayMetrics = metrics.NewMetrics("fincore", "outboxtest")

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	failTimes int
}

func (b *fakeBroker) Publish(ctx context.Context, topic, partitionKey string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failTimes > 0 {
		b.failTimes--
		return fmt.Errorf("broker unavailable")
	}
	b.published = append(b.published, topic)
	return nil
}

func (b *fakeBroker) Subscribe(ctx context.Context, topic string, handler func([]byte) error) error {
	return nil
}

func (b *fakeBroker) Ping(ctx context.Context) error { return nil }
func (b *fakeBroker) Close() error                   { return nil }

func relayLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ErrorLevel,
		TimeFormat: time.RFC3339,
		Output:     io.Discard,
	})
}

func newTestRelay(repo repository.OutboxRepository, broker *fakeBroker) *Relay {
	return NewRelay(repo, broker, RelayConfig{
		BatchSize:     10,
		PollInterval:  time.Millisecond,
		RetryInterval: time.Millisecond,
		BackoffBase:   time.Minute,
	}, relayLogger(), relayMetrics)
}

func enqueueOne(t *testing.T, repo *fakeOutboxRepo, maxRetries int) *model.OutboxEvent {
	t.Helper()
	writer := NewWriter(repo, maxRetries)
	event, err := writer.Enqueue(context.Background(), &sqlx.Tx{}, "payment", "pay-1", "payment.captured", "payments.events", json.RawMessage(`{}`))
	require.NoError(t, err)
	return event
}

func TestRelayPublishesPendingEvents(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{}
	event := enqueueOne(t, repo, 3)

	relay := newTestRelay(repo, broker)
	require.NoError(t, relay.ProcessPending(context.Background()))

	assert.Equal(t, []string{"payments.events"}, broker.published)
	assert.Equal(t, model.OutboxStatusPublished, event.Status)
	assert.NotNil(t, event.PublishedAt)
}

func TestRelaySchedulesBackoffOnPublishFailure(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{failTimes: 1}
	event := enqueueOne(t, repo, 3)

	relay := newTestRelay(repo, broker)
	require.NoError(t, relay.ProcessPending(context.Background()))

	assert.Equal(t, model.OutboxStatusPending, event.Status)
	assert.Equal(t, 1, event.RetryCount)
	require.NotNil(t, event.NextRetryAt)
	assert.True(t, event.NextRetryAt.After(time.Now()))
	require.NotNil(t, event.LastError)
	assert.Contains(t, *event.LastError, "broker unavailable")

	// Still scheduled: the first-attempt poll must skip it now.
	batch, err := repo.GetPendingBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestRelayRetryBatchPublishesAfterBackoff(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{failTimes: 1}
	event := enqueueOne(t, repo, 3)

	relay := newTestRelay(repo, broker)
	require.NoError(t, relay.ProcessPending(context.Background()))
	require.Equal(t, 1, event.RetryCount)

	// Before the backoff window elapses nothing is selected.
	require.NoError(t, relay.ProcessRetries(context.Background()))
	assert.Empty(t, broker.published)

	// Force the window to elapse.
	past := time.Now().Add(-time.Second)
	event.NextRetryAt = &past
	require.NoError(t, relay.ProcessRetries(context.Background()))

	assert.Equal(t, []string{"payments.events"}, broker.published)
	assert.Equal(t, model.OutboxStatusPublished, event.Status)
}

func TestRelayMarksFailedAfterExhaustingRetries(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{failTimes: 100}
	event := enqueueOne(t, repo, 2)

	relay := newTestRelay(repo, broker)
	require.NoError(t, relay.ProcessPending(context.Background()))
	require.Equal(t, 1, event.RetryCount)
	require.Equal(t, model.OutboxStatusPending, event.Status)

	past := time.Now().Add(-time.Second)
	event.NextRetryAt = &past
	require.NoError(t, relay.ProcessRetries(context.Background()))

	assert.Equal(t, model.OutboxStatusFailed, event.Status)
	assert.Equal(t, 2, event.RetryCount)
	assert.Nil(t, event.NextRetryAt)

	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.PermanentlyDead)
}

func TestRelayManualRetryResurrectsFailedEvent(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{failTimes: 100}
	event := enqueueOne(t, repo, 1)

	relay := newTestRelay(repo, broker)
	require.NoError(t, relay.ProcessPending(context.Background()))
	require.Equal(t, model.OutboxStatusFailed, event.Status)

	require.NoError(t, repo.ResetForRetry(context.Background(), event.EventID))
	assert.Equal(t, model.OutboxStatusPending, event.Status)
	assert.Equal(t, 0, event.RetryCount)
	assert.Nil(t, event.LastError)

	broker.failTimes = 0
	require.NoError(t, relay.ProcessPending(context.Background()))
	assert.Equal(t, model.OutboxStatusPublished, event.Status)
}

func TestRelaySkipsEventWonByAnotherInstance(t *testing.T) {
	repo := newFakeOutboxRepo()
	broker := &fakeBroker{}
	enqueueOne(t, repo, 3)
	repo.markErr = fmt.Errorf("event: %w", repository.ErrVersionConflict)

	relay := newTestRelay(repo, broker)
	// A lost CAS race is not an error; the other instance owns the row.
	require.NoError(t, relay.ProcessPending(context.Background()))
	assert.Len(t, broker.published, 1)
}

func TestNextBackoffGrowsLinearly(t *testing.T) {
	base := 2 * time.Second
	assert.Equal(t, 2*time.Second, model.NextBackoff(1, base))
	assert.Equal(t, 6*time.Second, model.NextBackoff(3, base))
	// Zero attempts are clamped to one base interval.
	assert.Equal(t, 2*time.Second, model.NextBackoff(0, base))
}
