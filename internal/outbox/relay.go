package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/messaging"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

type RelayConfig struct {
	BatchSize     int
	PollInterval  time.Duration
	RetryInterval time.Duration
	BackoffBase   time.Duration
}

// Relay is the background loop that drains PENDING outbox rows to the
// broker. Broker unavailability is retried with backoff, never dropped;
// rows that exhaust retries stay queryable for manual replay.
type Relay struct {
	repo    repository.OutboxRepository
	broker  messaging.Broker
	config  RelayConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewRelay(
	repo repository.OutboxRepository,
	broker messaging.Broker,
	config RelayConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *Relay {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.RetryInterval <= 0 {
		panic("RetryInterval must be greater than 0")
	}
	if config.BackoffBase <= 0 {
		panic("BackoffBase must be greater than 0")
	}

	return &Relay{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Start polls on two intervals: a fast one for first-attempt rows and a
// slower one for rows whose backoff window has elapsed. Blocks until ctx is
// cancelled.
func (r *Relay) Start(ctx context.Context) {
	poll := time.NewTicker(r.config.PollInterval)
	defer poll.Stop()
	retry := time.NewTicker(r.config.RetryInterval)
	defer retry.Stop()

	r.logger.Info("starting outbox relay")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutting down outbox relay")
			return
		case <-poll.C:
			if err := r.ProcessPending(ctx); err != nil {
				r.logger.Error(err, "failed to process pending outbox events")
			}
		case <-retry.C:
			if err := r.ProcessRetries(ctx); err != nil {
				r.logger.Error(err, "failed to process outbox retries")
			}
		}
	}
}

// ProcessPending publishes one batch of first-attempt events in creation
// order.
func (r *Relay) ProcessPending(ctx context.Context) error {
	timer := prometheus.NewTimer(r.metrics.OutboxProcessingLatency)
	defer timer.ObserveDuration()

	events, err := r.repo.GetPendingBatch(ctx, r.config.BatchSize)
	if err != nil {
		r.metrics.DatabaseOperations.WithLabelValues("get_pending_batch", "error").Inc()
		return fmt.Errorf("failed to get pending events: %w", err)
	}
	r.metrics.DatabaseOperations.WithLabelValues("get_pending_batch", "success").Inc()

	return r.publishBatch(ctx, events)
}

// ProcessRetries re-selects events whose next_retry_at has elapsed.
func (r *Relay) ProcessRetries(ctx context.Context) error {
	events, err := r.repo.GetRetryBatch(ctx, time.Now(), r.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get retry events: %w", err)
	}
	for _, event := range events {
		r.metrics.OutboxRetries.WithLabelValues(event.EventType).Inc()
	}
	return r.publishBatch(ctx, events)
}

func (r *Relay) publishBatch(ctx context.Context, events []*model.OutboxEvent) error {
	for _, event := range events {
		if err := r.publishOne(ctx, event); err != nil {
			r.logger.Error(err, "failed to publish outbox event",
				"event_id", event.EventID.String(),
				"event_type", event.EventType)
		}
	}
	return nil
}

func (r *Relay) publishOne(ctx context.Context, event *model.OutboxEvent) error {
	err := r.broker.Publish(ctx, event.Topic, event.AggregateID, event.Payload)
	if err != nil {
		return r.recordFailure(ctx, event, err)
	}

	// A crash here republishes the event on the next cycle; consumers
	// dedupe on the envelope's event id.
	if err := r.repo.MarkPublished(ctx, event); err != nil {
		if repository.IsVersionConflict(err) {
			// Another relay instance got there first.
			return nil
		}
		return err
	}
	r.metrics.OutboxEventsPublished.Inc()
	return nil
}

func (r *Relay) recordFailure(ctx context.Context, event *model.OutboxEvent, pubErr error) error {
	event.RetryCount++
	msg := pubErr.Error()
	event.LastError = &msg

	if event.Exhausted() {
		event.Status = model.OutboxStatusFailed
		event.NextRetryAt = nil
		r.metrics.OutboxEventsFailed.Inc()
		r.logger.Error(pubErr, "outbox event exhausted retries",
			"event_id", event.EventID.String(),
			"retry_count", event.RetryCount)
	} else {
		next := time.Now().Add(model.NextBackoff(event.RetryCount, r.config.BackoffBase))
		event.NextRetryAt = &next
	}

	if err := r.repo.MarkAttemptFailed(ctx, event); err != nil {
		if repository.IsVersionConflict(err) {
			return nil
		}
		return err
	}
	return pubErr
}
