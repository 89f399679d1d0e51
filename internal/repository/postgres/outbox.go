package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

func (r *outboxRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}

	query := `
		INSERT INTO outbox_events (
			event_id, aggregate_type, aggregate_id, event_type, topic,
			payload, status, retry_count, max_retries, created_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	event.CreatedAt = time.Now()
	event.Status = model.OutboxStatusPending
	event.Version = 1

	_, err := tx.ExecContext(ctx, query,
		event.EventID,
		event.AggregateType,
		event.AggregateID,
		event.EventType,
		event.Topic,
		event.Payload,
		event.Status,
		event.RetryCount,
		event.MaxRetries,
		event.CreatedAt,
		event.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox event: %w", err)
	}
	return nil
}

// GetPendingBatch selects first-attempt PENDING events in creation order.
// SKIP LOCKED keeps concurrent relay instances off each other's batches.
func (r *outboxRepository) GetPendingBatch(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	query := `
		SELECT event_id, aggregate_type, aggregate_id, event_type, topic,
		       payload, status, retry_count, max_retries, last_error,
		       created_at, published_at, next_retry_at, version
		FROM outbox_events
		WHERE status = $1
		AND next_retry_at IS NULL
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	`
	var events []*model.OutboxEvent
	err := r.db.SelectContext(ctx, &events, query, model.OutboxStatusPending, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return events, err
}

// GetRetryBatch selects PENDING events whose backoff window has elapsed.
func (r *outboxRepository) GetRetryBatch(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error) {
	query := `
		SELECT event_id, aggregate_type, aggregate_id, event_type, topic,
		       payload, status, retry_count, max_retries, last_error,
		       created_at, published_at, next_retry_at, version
		FROM outbox_events
		WHERE status = $1
		AND next_retry_at IS NOT NULL
		AND next_retry_at <= $2
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3
	`
	var events []*model.OutboxEvent
	err := r.db.SelectContext(ctx, &events, query, model.OutboxStatusPending, now, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return events, err
}

func (r *outboxRepository) Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error) {
	query := `
		SELECT event_id, aggregate_type, aggregate_id, event_type, topic,
		       payload, status, retry_count, max_retries, last_error,
		       created_at, published_at, next_retry_at, version
		FROM outbox_events
		WHERE event_id = $1
	`
	var event model.OutboxEvent
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("outbox event %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get outbox event: %w", err)
	}
	return &event, nil
}

func (r *outboxRepository) MarkPublished(ctx context.Context, event *model.OutboxEvent) error {
	query := `
		UPDATE outbox_events
		SET status = $1, published_at = $2, version = version + 1
		WHERE event_id = $3 AND version = $4
	`
	now := time.Now()
	res, err := r.db.ExecContext(ctx, query, model.OutboxStatusPublished, now, event.EventID, event.Version)
	if err != nil {
		return fmt.Errorf("failed to mark event published: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("outbox event %s: %w", event.EventID, repository.ErrVersionConflict)
	}
	event.Status = model.OutboxStatusPublished
	event.PublishedAt = &now
	event.Version++
	return nil
}

// MarkAttemptFailed records a failed publish: bumps retry_count, stores the
// error, schedules the backoff, and flips to FAILED once retries exhaust.
func (r *outboxRepository) MarkAttemptFailed(ctx context.Context, event *model.OutboxEvent) error {
	query := `
		UPDATE outbox_events
		SET status = $1,
		    retry_count = $2,
		    last_error = $3,
		    next_retry_at = $4,
		    version = version + 1
		WHERE event_id = $5 AND version = $6
	`
	res, err := r.db.ExecContext(ctx, query,
		event.Status,
		event.RetryCount,
		event.LastError,
		event.NextRetryAt,
		event.EventID,
		event.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to record publish failure: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("outbox event %s: %w", event.EventID, repository.ErrVersionConflict)
	}
	event.Version++
	return nil
}

// ResetForRetry is the manual replay path for FAILED events.
func (r *outboxRepository) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1,
		    retry_count = 0,
		    last_error = NULL,
		    next_retry_at = NULL,
		    version = version + 1
		WHERE event_id = $2 AND status = $3
	`
	res, err := r.db.ExecContext(ctx, query, model.OutboxStatusPending, id, model.OutboxStatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset outbox event: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("outbox event %s is not in FAILED state: %w", id, sql.ErrNoRows)
	}
	return nil
}

func (r *outboxRepository) Stats(ctx context.Context) (*model.OutboxStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = $1) AS pending,
			COUNT(*) FILTER (WHERE status = $2) AS failed,
			COUNT(*) FILTER (WHERE status = $2 AND retry_count >= max_retries) AS dead
		FROM outbox_events
	`
	var stats model.OutboxStats
	if err := r.db.GetContext(ctx, &stats, query,
		model.OutboxStatusPending, model.OutboxStatusFailed); err != nil {
		return nil, fmt.Errorf("failed to collect outbox stats: %w", err)
	}
	return &stats, nil
}

func (r *outboxRepository) DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE status = $1
		AND published_at < $2
	`
	res, err := r.db.ExecContext(ctx, query, model.OutboxStatusPublished, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete published events: %w", err)
	}
	return res.RowsAffected()
}
