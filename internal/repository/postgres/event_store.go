package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

type eventStoreRepository struct {
	BaseRepository
}

func NewEventStoreRepository(base BaseRepository) repository.EventStoreRepository {
	return &eventStoreRepository{base}
}

// AppendTx computes next version = current max + 1 and inserts. Two
// transactions racing for the same version both compute the same next value;
// the composite unique index on (aggregate_id, version) fails the loser, and
// the whole enclosing transaction with it.
func (r *eventStoreRepository) AppendTx(ctx context.Context, tx *sqlx.Tx, entry *model.EventStoreEntry) error {
	if entry == nil {
		return fmt.Errorf("event store entry cannot be nil")
	}

	query := `
		INSERT INTO event_store (
			event_id, aggregate_id, aggregate_type, event_type, version,
			event_data, metadata, user_id, correlation_id, causation_id, timestamp
		)
		SELECT $1, $2, $3, $4,
		       COALESCE(MAX(version), 0) + 1,
		       $5, $6, $7, $8, $9, $10
		FROM event_store
		WHERE aggregate_id = $2
		RETURNING version
	`
	entry.Timestamp = time.Now()

	err := tx.QueryRowxContext(ctx, query,
		entry.EventID,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.EventData,
		entry.Metadata,
		entry.UserID,
		entry.CorrelationID,
		entry.CausationID,
		entry.Timestamp,
	).Scan(&entry.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("aggregate %s: %w", entry.AggregateID, repository.ErrVersionConflict)
		}
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (r *eventStoreRepository) ListForward(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.EventStoreEntry, error) {
	query := `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version,
		       event_data, metadata, user_id, correlation_id, causation_id, timestamp
		FROM event_store
		WHERE aggregate_id = $1
		AND version >= $2
		ORDER BY version ASC
	`
	var entries []*model.EventStoreEntry
	err := r.db.SelectContext(ctx, &entries, query, aggregateID, fromVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entries, err
}

func (r *eventStoreRepository) ListAsOf(ctx context.Context, aggregateID string, asOf time.Time) ([]*model.EventStoreEntry, error) {
	query := `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version,
		       event_data, metadata, user_id, correlation_id, causation_id, timestamp
		FROM event_store
		WHERE aggregate_id = $1
		AND timestamp <= $2
		ORDER BY version ASC
	`
	var entries []*model.EventStoreEntry
	err := r.db.SelectContext(ctx, &entries, query, aggregateID, asOf)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entries, err
}

func (r *eventStoreRepository) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	query := `SELECT COALESCE(MAX(version), 0) FROM event_store WHERE aggregate_id = $1`

	var version int64
	if err := r.db.GetContext(ctx, &version, query, aggregateID); err != nil {
		return 0, fmt.Errorf("failed to read current version: %w", err)
	}
	return version, nil
}
