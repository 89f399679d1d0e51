package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
)

// ErrDuplicateKey is returned when an insert loses a unique-index race. The
// idempotency guard and the event store both use it as their race-breaker.
var ErrDuplicateKey = errors.New("duplicate key")

// ErrVersionConflict is returned when an optimistic compare-and-swap update
// finds the row already modified by another writer.
var ErrVersionConflict = errors.New("version conflict")

// IsVersionConflict reports whether err wraps ErrVersionConflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsDuplicateKey reports whether err wraps ErrDuplicateKey.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// TxRunner executes a function inside one local transaction. Everything the
// saga writes per step (progress, event store entry, outbox row) goes
// through one of these so it commits or rolls back as a unit.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error
}

type SagaRepository interface {
	Create(ctx context.Context, rec *model.SagaRecord) error
	Get(ctx context.Context, id uuid.UUID) (*model.SagaRecord, error)
	// Update conditions on rec.Version and bumps it; ErrVersionConflict when
	// another writer got there first.
	Update(ctx context.Context, rec *model.SagaRecord) error
	UpdateTx(ctx context.Context, tx *sqlx.Tx, rec *model.SagaRecord) error
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error)
	ListFailedRetryable(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error)
	CountByStatus(ctx context.Context) (map[model.SagaStatus]int64, error)
	DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error)
}

type OutboxRepository interface {
	// CreateTx is the only way to enqueue: an outbox row never exists
	// without the transaction that produced it.
	CreateTx(ctx context.Context, tx *sqlx.Tx, event *model.OutboxEvent) error
	GetPendingBatch(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	GetRetryBatch(ctx context.Context, now time.Time, limit int) ([]*model.OutboxEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*model.OutboxEvent, error)
	MarkPublished(ctx context.Context, event *model.OutboxEvent) error
	MarkAttemptFailed(ctx context.Context, event *model.OutboxEvent) error
	ResetForRetry(ctx context.Context, id uuid.UUID) error
	Stats(ctx context.Context) (*model.OutboxStats, error)
	DeletePublishedBefore(ctx context.Context, before time.Time) (int64, error)
}

type IdempotencyRepository interface {
	// Insert returns ErrDuplicateKey when the key already exists.
	Insert(ctx context.Context, rec *model.IdempotencyRecord) error
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	Complete(ctx context.Context, rec *model.IdempotencyRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	DeleteStuckProcessing(ctx context.Context, startedBefore time.Time) (int64, error)
}

type EventStoreRepository interface {
	// AppendTx assigns the next per-aggregate version and inserts; the
	// composite unique index (aggregate_id, version) turns a concurrent
	// writer into ErrVersionConflict, failing the whole transaction.
	AppendTx(ctx context.Context, tx *sqlx.Tx, entry *model.EventStoreEntry) error
	ListForward(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.EventStoreEntry, error)
	ListAsOf(ctx context.Context, aggregateID string, asOf time.Time) ([]*model.EventStoreEntry, error)
	CurrentVersion(ctx context.Context, aggregateID string) (int64, error)
}
