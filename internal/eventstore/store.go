// Package eventstore records per-aggregate history as an append-only,
// version-ordered sequence of facts. Current state is derived by replay;
// the store never updates or deletes rows.
package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

// AppendInput carries everything recorded with one event.
type AppendInput struct {
	AggregateID   string
	AggregateType string
	EventType     string
	EventData     json.RawMessage
	Metadata      json.RawMessage
	UserID        string
	CorrelationID string
	CausationID   string
}

type Store struct {
	repo    repository.EventStoreRepository
	metrics *metrics.Metrics
}

func NewStore(repo repository.EventStoreRepository, m *metrics.Metrics) *Store {
	return &Store{repo: repo, metrics: m}
}

// Append writes one event inside the caller's transaction. The store assigns
// the next per-aggregate version; a concurrent writer racing for the same
// version fails the whole transaction, and the caller must re-read and retry.
func (s *Store) Append(ctx context.Context, tx *sqlx.Tx, in AppendInput) (*model.EventStoreEntry, error) {
	entry := &model.EventStoreEntry{
		EventID:       uuid.New(),
		AggregateID:   in.AggregateID,
		AggregateType: in.AggregateType,
		EventType:     in.EventType,
		EventData:     in.EventData,
		Metadata:      in.Metadata,
		UserID:        in.UserID,
		CorrelationID: in.CorrelationID,
		CausationID:   in.CausationID,
	}

	if err := s.repo.AppendTx(ctx, tx, entry); err != nil {
		if s.metrics != nil && repository.IsVersionConflict(err) {
			s.metrics.EventStoreConflicts.Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.EventStoreAppends.Inc()
	}
	return entry, nil
}

// ReadForward returns the ordered event sequence for replay, starting at
// fromVersion (pass 1 for the full history).
func (s *Store) ReadForward(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.EventStoreEntry, error) {
	if fromVersion < 1 {
		fromVersion = 1
	}
	return s.repo.ListForward(ctx, aggregateID, fromVersion)
}

// ReadAsOf returns events up to a point in time for point-in-time
// reconstruction.
func (s *Store) ReadAsOf(ctx context.Context, aggregateID string, asOf time.Time) ([]*model.EventStoreEntry, error) {
	return s.repo.ListAsOf(ctx, aggregateID, asOf)
}

// CurrentVersion returns the highest version written for the aggregate,
// or 0 when it has no history.
func (s *Store) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	return s.repo.CurrentVersion(ctx, aggregateID)
}

// ApplyFunc folds one event into the running state.
type ApplyFunc func(state interface{}, entry *model.EventStoreEntry) interface{}

// Replay derives aggregate state as a pure fold: starting state is nil and
// each event is applied in version order. This is the only supported way to
// answer what an aggregate looked like at a given point.
func Replay(entries []*model.EventStoreEntry, apply ApplyFunc) interface{} {
	var state interface{}
	for _, entry := range entries {
		state = apply(state, entry)
	}
	return state
}
