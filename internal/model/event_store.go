package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventStoreEntry is one immutable fact in an aggregate's history. For a
// fixed aggregate id, versions are contiguous starting at 1; the store
// rejects concurrent writers racing for the same version.
type EventStoreEntry struct {
	EventID       uuid.UUID       `db:"event_id" json:"event_id"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	EventType     string          `db:"event_type" json:"event_type"`
	Version       int64           `db:"version" json:"version"`
	EventData     json.RawMessage `db:"event_data" json:"event_data"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	UserID        string          `db:"user_id" json:"user_id,omitempty"`
	CorrelationID string          `db:"correlation_id" json:"correlation_id,omitempty"`
	CausationID   string          `db:"causation_id" json:"causation_id,omitempty"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
}
