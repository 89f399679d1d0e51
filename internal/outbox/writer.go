// Package outbox implements the transactional outbox: events destined for
// the broker are written in the same local transaction as the business
// change, then relayed asynchronously, so an event is never lost and never
// published without the corresponding state change.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

// Envelope is the wire shape published to the broker. Consumers dedupe on
// EventID, since a crash between broker ack and marking the row PUBLISHED
// causes a republish.
type Envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Data          json.RawMessage `json:"data"`
}

type Writer struct {
	repo       repository.OutboxRepository
	maxRetries int
}

func NewWriter(repo repository.OutboxRepository, maxRetries int) *Writer {
	return &Writer{repo: repo, maxRetries: maxRetries}
}

// Enqueue appends an event row in the caller's transaction. Calling it
// without an active transaction is a programming error and fails loudly:
// the row and the business mutation must commit or roll back together.
func (w *Writer) Enqueue(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID, eventType, topic string, data json.RawMessage) (*model.OutboxEvent, error) {
	if tx == nil {
		return nil, fmt.Errorf("outbox: Enqueue called outside a transaction")
	}
	if topic == "" {
		return nil, fmt.Errorf("outbox: topic is required")
	}

	eventID := uuid.New()
	payload, err := json.Marshal(Envelope{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		OccurredAt:    time.Now(),
		Data:          data,
	})
	if err != nil {
		return nil, fmt.Errorf("outbox: failed to marshal envelope: %w", err)
	}

	event := &model.OutboxEvent{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Topic:         topic,
		Payload:       payload,
		MaxRetries:    w.maxRetries,
	}
	if err := w.repo.CreateTx(ctx, tx, event); err != nil {
		return nil, err
	}
	return event, nil
}
