package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

// OutboxEvent is one domain event awaiting publication. It is created
// strictly inside the same local transaction as the business mutation it
// describes and mutated only by the relay afterwards.
type OutboxEvent struct {
	EventID       uuid.UUID       `db:"event_id" json:"event_id"`
	AggregateType string          `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string          `db:"aggregate_id" json:"aggregate_id"`
	EventType     string          `db:"event_type" json:"event_type"`
	Topic         string          `db:"topic" json:"topic"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	Status        OutboxStatus    `db:"status" json:"status"`
	RetryCount    int             `db:"retry_count" json:"retry_count"`
	MaxRetries    int             `db:"max_retries" json:"max_retries"`
	LastError     *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	PublishedAt   *time.Time      `db:"published_at" json:"published_at,omitempty"`
	NextRetryAt   *time.Time      `db:"next_retry_at" json:"next_retry_at,omitempty"`
	Version       int64           `db:"version" json:"version"`
}

// Exhausted reports whether the event is past automatic retries.
func (e *OutboxEvent) Exhausted() bool {
	return e.RetryCount >= e.MaxRetries
}

// NextBackoff computes the retry delay after the given attempt count.
func NextBackoff(retryCount int, base time.Duration) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return time.Duration(retryCount) * base
}

// OutboxStats is the health monitor's view of the queue.
type OutboxStats struct {
	Pending         int64 `db:"pending" json:"pending"`
	Failed          int64 `db:"failed" json:"failed"`
	PermanentlyDead int64 `db:"dead" json:"permanently_failed"`
}
