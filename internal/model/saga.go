package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type SagaStatus string

const (
	SagaStatusStarted      SagaStatus = "STARTED"
	SagaStatusProcessing   SagaStatus = "PROCESSING"
	SagaStatusCompensating SagaStatus = "COMPENSATING"
	SagaStatusCompleted    SagaStatus = "COMPLETED"
	SagaStatusFailed       SagaStatus = "FAILED"
	SagaStatusCompensated  SagaStatus = "COMPENSATED"
)

// SagaRecord is one distributed transaction instance. CompletedSteps only
// grows during forward execution and only pops from the tail during
// compensation; the popped tail is what makes retried compensation safe.
type SagaRecord struct {
	ID               uuid.UUID       `db:"saga_id" json:"saga_id"`
	SagaType         string          `db:"saga_type" json:"saga_type"`
	Status           SagaStatus      `db:"status" json:"status"`
	CurrentStep      string          `db:"current_step" json:"current_step"`
	CompletedSteps   pq.StringArray  `db:"completed_steps" json:"completed_steps"`
	Payload          json.RawMessage `db:"payload" json:"payload"`
	CompensationData json.RawMessage `db:"compensation_data" json:"compensation_data,omitempty"`
	ErrorMessage     *string         `db:"error_message" json:"error_message,omitempty"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	MaxRetries       int             `db:"max_retries" json:"max_retries"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt      *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
	Version          int64           `db:"version" json:"version"`
}

var sagaTransitions = map[SagaStatus][]SagaStatus{
	SagaStatusStarted:      {SagaStatusProcessing, SagaStatusCompensating},
	SagaStatusProcessing:   {SagaStatusProcessing, SagaStatusCompensating, SagaStatusCompleted},
	SagaStatusCompensating: {SagaStatusCompensating, SagaStatusCompensated, SagaStatusFailed},
	SagaStatusFailed:       {SagaStatusCompensating},
}

// CanTransition reports whether moving from the current status to next is a
// legal state machine edge. Terminal states COMPLETED and COMPENSATED have no
// outgoing edges; FAILED may re-enter compensation for a bounded retry.
func (s *SagaRecord) CanTransition(next SagaStatus) bool {
	for _, allowed := range sagaTransitions[s.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the saga needs no further work.
func (s *SagaRecord) IsTerminal() bool {
	switch s.Status {
	case SagaStatusCompleted, SagaStatusCompensated:
		return true
	case SagaStatusFailed:
		return s.RetryCount >= s.MaxRetries
	}
	return false
}

// HasCompleted reports whether the named step already ran, which is what
// makes re-executing a resumed saga safe.
func (s *SagaRecord) HasCompleted(step string) bool {
	for _, name := range s.CompletedSteps {
		if name == step {
			return true
		}
	}
	return false
}

// CompensationEntry is one unit of undo data, recorded per completed step.
type CompensationEntry struct {
	Step string          `json:"step"`
	Data json.RawMessage `json:"data,omitempty"`
}
