// Package saga coordinates multi-step business transactions spanning
// independently committed resources, with compensating rollback instead of
// a single atomic commit.
package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Event is the domain fact a step produces. The orchestrator appends it to
// the event store and enqueues it on the outbox in the same transaction
// that records the step's completion.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	Data          json.RawMessage
}

// StepResult carries everything a successful forward action hands back.
type StepResult struct {
	// Payload replaces the saga payload when non-nil; steps thread data to
	// their successors through it.
	Payload json.RawMessage
	// CompensationData is whatever the step's undo needs (hold ids, auth
	// codes). Stored per step and handed back during compensation.
	CompensationData json.RawMessage
	// Event, when non-nil, is recorded atomically with the step.
	Event *Event
}

// ExecuteFunc is a forward action: a call into an external step executor.
// Errors are classified through pkg/errors — transient failures are retried,
// business rejections trigger compensation.
type ExecuteFunc func(ctx context.Context, payload json.RawMessage) (*StepResult, error)

// CompensateFunc semantically undoes a completed step. It must be
// idempotent: a crash mid-compensation re-enters here on retry.
type CompensateFunc func(ctx context.Context, payload, compensationData json.RawMessage) error

// Step is one named unit of a saga definition.
type Step struct {
	Name    string
	Execute ExecuteFunc
	// Compensate may be nil for steps with no side effects to undo.
	Compensate CompensateFunc
	// Timeout bounds the forward call; zero uses the orchestrator default.
	// A timeout is treated identically to a step failure.
	Timeout time.Duration
	// MaxAttempts bounds transient-error retries; zero uses the default.
	MaxAttempts int
}

// Definition is the fixed ordered step list for one saga type.
type Definition struct {
	Type  string
	Steps []Step
}

func (d *Definition) step(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Registry maps saga types to definitions. Services register their step
// sequences at startup; one orchestration engine serves them all.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

func (r *Registry) Register(def *Definition) error {
	if def.Type == "" {
		return fmt.Errorf("saga definition requires a type")
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("saga %q requires at least one step", def.Type)
	}
	seen := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.Name == "" || s.Execute == nil {
			return fmt.Errorf("saga %q has a step without name or execute", def.Type)
		}
		if seen[s.Name] {
			return fmt.Errorf("saga %q has duplicate step %q", def.Type, s.Name)
		}
		seen[s.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Type]; exists {
		return fmt.Errorf("saga %q already registered", def.Type)
	}
	r.defs[def.Type] = def
	return nil
}

func (r *Registry) Get(sagaType string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[sagaType]
	if !ok {
		return nil, fmt.Errorf("unknown saga type %q", sagaType)
	}
	return def, nil
}
