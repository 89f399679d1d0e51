package saga

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(ctx context.Context, payload json.RawMessage) (*StepResult, error) {
	return &StepResult{}, nil
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	r := NewRegistry()

	assert.Error(t, r.Register(&Definition{Type: "", Steps: []Step{{Name: "a", Execute: noop}}}))
	assert.Error(t, r.Register(&Definition{Type: "empty"}))
	assert.Error(t, r.Register(&Definition{Type: "nameless", Steps: []Step{{Execute: noop}}}))
	assert.Error(t, r.Register(&Definition{Type: "no-execute", Steps: []Step{{Name: "a"}}}))
	assert.Error(t, r.Register(&Definition{Type: "dupes", Steps: []Step{
		{Name: "a", Execute: noop},
		{Name: "a", Execute: noop},
	}}))
}

func TestRegistryRejectsDoubleRegistration(t *testing.T) {
	r := NewRegistry()
	def := &Definition{Type: "transfer", Steps: []Step{{Name: "a", Execute: noop}}}

	require.NoError(t, r.Register(def))
	assert.Error(t, r.Register(def))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&Definition{Type: "transfer", Steps: []Step{{Name: "a", Execute: noop}}}))

	def, err := r.Get("transfer")
	require.NoError(t, err)
	assert.Equal(t, "transfer", def.Type)

	_, err = r.Get("unknown")
	assert.Error(t, err)
}
