package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

type fakeRepo struct {
	mu       sync.Mutex
	entries  map[string][]*model.EventStoreEntry
	conflict bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{entries: make(map[string][]*model.EventStoreEntry)}
}

func (r *fakeRepo) AppendTx(ctx context.Context, tx *sqlx.Tx, entry *model.EventStoreEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conflict {
		return fmt.Errorf("aggregate %s: %w", entry.AggregateID, repository.ErrVersionConflict)
	}
	entry.Version = int64(len(r.entries[entry.AggregateID])) + 1
	entry.Timestamp = time.Now()
	r.entries[entry.AggregateID] = append(r.entries[entry.AggregateID], entry)
	return nil
}

func (r *fakeRepo) ListForward(ctx context.Context, aggregateID string, fromVersion int64) ([]*model.EventStoreEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EventStoreEntry
	for _, e := range r.entries[aggregateID] {
		if e.Version >= fromVersion {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepo) ListAsOf(ctx context.Context, aggregateID string, asOf time.Time) ([]*model.EventStoreEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.EventStoreEntry
	for _, e := range r.entries[aggregateID] {
		if !e.Timestamp.After(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *fakeRepo) CurrentVersion(ctx context.Context, aggregateID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.entries[aggregateID])), nil
}

func TestAppendAssignsContiguousVersions(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, nil)
	tx := &sqlx.Tx{}

	for i := 1; i <= 3; i++ {
		entry, err := store.Append(context.Background(), tx, AppendInput{
			AggregateID:   "account-1",
			AggregateType: "account",
			EventType:     "funds.deposited",
			EventData:     json.RawMessage(fmt.Sprintf(`{"amount":%d}`, i*100)),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), entry.Version)
	}

	version, err := store.CurrentVersion(context.Background(), "account-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)

	// A second aggregate starts its own sequence at 1.
	entry, err := store.Append(context.Background(), tx, AppendInput{
		AggregateID:   "account-2",
		AggregateType: "account",
		EventType:     "funds.deposited",
		EventData:     json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
}

func TestAppendSurfacesVersionConflict(t *testing.T) {
	repo := newFakeRepo()
	repo.conflict = true
	store := NewStore(repo, nil)

	_, err := store.Append(context.Background(), &sqlx.Tx{}, AppendInput{
		AggregateID: "account-1",
		EventType:   "funds.deposited",
		EventData:   json.RawMessage(`{}`),
	})
	require.Error(t, err)
	assert.True(t, repository.IsVersionConflict(err))
}

func TestReadForwardFromVersion(t *testing.T) {
	repo := newFakeRepo()
	store := NewStore(repo, nil)
	tx := &sqlx.Tx{}

	for i := 0; i < 5; i++ {
		_, err := store.Append(context.Background(), tx, AppendInput{
			AggregateID: "account-1",
			EventType:   "funds.deposited",
			EventData:   json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	entries, err := store.ReadForward(context.Background(), "account-1", 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[0].Version)
	assert.Equal(t, int64(5), entries[2].Version)

	// Zero is normalized to the start of history.
	entries, err = store.ReadForward(context.Background(), "account-1", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func TestReplayFoldsInOrder(t *testing.T) {
	type balance struct{ Total int }

	entries := []*model.EventStoreEntry{
		{Version: 1, EventData: json.RawMessage(`{"amount":100}`)},
		{Version: 2, EventData: json.RawMessage(`{"amount":40}`)},
		{Version: 3, EventData: json.RawMessage(`{"amount":-30}`)},
	}

	state := Replay(entries, func(state interface{}, entry *model.EventStoreEntry) interface{} {
		b, _ := state.(*balance)
		if b == nil {
			b = &balance{}
		}
		var ev struct{ Amount int }
		require.NoError(t, json.Unmarshal(entry.EventData, &ev))
		b.Total += ev.Amount
		return b
	})

	require.IsType(t, &balance{}, state)
	assert.Equal(t, 110, state.(*balance).Total)
}

func TestReplayEmptyHistoryIsNil(t *testing.T) {
	state := Replay(nil, func(state interface{}, entry *model.EventStoreEntry) interface{} {
		return entry
	})
	assert.Nil(t, state)
}
