package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	apperrors "github.com/jwalitptl/fincore/pkg/errors"
)

type fakeIdemRepo struct {
	mu   sync.Mutex
	recs map[string]*model.IdempotencyRecord
}

func newFakeIdemRepo() *fakeIdemRepo {
	return &fakeIdemRepo{recs: make(map[string]*model.IdempotencyRecord)}
}

func (r *fakeIdemRepo) Insert(ctx context.Context, rec *model.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.recs[rec.Key]; exists {
		return fmt.Errorf("idempotency key %s: %w", rec.Key, repository.ErrDuplicateKey)
	}
	rec.Processing = true
	rec.CreatedAt = time.Now()
	rec.Version = 1
	stored := *rec
	r.recs[rec.Key] = &stored
	return nil
}

func (r *fakeIdemRepo) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[key]
	if !ok {
		return nil, fmt.Errorf("idempotency key %s: %w", key, sql.ErrNoRows)
	}
	out := *rec
	return &out, nil
}

func (r *fakeIdemRepo) Complete(ctx context.Context, rec *model.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.recs[rec.Key]
	if !ok || stored.Version != rec.Version {
		return fmt.Errorf("idempotency key %s: %w", rec.Key, repository.ErrVersionConflict)
	}
	rec.Processing = false
	rec.Version++
	out := *rec
	r.recs[rec.Key] = &out
	return nil
}

func (r *fakeIdemRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rec := range r.recs {
		if rec.ExpiresAt.Before(now) {
			delete(r.recs, key)
			n++
		}
	}
	return n, nil
}

func (r *fakeIdemRepo) DeleteStuckProcessing(ctx context.Context, startedBefore time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for key, rec := range r.recs {
		if rec.Processing && rec.CreatedAt.Before(startedBefore) {
			delete(r.recs, key)
			n++
		}
	}
	return n, nil
}

func newTestGuard() (*Guard, *fakeIdemRepo) {
	repo := newFakeIdemRepo()
	return NewGuard(repo, GuardConfig{TTL: time.Hour, HotCacheTTL: time.Minute}, nil), repo
}

func TestGuardFirstRequestProceeds(t *testing.T) {
	guard, _ := newTestGuard()

	d, err := guard.BeginOrReject(context.Background(), "key-1", HashRequest([]byte(`{"a":1}`)), "/payments", "POST", "")
	require.NoError(t, err)
	assert.Equal(t, Proceed, d.Outcome)
	require.NotNil(t, d.Record)
	assert.True(t, d.Record.Processing)
}

func TestGuardDuplicateWhileProcessingIsInFlight(t *testing.T) {
	guard, _ := newTestGuard()
	hash := HashRequest([]byte(`{"a":1}`))

	_, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)

	d, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)
	assert.Equal(t, InFlight, d.Outcome)
}

func TestGuardReplayAfterCompleteIsCached(t *testing.T) {
	guard, _ := newTestGuard()
	hash := HashRequest([]byte(`{"a":1}`))

	d, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)
	require.Equal(t, Proceed, d.Outcome)

	require.NoError(t, guard.Complete(context.Background(), d.Record, 201, []byte(`{"saga_id":"x"}`)))

	replay, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)
	assert.Equal(t, Cached, replay.Outcome)
	require.NotNil(t, replay.Record.ResponseStatus)
	assert.Equal(t, 201, *replay.Record.ResponseStatus)
	assert.Equal(t, []byte(`{"saga_id":"x"}`), replay.Record.ResponseBody)
}

func TestGuardKeyReuseWithDifferentBodyIsRejected(t *testing.T) {
	guard, _ := newTestGuard()

	d, err := guard.BeginOrReject(context.Background(), "key-1", HashRequest([]byte(`{"a":1}`)), "/payments", "POST", "")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(context.Background(), d.Record, 200, nil))

	_, err = guard.BeginOrReject(context.Background(), "key-1", HashRequest([]byte(`{"a":2}`)), "/payments", "POST", "")
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrKeyReuse, appErr.Code)
}

func TestGuardEmptyKeyIsRejected(t *testing.T) {
	guard, _ := newTestGuard()

	_, err := guard.BeginOrReject(context.Background(), "", "hash", "/payments", "POST", "")
	require.Error(t, err)
}

func TestGuardCachedReplayServedFromHotCache(t *testing.T) {
	guard, repo := newTestGuard()
	hash := HashRequest([]byte(`{"a":1}`))

	d, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)
	require.NoError(t, guard.Complete(context.Background(), d.Record, 200, []byte(`ok`)))

	// Even with the backing row gone, the hot cache answers the replay.
	repo.mu.Lock()
	delete(repo.recs, "key-1")
	repo.mu.Unlock()

	replay, err := guard.BeginOrReject(context.Background(), "key-1", hash, "/payments", "POST", "")
	require.NoError(t, err)
	assert.Equal(t, Cached, replay.Outcome)
}

func TestHashRequestIsDeterministic(t *testing.T) {
	assert.Equal(t, HashRequest([]byte(`{"a":1}`)), HashRequest([]byte(`{"a":1}`)))
	assert.NotEqual(t, HashRequest([]byte(`{"a":1}`)), HashRequest([]byte(`{"a":2}`)))
	assert.Len(t, HashRequest(nil), 64)
}
