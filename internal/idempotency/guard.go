// Package idempotency deduplicates client-retried requests. A key is claimed
// with a processing lock before the guarded operation runs; once the outcome
// is recorded, replays with the same key and body get the cached response
// verbatim.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	apperrors "github.com/jwalitptl/fincore/pkg/errors"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

type Outcome int

const (
	// Proceed means the caller won the key and must run the operation, then
	// call Complete with the outcome.
	Proceed Outcome = iota
	// InFlight means another request holds the key's processing lock.
	InFlight
	// Cached means the operation already completed; the stored response must
	// be returned verbatim.
	Cached
)

// Decision is the guard's verdict for one request.
type Decision struct {
	Outcome Outcome
	Record  *model.IdempotencyRecord
}

type GuardConfig struct {
	TTL time.Duration
	// HotCacheTTL bounds the in-process replay cache; it only ever holds
	// completed records, the DB stays authoritative.
	HotCacheTTL time.Duration
}

type Guard struct {
	repo    repository.IdempotencyRepository
	config  GuardConfig
	hot     *gocache.Cache
	metrics *metrics.Metrics
}

func NewGuard(repo repository.IdempotencyRepository, config GuardConfig, m *metrics.Metrics) *Guard {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.HotCacheTTL <= 0 {
		config.HotCacheTTL = 5 * time.Minute
	}
	return &Guard{
		repo:    repo,
		config:  config,
		hot:     gocache.New(config.HotCacheTTL, 2*config.HotCacheTTL),
		metrics: m,
	}
}

// HashRequest digests the request body so key reuse across different
// intents can be rejected.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BeginOrReject claims the key using the store's uniqueness constraint as
// the race-breaker. Exactly one of two concurrent callers proceeds.
func (g *Guard) BeginOrReject(ctx context.Context, key, requestHash, endpoint, method, userID string) (*Decision, error) {
	if key == "" {
		return nil, apperrors.NewBadRequest("idempotency key is required", nil)
	}

	if rec, found := g.hotLookup(key); found {
		return g.decideExisting(rec, requestHash)
	}

	rec := &model.IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Endpoint:    endpoint,
		HTTPMethod:  method,
		UserID:      userID,
		ExpiresAt:   time.Now().Add(g.config.TTL),
	}

	err := g.repo.Insert(ctx, rec)
	if err == nil {
		g.count("proceed")
		return &Decision{Outcome: Proceed, Record: rec}, nil
	}
	if !repository.IsDuplicateKey(err) {
		return nil, err
	}

	existing, err := g.repo.Get(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The winner's row was swept between our insert and read; let
			// the client retry.
			return nil, apperrors.NewTransient("idempotency record vanished, retry", err)
		}
		return nil, err
	}
	return g.decideExisting(existing, requestHash)
}

func (g *Guard) decideExisting(rec *model.IdempotencyRecord, requestHash string) (*Decision, error) {
	if rec.Processing {
		g.count("in_flight")
		return &Decision{Outcome: InFlight, Record: rec}, nil
	}
	if rec.RequestHash != requestHash {
		// Same key, different intent. A client protocol error, distinct
		// from a cache hit.
		if g.metrics != nil {
			g.metrics.IdempotencyConflicts.Inc()
		}
		return nil, &apperrors.AppError{
			Code:     apperrors.ErrKeyReuse,
			Category: apperrors.CategoryValidation,
			Message:  "idempotency key reused with a different request body",
		}
	}
	g.count("cached")
	return &Decision{Outcome: Cached, Record: rec}, nil
}

// Complete stores the captured response and releases the processing lock.
// It must be called whether the guarded operation succeeded or failed.
func (g *Guard) Complete(ctx context.Context, rec *model.IdempotencyRecord, status int, body []byte) error {
	rec.ResponseStatus = &status
	rec.ResponseBody = body

	if err := g.repo.Complete(ctx, rec); err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	g.hot.Set(rec.Key, rec, gocache.DefaultExpiration)
	return nil
}

func (g *Guard) hotLookup(key string) (*model.IdempotencyRecord, bool) {
	v, found := g.hot.Get(key)
	if !found {
		return nil, false
	}
	rec, ok := v.(*model.IdempotencyRecord)
	if !ok || rec.Expired(time.Now()) {
		g.hot.Delete(key)
		return nil, false
	}
	return rec, true
}

func (g *Guard) count(outcome string) {
	if g.metrics != nil {
		g.metrics.IdempotencyHits.WithLabelValues(outcome).Inc()
	}
}
