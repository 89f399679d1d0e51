package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

type idempotencyRepository struct {
	BaseRepository
}

func NewIdempotencyRepository(base BaseRepository) repository.IdempotencyRepository {
	return &idempotencyRepository{base}
}

// Insert relies on the unique index on idempotency_key as the race-breaker:
// exactly one of two concurrent callers gets the row, the other gets
// ErrDuplicateKey and must inspect the winner's record.
func (r *idempotencyRepository) Insert(ctx context.Context, rec *model.IdempotencyRecord) error {
	if rec == nil {
		return fmt.Errorf("idempotency record cannot be nil")
	}

	query := `
		INSERT INTO idempotency_records (
			idempotency_key, request_hash, endpoint, http_method, user_id,
			processing, created_at, expires_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	rec.CreatedAt = time.Now()
	rec.Processing = true
	rec.Version = 1

	_, err := r.db.ExecContext(ctx, query,
		rec.Key,
		rec.RequestHash,
		rec.Endpoint,
		rec.HTTPMethod,
		rec.UserID,
		rec.Processing,
		rec.CreatedAt,
		rec.ExpiresAt,
		rec.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("idempotency key %s: %w", rec.Key, repository.ErrDuplicateKey)
		}
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	query := `
		SELECT idempotency_key, request_hash, response_status, response_body,
		       endpoint, http_method, user_id, processing, created_at,
		       expires_at, version
		FROM idempotency_records
		WHERE idempotency_key = $1
	`
	var rec model.IdempotencyRecord
	if err := r.db.GetContext(ctx, &rec, query, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("idempotency key %s: %w", key, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	return &rec, nil
}

// Complete stores the captured response and releases the processing flag.
func (r *idempotencyRepository) Complete(ctx context.Context, rec *model.IdempotencyRecord) error {
	query := `
		UPDATE idempotency_records
		SET processing = FALSE,
		    response_status = $1,
		    response_body = $2,
		    version = version + 1
		WHERE idempotency_key = $3 AND version = $4
	`
	res, err := r.db.ExecContext(ctx, query,
		rec.ResponseStatus,
		rec.ResponseBody,
		rec.Key,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("idempotency key %s: %w", rec.Key, repository.ErrVersionConflict)
	}
	rec.Processing = false
	rec.Version++
	return nil
}

func (r *idempotencyRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE expires_at < $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired idempotency records: %w", err)
	}
	return res.RowsAffected()
}

// DeleteStuckProcessing removes records whose guarded operation crashed
// before calling Complete, so the client may retry the request.
func (r *idempotencyRepository) DeleteStuckProcessing(ctx context.Context, startedBefore time.Time) (int64, error) {
	query := `
		DELETE FROM idempotency_records
		WHERE processing = TRUE
		AND created_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stuck idempotency records: %w", err)
	}
	return res.RowsAffected()
}
