package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
)

type sagaRepository struct {
	BaseRepository
}

func NewSagaRepository(base BaseRepository) repository.SagaRepository {
	return &sagaRepository{base}
}

func (r *sagaRepository) Create(ctx context.Context, rec *model.SagaRecord) error {
	if rec == nil {
		return fmt.Errorf("saga record cannot be nil")
	}

	query := `
		INSERT INTO saga_state (
			saga_id, saga_type, status, current_step, completed_steps,
			payload, compensation_data, retry_count, max_retries,
			created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	_, err := r.db.ExecContext(ctx, query,
		rec.ID,
		rec.SagaType,
		rec.Status,
		rec.CurrentStep,
		rec.CompletedSteps,
		rec.Payload,
		rec.CompensationData,
		rec.RetryCount,
		rec.MaxRetries,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create saga record: %w", err)
	}
	return nil
}

func (r *sagaRepository) Get(ctx context.Context, id uuid.UUID) (*model.SagaRecord, error) {
	query := `
		SELECT saga_id, saga_type, status, current_step, completed_steps,
		       payload, compensation_data, error_message, retry_count,
		       max_retries, created_at, updated_at, completed_at, version
		FROM saga_state
		WHERE saga_id = $1
	`
	var rec model.SagaRecord
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("saga %s: %w", id, sql.ErrNoRows)
		}
		return nil, fmt.Errorf("failed to get saga record: %w", err)
	}
	return &rec, nil
}

func (r *sagaRepository) Update(ctx context.Context, rec *model.SagaRecord) error {
	return r.update(ctx, r.db, rec)
}

func (r *sagaRepository) UpdateTx(ctx context.Context, tx *sqlx.Tx, rec *model.SagaRecord) error {
	return r.update(ctx, tx, rec)
}

// update is a compare-and-swap on version. A lost race returns
// ErrVersionConflict so concurrent sweeps skip the record this cycle.
func (r *sagaRepository) update(ctx context.Context, q sqlx.ExtContext, rec *model.SagaRecord) error {
	query := `
		UPDATE saga_state
		SET status = $1,
		    current_step = $2,
		    completed_steps = $3,
		    payload = $4,
		    compensation_data = $5,
		    error_message = $6,
		    retry_count = $7,
		    updated_at = $8,
		    completed_at = $9,
		    version = version + 1
		WHERE saga_id = $10 AND version = $11
	`
	rec.UpdatedAt = time.Now()

	res, err := q.ExecContext(ctx, query,
		rec.Status,
		rec.CurrentStep,
		rec.CompletedSteps,
		rec.Payload,
		rec.CompensationData,
		rec.ErrorMessage,
		rec.RetryCount,
		rec.UpdatedAt,
		rec.CompletedAt,
		rec.ID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga record: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("saga %s: %w", rec.ID, repository.ErrVersionConflict)
	}
	rec.Version++
	return nil
}

func (r *sagaRepository) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error) {
	query := `
		SELECT saga_id, saga_type, status, current_step, completed_steps,
		       payload, compensation_data, error_message, retry_count,
		       max_retries, created_at, updated_at, completed_at, version
		FROM saga_state
		WHERE status IN ($1, $2)
		AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`
	var recs []*model.SagaRecord
	err := r.db.SelectContext(ctx, &recs, query,
		model.SagaStatusStarted, model.SagaStatusProcessing, updatedBefore, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return recs, err
}

func (r *sagaRepository) ListFailedRetryable(ctx context.Context, updatedBefore time.Time, limit int) ([]*model.SagaRecord, error) {
	query := `
		SELECT saga_id, saga_type, status, current_step, completed_steps,
		       payload, compensation_data, error_message, retry_count,
		       max_retries, created_at, updated_at, completed_at, version
		FROM saga_state
		WHERE status = $1
		AND retry_count < max_retries
		AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	var recs []*model.SagaRecord
	err := r.db.SelectContext(ctx, &recs, query, model.SagaStatusFailed, updatedBefore, limit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return recs, err
}

func (r *sagaRepository) CountByStatus(ctx context.Context) (map[model.SagaStatus]int64, error) {
	query := `SELECT status, COUNT(*) AS count FROM saga_state GROUP BY status`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count sagas: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SagaStatus]int64)
	for rows.Next() {
		var status model.SagaStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *sagaRepository) DeleteCompletedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM saga_state
		WHERE status = $1
		AND completed_at < $2
	`
	res, err := r.db.ExecContext(ctx, query, model.SagaStatusCompleted, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete completed sagas: %w", err)
	}
	return res.RowsAffected()
}
