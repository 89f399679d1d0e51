package saga

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/jwalitptl/fincore/pkg/errors"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/lock"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

const (
	stuckSweepLock  = "saga-stuck-sweeper"
	failedSweepLock = "saga-failed-sweeper"
)

type SweeperConfig struct {
	Interval time.Duration
	// StaleAfter force-fails sagas stuck in STARTED/PROCESSING with no
	// update for this long.
	StaleAfter time.Duration
	// RetryCooldown spaces automatic re-compensation of FAILED sagas.
	RetryCooldown time.Duration
	BatchSize     int
	// Retention purges COMPLETED saga rows past this window.
	Retention time.Duration
}

// Sweeper runs the scheduled maintenance passes: force-failing stuck sagas
// into compensation, retrying failed compensations below their retry budget,
// and purging old completed records. Multiple instances may run it; the
// lease plus per-record version CAS keep each saga handled once per cycle.
type Sweeper struct {
	sagas   repository.SagaRepository
	orch    *Orchestrator
	locker  lock.Locker
	config  SweeperConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewSweeper(
	sagas repository.SagaRepository,
	orch *Orchestrator,
	locker lock.Locker,
	config SweeperConfig,
	logger *logger.Logger,
	m *metrics.Metrics,
) *Sweeper {
	if config.BatchSize <= 0 {
		config.BatchSize = 50
	}
	return &Sweeper{
		sagas:   sagas,
		orch:    orch,
		locker:  locker,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("starting saga sweeper")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutting down saga sweeper")
			return
		case <-ticker.C:
			if err := s.SweepStuck(ctx); err != nil {
				s.logger.Error(err, "stuck saga sweep failed")
			}
			if err := s.SweepFailed(ctx); err != nil {
				s.logger.Error(err, "failed saga sweep failed")
			}
			s.reportDepth(ctx)
		}
	}
}

// SweepStuck force-fails sagas with no progress past the staleness
// threshold into compensation.
func (s *Sweeper) SweepStuck(ctx context.Context) error {
	acquired, err := s.locker.Acquire(ctx, stuckSweepLock, s.config.Interval)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer s.locker.Release(ctx, stuckSweepLock)

	cutoff := time.Now().Add(-s.config.StaleAfter)
	stuck, err := s.sagas.ListStuck(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return err
	}

	for _, rec := range stuck {
		reason := fmt.Sprintf("no progress since %s, force-failed by sweep",
			rec.UpdatedAt.Format(time.RFC3339))
		if err := s.orch.ForceFail(ctx, rec, reason); err != nil {
			if apperrors.IsConflict(err) {
				// Lost the version race; another instance owns it this cycle.
				continue
			}
			s.logger.Error(err, "failed to force-fail stuck saga", "saga_id", rec.ID.String())
			continue
		}
		if s.metrics != nil {
			s.metrics.SagaSweepRecovered.WithLabelValues("stuck").Inc()
		}
		s.logger.Warn("force-failed stuck saga", "saga_id", rec.ID.String(), "step", rec.CurrentStep)
	}
	return nil
}

// SweepFailed retries compensation for FAILED sagas below their retry
// budget after a cooldown.
func (s *Sweeper) SweepFailed(ctx context.Context) error {
	acquired, err := s.locker.Acquire(ctx, failedSweepLock, s.config.Interval)
	if err != nil {
		return err
	}
	if !acquired {
		return nil
	}
	defer s.locker.Release(ctx, failedSweepLock)

	cutoff := time.Now().Add(-s.config.RetryCooldown)
	failed, err := s.sagas.ListFailedRetryable(ctx, cutoff, s.config.BatchSize)
	if err != nil {
		return err
	}

	for _, rec := range failed {
		if err := s.orch.RetryFailed(ctx, rec.ID); err != nil {
			if apperrors.IsConflict(err) {
				continue
			}
			s.logger.Error(err, "failed saga retry did not recover", "saga_id", rec.ID.String())
			continue
		}
		if s.metrics != nil {
			s.metrics.SagaSweepRecovered.WithLabelValues("failed").Inc()
		}
	}
	return nil
}

// PurgeCompleted deletes COMPLETED saga rows past the retention window.
func (s *Sweeper) PurgeCompleted(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-s.config.Retention)
	return s.sagas.DeleteCompletedBefore(ctx, cutoff)
}

func (s *Sweeper) reportDepth(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	counts, err := s.sagas.CountByStatus(ctx)
	if err != nil {
		s.logger.Error(err, "failed to count sagas by status")
		return
	}
	for _, status := range []model.SagaStatus{
		model.SagaStatusStarted,
		model.SagaStatusProcessing,
		model.SagaStatusCompensating,
		model.SagaStatusCompleted,
		model.SagaStatusFailed,
		model.SagaStatusCompensated,
	} {
		s.metrics.SagaStatusDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
