package idempotency

import (
	"context"
	"time"

	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/lock"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

const sweepLockName = "idempotency-sweeper"

type SweeperConfig struct {
	Interval time.Duration
	// ProcessingTimeout bounds how long a record may sit with the
	// processing lock held before it is treated as a crashed handler.
	ProcessingTimeout time.Duration
}

// Sweeper removes expired records and releases processing locks left behind
// by crashed handlers so clients can retry. Safe to run on every instance;
// the lease keeps only one sweep active per cycle.
type Sweeper struct {
	repo    repository.IdempotencyRepository
	locker  lock.Locker
	config  SweeperConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewSweeper(repo repository.IdempotencyRepository, locker lock.Locker, config SweeperConfig, logger *logger.Logger, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		repo:    repo,
		locker:  locker,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error(err, "idempotency sweep failed")
			}
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) error {
	acquired, err := s.locker.Acquire(ctx, sweepLockName, s.config.Interval)
	if err != nil {
		return err
	}
	if !acquired {
		// Another instance is sweeping this cycle.
		return nil
	}
	defer s.locker.Release(ctx, sweepLockName)

	now := time.Now()

	expired, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}

	stuck, err := s.repo.DeleteStuckProcessing(ctx, now.Add(-s.config.ProcessingTimeout))
	if err != nil {
		return err
	}
	if stuck > 0 {
		s.logger.Warn("released idempotency records stuck in processing",
			"count", stuck,
			"timeout", s.config.ProcessingTimeout.String())
	}

	if s.metrics != nil {
		s.metrics.IdempotencySwept.Add(float64(expired + stuck))
	}
	return nil
}
