package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jwalitptl/fincore/internal/model"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/pkg/logger"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

type MonitorConfig struct {
	Interval time.Duration
	// PendingThreshold flags a backlog that usually means the broker is
	// unreachable.
	PendingThreshold int64
	// DeadThreshold flags events past max retries, a silent data loss risk.
	DeadThreshold int64
}

// Monitor periodically counts outbox states and raises operator-visible
// alerts past configured thresholds.
type Monitor struct {
	repo    repository.OutboxRepository
	config  MonitorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewMonitor(repo repository.OutboxRepository, config MonitorConfig, logger *logger.Logger, m *metrics.Metrics) *Monitor {
	return &Monitor{
		repo:    repo,
		config:  config,
		logger:  logger,
		metrics: m,
	}
}

func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error(err, "outbox health check failed")
			}
		}
	}
}

// Check collects the queue stats, updates the gauges, and logs threshold
// breaches.
func (m *Monitor) Check(ctx context.Context) (*model.OutboxStats, error) {
	stats, err := m.repo.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect outbox stats: %w", err)
	}

	m.metrics.OutboxPendingDepth.Set(float64(stats.Pending))
	m.metrics.OutboxFailedDepth.Set(float64(stats.Failed))
	m.metrics.OutboxDeadDepth.Set(float64(stats.PermanentlyDead))

	if stats.Pending > m.config.PendingThreshold {
		m.logger.Warn("outbox backlog above threshold, broker may be unreachable",
			"pending", stats.Pending,
			"threshold", m.config.PendingThreshold)
	}
	if stats.PermanentlyDead > m.config.DeadThreshold {
		m.logger.Warn("outbox has events past max retries, manual replay required",
			"dead", stats.PermanentlyDead,
			"threshold", m.config.DeadThreshold)
	}
	return stats, nil
}
