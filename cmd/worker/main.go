package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/jwalitptl/fincore/internal/config"
	"github.com/jwalitptl/fincore/internal/eventstore"
	"github.com/jwalitptl/fincore/internal/executor"
	"github.com/jwalitptl/fincore/internal/idempotency"
	"github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/internal/repository"
	"github.com/jwalitptl/fincore/internal/repository/postgres"
	"github.com/jwalitptl/fincore/internal/saga"
	paymentService "github.com/jwalitptl/fincore/internal/service/payment"
	transferService "github.com/jwalitptl/fincore/internal/service/transfer"
	redislock "github.com/jwalitptl/fincore/pkg/lock/redis"
	"github.com/jwalitptl/fincore/pkg/logger"
	redisbroker "github.com/jwalitptl/fincore/pkg/messaging/redis"
	"github.com/jwalitptl/fincore/pkg/metrics"
)

// The worker hosts the background half of the system: the outbox relay and
// its backlog monitor, the saga sweeps, the idempotency sweep, and the
// retention purges. It shares the database with the api but publishes and
// sweeps under distributed leases, so running several replicas is safe.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("fincore", "worker")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	broker, err := redisbroker.NewRedisBroker(redisbroker.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, appLogger.Zerolog())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to broker")
	}
	defer broker.Close()

	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to parse redis url")
	}
	redisClient := goredis.NewClient(redisOpts)
	defer redisClient.Close()
	locker := redislock.NewLocker(redisClient)

	base := postgres.NewBaseRepository(db)
	sagaRepo := postgres.NewSagaRepository(base)
	outboxRepo := postgres.NewOutboxRepository(base)
	idempotencyRepo := postgres.NewIdempotencyRepository(base)
	eventStoreRepo := postgres.NewEventStoreRepository(base)

	store := eventstore.NewStore(eventStoreRepo, m)
	writer := outbox.NewWriter(outboxRepo, cfg.Outbox.MaxRetries)
	registry := saga.NewRegistry()
	orch := saga.NewOrchestrator(sagaRepo, store, writer, &base, registry, saga.OrchestratorConfig{
		StepTimeout:  cfg.Saga.StepTimeout,
		StepAttempts: cfg.Saga.StepAttempts,
		RetryDelay:   cfg.Saga.RetryDelay,
		MaxRetries:   cfg.Saga.MaxRetries,
	}, appLogger, m)

	// The sweeps compensate recovered sagas, so the worker needs the same
	// saga definitions and executors as the api.
	ledger := executor.NewLedgerClient(executor.Config(cfg.Executors.Ledger))
	fraud := executor.NewFraudClient(executor.Config(cfg.Executors.Fraud))
	gateway := executor.NewGatewayClient(executor.Config(cfg.Executors.Gateway))
	merchant := executor.NewMerchantClient(executor.Config(cfg.Executors.Merchant))
	if _, err := paymentService.NewService(orch, registry, ledger, fraud, gateway, merchant); err != nil {
		log.Fatal().Err(err).Msg("failed to register payment saga")
	}
	if _, err := transferService.NewService(orch, registry, ledger); err != nil {
		log.Fatal().Err(err).Msg("failed to register transfer saga")
	}

	relay := outbox.NewRelay(outboxRepo, broker, outbox.RelayConfig{
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.Outbox.PollInterval,
		RetryInterval: cfg.Outbox.RetryInterval,
		BackoffBase:   cfg.Outbox.BackoffBase,
	}, appLogger, m)

	monitor := outbox.NewMonitor(outboxRepo, outbox.MonitorConfig{
		Interval:         cfg.Outbox.MonitorInterval,
		PendingThreshold: cfg.Outbox.PendingThreshold,
		DeadThreshold:    cfg.Outbox.DeadThreshold,
	}, appLogger, m)

	sagaSweeper := saga.NewSweeper(sagaRepo, orch, locker, saga.SweeperConfig{
		Interval:      cfg.Saga.SweepInterval,
		StaleAfter:    cfg.Saga.StaleAfter,
		RetryCooldown: cfg.Saga.RetryCooldown,
		Retention:     cfg.Saga.Retention,
	}, appLogger, m)

	idemSweeper := idempotency.NewSweeper(idempotencyRepo, locker, idempotency.SweeperConfig{
		Interval:          cfg.Idempotency.SweepInterval,
		ProcessingTimeout: cfg.Idempotency.ProcessingTimeout,
	}, appLogger, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(relay.Start)
	run(monitor.Start)
	run(sagaSweeper.Start)
	run(idemSweeper.Start)
	run(func(ctx context.Context) {
		runRetention(ctx, sagaSweeper, outboxRepo, cfg.Outbox.Retention, appLogger)
	})

	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("starting worker metrics server", "port", cfg.Server.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error(err, "metrics server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down worker")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)
}

// runRetention purges completed sagas and published outbox rows once an hour.
func runRetention(ctx context.Context, sweeper *saga.Sweeper, outboxRepo repository.OutboxRepository, outboxRetention time.Duration, appLogger *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sweeper.PurgeCompleted(ctx); err != nil {
				appLogger.Error(err, "saga retention purge failed")
			} else if n > 0 {
				appLogger.Info("purged completed sagas", "count", n)
			}

			cutoff := time.Now().Add(-outboxRetention)
			if n, err := outboxRepo.DeletePublishedBefore(ctx, cutoff); err != nil {
				appLogger.Error(err, "outbox retention purge failed")
			} else if n > 0 {
				appLogger.Info("purged published outbox events", "count", n)
			}
		}
	}
}
