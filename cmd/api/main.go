package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/fincore/internal/config"
	eventsHandler "github.com/jwalitptl/fincore/internal/handler/events"
	healthHandler "github.com/jwalitptl/fincore/internal/handler/health"
	outboxHandler "github.com/jwalitptl/fincore/internal/handler/outbox"
	paymentHandler "github.com/jwalitptl/fincore/internal/handler/payment"
	sagaHandler "github.com/jwalitptl/fincore/internal/handler/saga"
	transferHandler "github.com/jwalitptl/fincore/internal/handler/transfer"

	"github.com/jwalitptl/fincore/internal/eventstore"
	"github.com/jwalitptl/fincore/internal/executor"
	"github.com/jwalitptl/fincore/internal/idempotency"
	"github.com/jwalitptl/fincore/internal/outbox"
	"github.com/jwalitptl/fincore/internal/repository/postgres"
	"github.com/jwalitptl/fincore/internal/router"
	"github.com/jwalitptl/fincore/internal/saga"
	paymentService "github.com/jwalitptl/fincore/internal/service/payment"
	transferService "github.com/jwalitptl/fincore/internal/service/transfer"
	"github.com/jwalitptl/fincore/pkg/logger"
	redisbroker "github.com/jwalitptl/fincore/pkg/messaging/redis"
	"github.com/jwalitptl/fincore/pkg/metrics"
	"github.com/jwalitptl/fincore/pkg/validator"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	appLogger := logger.NewLogger(nil)
	m := metrics.NewMetrics("fincore", "api")

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

	// Repositories
	base := postgres.NewBaseRepository(db)
	sagaRepo := postgres.NewSagaRepository(base)
	outboxRepo := postgres.NewOutboxRepository(base)
	idempotencyRepo := postgres.NewIdempotencyRepository(base)
	eventStoreRepo := postgres.NewEventStoreRepository(base)

	// Reliability core
	store := eventstore.NewStore(eventStoreRepo, m)
	writer := outbox.NewWriter(outboxRepo, cfg.Outbox.MaxRetries)
	registry := saga.NewRegistry()
	orch := saga.NewOrchestrator(sagaRepo, store, writer, &base, registry, saga.OrchestratorConfig{
		StepTimeout:  cfg.Saga.StepTimeout,
		StepAttempts: cfg.Saga.StepAttempts,
		RetryDelay:   cfg.Saga.RetryDelay,
		MaxRetries:   cfg.Saga.MaxRetries,
	}, appLogger, m)

	guard := idempotency.NewGuard(idempotencyRepo, idempotency.GuardConfig{
		TTL:         cfg.Idempotency.TTL,
		HotCacheTTL: cfg.Idempotency.HotCacheTTL,
	}, m)
	guardMiddleware := idempotency.NewMiddleware(guard, appLogger)

	monitor := outbox.NewMonitor(outboxRepo, outbox.MonitorConfig{
		Interval:         cfg.Outbox.MonitorInterval,
		PendingThreshold: cfg.Outbox.PendingThreshold,
		DeadThreshold:    cfg.Outbox.DeadThreshold,
	}, appLogger, m)

	// External step executors
	ledger := executor.NewLedgerClient(executor.Config(cfg.Executors.Ledger))
	fraud := executor.NewFraudClient(executor.Config(cfg.Executors.Fraud))
	gateway := executor.NewGatewayClient(executor.Config(cfg.Executors.Gateway))
	merchant := executor.NewMerchantClient(executor.Config(cfg.Executors.Merchant))

	// Services register their saga definitions with the shared engine
	paymentSvc, err := paymentService.NewService(orch, registry, ledger, fraud, gateway, merchant)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register payment saga")
	}
	transferSvc, err := transferService.NewService(orch, registry, ledger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to register transfer saga")
	}

	v := validator.New()

	r := router.NewRouter(router.Config{
		RateLimit: rate.Limit(cfg.Server.RateLimit),
		RateBurst: cfg.Server.RateBurst,
	}, appLogger,
		paymentHandler.NewHandler(paymentSvc, v, guardMiddleware.Guard()),
		transferHandler.NewHandler(transferSvc, v, guardMiddleware.Guard()),
		sagaHandler.NewHandler(sagaRepo, orch),
		outboxHandler.NewHandler(outboxRepo, monitor),
		eventsHandler.NewHandler(store),
		healthHandler.NewHandler(db, broker, monitor),
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		appLogger.Info("starting api server", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down api server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error(err, "forced shutdown")
	}
}
