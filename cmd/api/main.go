package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/taskmarket/backend/internal/config"
	"github.com/taskmarket/backend/internal/execution"
	"github.com/taskmarket/backend/internal/fees"
	"github.com/taskmarket/backend/internal/ledger"
	"github.com/taskmarket/backend/internal/notify"
	"github.com/taskmarket/backend/internal/processor"
	"github.com/taskmarket/backend/internal/ratings"
	"github.com/taskmarket/backend/internal/receipts"
	"github.com/taskmarket/backend/internal/repository"
	"github.com/taskmarket/backend/internal/services"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL database successfully!")

	if err := repository.Migrate(ctx, pool); err != nil {
		slog.Error("Schema migration failed", "error", err)
		os.Exit(1)
	}

	// River migrations
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	calc, err := fees.NewCalculator(cfg.Fees)
	if err != nil {
		slog.Error("Invalid fee schedule", "error", err)
		os.Exit(1)
	}

	// Repositories
	userRepo := repository.NewUserRepo(pool)
	taskRepo := repository.NewTaskRepo(pool)
	offerRepo := repository.NewOfferRepo(pool)
	paymentRepo := repository.NewPaymentRepo(pool)
	receiptRepo := repository.NewReceiptRepo(pool, cfg.ReceiptPrefix)
	reviewRepo := repository.NewReviewRepo(pool)
	ledgerSvc := ledger.NewService(ledger.NewRepository(pool))

	// Escrow processor: Stripe when configured, otherwise the in-process sandbox.
	var proc processor.Processor
	if cfg.StripeSecretKey != "" {
		proc = processor.NewStripe(cfg.StripeSecretKey, cfg.Retry.AttemptTimeout, logger)
		slog.Info("Using Stripe escrow processor")
	} else {
		proc = processor.NewSandbox()
		slog.Warn("STRIPE_SECRET_KEY not set, using sandbox escrow processor")
	}
	proc = processor.NewRetrying(proc, cfg.Retry, logger)

	// Notifications: Kafka when brokers are configured, otherwise the log.
	var notifier notify.Notifier
	if len(cfg.KafkaBrokers) > 0 {
		notifier = notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		slog.Info("Publishing notifications to Kafka", "topic", cfg.KafkaTopic)
	} else {
		notifier = notify.NewLogNotifier(logger)
	}
	defer notifier.Close()

	// Rating stats cache
	var statsCache ratings.StatsCache = ratings.NopCache{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Warn("Redis unreachable, rating stats served uncached", "error", err)
		} else {
			statsCache = ratings.NewRedisCache(rdb, 0)
		}
	}

	// Jobs: the river client is set on the enqueuer after it is created
	// (services need the enqueuer, workers need the services).
	enqueuer := execution.NewEnqueuer()

	escrow := services.NewEscrowService(pool, paymentRepo, proc, calc, logger)
	escrow.Ledger = ledgerSvc
	issuer := receipts.NewIssuer(taskRepo, paymentRepo, offerRepo, receiptRepo, logger)
	offerSvc := services.NewOfferService(pool, taskRepo, offerRepo, escrow, enqueuer, logger)
	taskSvc := services.NewTaskService(pool, taskRepo, paymentRepo, escrow, issuer, enqueuer, calc, logger)
	aggregator := ratings.NewAggregator(pool, userRepo, reviewRepo, statsCache, logger)
	ratingSvc := ratings.NewService(taskRepo, userRepo, reviewRepo, aggregator, statsCache, enqueuer, logger)

	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewIssueReceiptsWorker(issuer, logger))
	river.AddWorker(workers, execution.NewCancelHoldWorker(escrow, logger))
	river.AddWorker(workers, execution.NewRecomputeRatingsWorker(aggregator, logger))
	river.AddWorker(workers, execution.NewNotifyWorker(notifier))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}
	enqueuer.SetClient(riverClient)

	handler, err := newAPIHandler(cfg, apiDeps{
		users:    userRepo,
		tasks:    taskSvc,
		offers:   offerSvc,
		ratings:  ratingSvc,
		issuer:   issuer,
		taskRepo: taskRepo,
		ledger:   ledgerSvc,
	}, logger)
	if err != nil {
		slog.Error("Failed to build HTTP handler", "error", err)
		os.Exit(1)
	}

	// Start River client (processes jobs)
	if err := riverClient.Start(ctx); err != nil {
		slog.Error("River client failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP shutdown failed", "error", err)
		}
		if err := riverClient.Stop(shutdownCtx); err != nil {
			slog.Error("River stop failed", "error", err)
		}
	}()

	slog.Info("Starting HTTP server", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped")
}
