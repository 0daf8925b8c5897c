package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stock-ledger/internal/app"
	"github.com/odyssey-erp/stock-ledger/internal/jobmetrics"
	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/locking"
	"github.com/odyssey-erp/stock-ledger/internal/platform/cache"
	"github.com/odyssey-erp/stock-ledger/internal/platform/db"
	"github.com/odyssey-erp/stock-ledger/internal/reconcile"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
	"github.com/odyssey-erp/stock-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locks := locking.NewController(redisClient, logger, locking.Config{
		TTL:         cfg.LockTTL,
		MaxAttempts: cfg.LockMaxAttempts,
		BaseBackoff: cfg.LockBaseBackoff,
	})
	auditLogger := shared.NewAuditLogger(pool)

	reconcileRepo := reconcile.NewRepository(pool)
	reconcileService := reconcile.NewService(reconcileRepo, locks, auditLogger, logger, cfg.ReconChunkSize)

	metrics := jobmetrics.NewMetrics(nil)

	var cron []jobs.CronRegistration
	if cfg.ReconCronCompany != 0 {
		cron, err = jobs.DefaultCron(cfg.ReconCronCompany)
		if err != nil {
			logger.Error("build cron", slog.Any("error", err))
			os.Exit(1)
		}
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcile, Handler: jobs.NewReconcileHandler(reconcileService, metrics, logger)},
			{Type: ledger.TaskReceiptPosted, Handler: jobs.NewReceiptEventHandler(logger)},
			{Type: ledger.TaskConsumptionPosted, Handler: jobs.NewConsumptionEventHandler(logger)},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
