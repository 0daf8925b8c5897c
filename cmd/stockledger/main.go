package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/stock-ledger/internal/app"
	"github.com/odyssey-erp/stock-ledger/internal/landedcost"
	"github.com/odyssey-erp/stock-ledger/internal/ledger"
	"github.com/odyssey-erp/stock-ledger/internal/locking"
	"github.com/odyssey-erp/stock-ledger/internal/observability"
	"github.com/odyssey-erp/stock-ledger/internal/platform/cache"
	"github.com/odyssey-erp/stock-ledger/internal/platform/db"
	"github.com/odyssey-erp/stock-ledger/internal/reconcile"
	"github.com/odyssey-erp/stock-ledger/internal/shared"
	"github.com/odyssey-erp/stock-ledger/internal/shortage"
	"github.com/odyssey-erp/stock-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	auditLogger := shared.NewAuditLogger(dbpool)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	shortageRepo := shortage.NewRepository(dbpool)
	resolver := shortage.NewResolver(shortageRepo, logger, 0)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledger.ServiceParams{
		Repo:        ledgerRepo,
		Locks:       locks,
		Audit:       auditLogger,
		Idempotency: idempotencyStore,
		Shortages:   resolver,
		Integration: ledger.NewTaskEmitter(jobClient.Asynq(), logger),
		Logger:      logger,
		Config:      ledger.ServiceConfig{AllowNegativeStock: cfg.AllowNegativeStock},
	})

	landedCostRepo := landedcost.NewRepository(dbpool)
	landedCostService := landedcost.NewService(landedCostRepo, auditLogger, logger)

	reconcileRepo := reconcile.NewRepository(dbpool)
	reconcileService := reconcile.NewService(reconcileRepo, locks, auditLogger, logger, cfg.ReconChunkSize)

	metrics := observability.NewMetrics()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		LedgerHandler:     ledger.NewHandler(logger, ledgerService, metrics),
		LandedCostHandler: landedcost.NewHandler(logger, landedCostService),
		ShortageHandler:   shortage.NewHandler(logger, resolver),
		ReconcileHandler:  reconcile.NewHandler(logger, reconcileService),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
