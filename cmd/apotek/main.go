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

	"github.com/apotek-erp/apotek-erp/internal/allocation"
	"github.com/apotek-erp/apotek-erp/internal/app"
	"github.com/apotek-erp/apotek-erp/internal/masterdata/products"
	"github.com/apotek-erp/apotek-erp/internal/observability"
	"github.com/apotek-erp/apotek-erp/internal/platform/cache"
	"github.com/apotek-erp/apotek-erp/internal/platform/db"
	"github.com/apotek-erp/apotek-erp/internal/receiving"
	"github.com/apotek-erp/apotek-erp/internal/shared"
	"github.com/apotek-erp/apotek-erp/internal/stockview"
	"github.com/apotek-erp/apotek-erp/jobs"
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

	auditLogger := shared.NewAuditLogger(dbpool)
	productLocker := shared.NewProductLocker()
	metrics := observability.NewMetrics()

	productsRepo := products.NewRepository(dbpool)
	productsService := products.NewService(productsRepo)
	productsHandler := products.NewHandler(logger, productsService)

	stockRepo := stockview.NewRepository(dbpool)
	stockCache := stockview.NewCache(redisClient, cfg.StockCacheTTL)
	stockService := stockview.NewService(stockRepo, stockCache, logger, cfg.NearExpiryDays)
	stockHandler := stockview.NewHandler(logger, stockService)

	allocationRepo := allocation.NewRepository(dbpool)
	allocationMetrics := allocation.NewMetrics(metrics.Registerer())
	coordinator := allocation.NewCoordinator(
		allocationRepo,
		productsService,
		productLocker,
		allocation.NewLedgerWriter(),
		auditLogger,
		stockService,
		allocationMetrics,
		logger,
		allocation.CoordinatorConfig{
			LockTimeout: cfg.AllocationLockTimeout,
			ProposalTTL: cfg.AllocationProposalTTL,
		},
	)
	coordinator.StartJanitor(ctx, 30*time.Second)
	allocationHandler := allocation.NewHandler(logger, coordinator, allocation.AllocationConfig{
		NearExpiryDays:  cfg.NearExpiryDays,
		AllowBreakPacks: cfg.AllowBreakPacks,
	})

	receivingRepo := receiving.NewRepository(dbpool)
	receivingService := receiving.NewService(receivingRepo, productsService, auditLogger, logger)
	receivingHandler := receiving.NewHandler(logger, receivingService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		AllocationHandler: allocationHandler,
		ProductsHandler:   productsHandler,
		ReceivingHandler:  receivingHandler,
		StockViewHandler:  stockHandler,
		JobHandler:        jobHandler,
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
