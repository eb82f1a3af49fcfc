package main

import (
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/luminatech/scanqueue/internal/analyzer"
	"github.com/luminatech/scanqueue/internal/config"
	"github.com/luminatech/scanqueue/internal/handler"
	"github.com/luminatech/scanqueue/internal/infra/postgresql"
	"github.com/luminatech/scanqueue/internal/infra/postgresql/migrations"
	infraredis "github.com/luminatech/scanqueue/internal/infra/redis"
	"github.com/luminatech/scanqueue/internal/observability"
	"github.com/luminatech/scanqueue/internal/repository"
	"github.com/luminatech/scanqueue/internal/service"
	"github.com/luminatech/scanqueue/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.AnalyzeRatePerSec)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}

	urlAnalyzer, err := analyzer.NewHTTPAnalyzer(cfg.AnalyzerURL)
	if err != nil {
		logger.Fatal("analyzer initialization failed", zap.Error(err))
	}

	batchRepo := repository.NewGormBatchRepo(db)
	backlogRepo := repository.NewGormBacklogRepo(db)

	evaluator, err := service.NewCompletionEvaluator(batchRepo, logger)
	if err != nil {
		logger.Fatal("completion evaluator initialization failed", zap.Error(err))
	}

	batchService, err := service.NewBatchService(batchRepo, evaluator, logger)
	if err != nil {
		logger.Fatal("batch service initialization failed", zap.Error(err))
	}

	unitDelay := time.Duration(cfg.URLDelayMillis) * time.Millisecond

	sliceRunner, err := service.NewSliceRunner(
		batchRepo,
		urlAnalyzer,
		limiter,
		evaluator,
		cfg.URLsPerSlice,
		unitDelay,
		logger,
	)
	if err != nil {
		logger.Fatal("slice runner initialization failed", zap.Error(err))
	}

	backlogService, err := service.NewBacklogService(
		backlogRepo,
		urlAnalyzer,
		limiter,
		cfg.BacklogSliceSize,
		cfg.MaxRetries,
		unitDelay,
		logger,
	)
	if err != nil {
		logger.Fatal("backlog service initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()
	batchService.SetMetrics(metrics)
	sliceRunner.SetMetrics(metrics)
	backlogService.SetMetrics(metrics)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(observability.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	if err := handler.RegisterScanRoutes(app, batchService, sliceRunner, backlogService); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	logger.Info("scanqueue api started", zap.Int("port", cfg.APIPort))
	if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}
