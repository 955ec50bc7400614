package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pharmalert/ack-engine/internal/config"
	"github.com/pharmalert/ack-engine/internal/handler"
	"github.com/pharmalert/ack-engine/internal/infra/postgresql"
	"github.com/pharmalert/ack-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/pharmalert/ack-engine/internal/infra/redis"
	"github.com/pharmalert/ack-engine/internal/observability"
	"github.com/pharmalert/ack-engine/internal/queue"
	"github.com/pharmalert/ack-engine/internal/ratelimit"
	"github.com/pharmalert/ack-engine/internal/repository"
	"github.com/pharmalert/ack-engine/internal/service"
	"github.com/pharmalert/ack-engine/internal/store"
	"github.com/pharmalert/ack-engine/internal/transport"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	receipts, err := store.New(cfg.AckTimeout)
	if err != nil {
		logger.Fatal("receipt store initialization failed", zap.Error(err))
	}

	var sqlDB *sql.DB
	var snapshots repository.SnapshotRepository
	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Fatal("postgres initialization failed", zap.Error(err))
		}
		if err := migrations.Migrate(db); err != nil {
			logger.Fatal("database migrations failed", zap.Error(err))
		}
		sqlDB, err = db.DB()
		if err != nil {
			logger.Fatal("postgres underlying db init failed", zap.Error(err))
		}
		defer sqlDB.Close()
		snapshots = repository.NewGormSnapshotRepo(db)
	}

	var rdb *goredis.Client
	var limiter ratelimit.RateLimiter
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis initialization failed", zap.Error(err))
		}
		defer rdb.Close()

		limiter, err = infraredis.NewRedisRateLimiter(rdb, cfg.RateLimitPerSec)
		if err != nil {
			logger.Fatal("rate limiter initialization failed", zap.Error(err))
		}
	}

	var publisher queue.Publisher
	if cfg.RabbitMQURL != "" {
		rmq, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			logger.Fatal("rabbitmq initialization failed", zap.Error(err))
		}
		publisher = queue.NewRabbitMQPublisher(rmq)
		defer publisher.Close()
	}

	metrics := observability.NewMetrics()

	tracker, err := service.NewTrackerService(receipts, publisher, snapshots, limiter, metrics, logger)
	if err != nil {
		logger.Fatal("tracker service initialization failed", zap.Error(err))
	}

	sweeper, err := service.NewSweeper(tracker, cfg.SweepInterval, logger)
	if err != nil {
		logger.Fatal("sweeper initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(handler.CorrelationMiddleware())
	app.Use(metrics.HTTPMiddleware())

	handler.RegisterHealthRoutes(app, sqlDB, rdb)
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	if err := handler.RegisterReceiptRoutes(app, tracker); err != nil {
		logger.Fatal("route registration failed", zap.Error(err))
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ack-engine api started", zap.Int("port", cfg.APIPort))
		return app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	})
	g.Go(func() error {
		return sweeper.Start(gCtx)
	})
	g.Go(func() error {
		<-gCtx.Done()
		return app.Shutdown()
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal("ack-engine terminated", zap.Error(err))
	}
	logger.Info("ack-engine stopped")
}
