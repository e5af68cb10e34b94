package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"campaignmailer/contracts/mq"
	"campaignmailer/internal/blobstore"
	"campaignmailer/internal/config"
	"campaignmailer/internal/httpserver"
	"campaignmailer/internal/repository"
	"campaignmailer/internal/scheduler"
	"campaignmailer/pkg/db"
	"campaignmailer/pkg/jobqueue"
	"campaignmailer/pkg/logger"
	pkgmq "campaignmailer/pkg/mq"
	"campaignmailer/pkg/otel"
	"campaignmailer/pkg/outbox"
	"campaignmailer/pkg/redis"
	"campaignmailer/pkg/util"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting campaign scheduler...",
		zap.String("db_host", cfg.DB.Host),
		zap.String("redis_addr", cfg.Redis.Addr),
		zap.Duration("spacing", cfg.Scheduler.Spacing),
	)

	shutdownTracer, err := otel.Init(otel.FromConfig("campaign-scheduler", cfg.OTel), log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracer()

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	// Redis
	rdb, err := redis.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal("Failed to init Redis", zap.Error(err))
	}
	defer rdb.Close()

	// S3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	blobs, err := blobstore.NewS3Store(ctx, cfg.S3, log)
	if err != nil {
		log.Fatal("Failed to init blob store", zap.Error(err))
	}

	// MQ Publisher（outbox dispatcher 使用）
	publisher, err := pkgmq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()

	queue := jobqueue.New(rdb, cfg.Queue.Name, jobqueue.Options{
		Lease:       cfg.Worker.Lease,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, log)

	sched := scheduler.New(
		repository.NewCampaignRepository(dbConn),
		repository.NewTemplateRepository(dbConn),
		blobs,
		queue,
		util.NewRetryCounter(rdb, 24*time.Hour),
		util.NewDeduper(rdb, 24*time.Hour, log),
		cfg.Scheduler,
		log,
	)

	// Outbox Dispatcher: campaigns 表和 campaign.parse 事件同事务写入
	outboxRepo := outbox.NewRepository(dbConn)
	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	go dispatcher.Start(ctx)

	// Parse consumer
	consumer, err := pkgmq.NewConsumer(cfg.MQ.URL, "campaign.parse.q", mq.RoutingKeyCampaignParse, 1, log)
	if err != nil {
		log.Fatal("Parse consumer init failed", zap.Error(err))
	}
	consumer.SetHandler(sched.HandleParse)
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.StartConsuming(ctx); err != nil {
			log.Error("Parse consumer stopped", zap.Error(err))
		}
		// 连接断开时退出进程，由编排系统重启
		cancel()
	}()

	// HTTP Server (health / metrics)
	router := httpserver.NewRouter(log, map[string]httpserver.Pinger{
		"db":    dbConn,
		"redis": httpserver.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		"mq": httpserver.PingFunc(func(context.Context) error {
			if !publisher.IsConnected() {
				return errors.New("publisher connection closed")
			}
			return nil
		}),
	}, queue)
	router.Start(":" + cfg.Server.Port)

	log.Info("Campaign scheduler is running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("Shutting down campaign scheduler gracefully...")
	consumer.Stop()
	<-consumerDone
	cancel()
	consumer.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Campaign scheduler shutdown complete")
}
