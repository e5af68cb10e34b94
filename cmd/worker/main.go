package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"campaignmailer/contracts/mq"
	"campaignmailer/internal/attachcache"
	"campaignmailer/internal/blobstore"
	"campaignmailer/internal/config"
	"campaignmailer/internal/dispatch"
	"campaignmailer/internal/httpserver"
	"campaignmailer/internal/mailer"
	"campaignmailer/internal/quota"
	"campaignmailer/internal/repository"
	"campaignmailer/pkg/credseal"
	"campaignmailer/pkg/db"
	"campaignmailer/pkg/jobqueue"
	"campaignmailer/pkg/logger"
	pkgmq "campaignmailer/pkg/mq"
	"campaignmailer/pkg/otel"
	"campaignmailer/pkg/redis"
)

func main() {
	log := logger.NewLogger()
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}

	log.Info("Starting dispatch worker...",
		zap.Int("pool_size", cfg.Worker.PoolSize),
		zap.String("transport", cfg.Mail.Transport),
		zap.Int64("daily_limit", cfg.Quota.DailyLimit),
	)

	shutdownTracer, err := otel.Init(otel.FromConfig("dispatch-worker", cfg.OTel), log)
	if err != nil {
		log.Fatal("Failed to init OpenTelemetry", zap.Error(err))
	}
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

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

	blobs, err := blobstore.NewS3Store(ctx, cfg.S3, log)
	if err != nil {
		log.Fatal("Failed to init blob store", zap.Error(err))
	}

	transport, err := newTransport(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to init mail transport", zap.Error(err))
	}

	limiter, err := quota.NewLimiter(rdb, cfg.Quota)
	if err != nil {
		log.Fatal("Invalid quota config", zap.Error(err))
	}

	// DLQ：永久失败的发送任务
	publisher, err := pkgmq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("Failed to init MQ publisher", zap.Error(err))
	}
	defer publisher.Close()
	if err := publisher.EnsureDLQ(mq.RoutingKeyCampaignSend); err != nil {
		log.Fatal("Failed to declare DLQ", zap.Error(err))
	}

	queue := jobqueue.New(rdb, cfg.Queue.Name, jobqueue.Options{
		Lease:       cfg.Worker.Lease,
		MaxAttempts: cfg.Worker.MaxAttempts,
	}, log)

	sealer, err := credseal.New(cfg.Mail.CredentialKey)
	if err != nil {
		log.Fatal("Failed to init credential sealer", zap.Error(err))
	}
	if !sealer.Enabled() {
		log.Warn("CREDENTIAL_KEY not set, sender credentials are read as plaintext")
	}

	worker := dispatch.NewWorker(dispatch.Deps{
		Queue:       queue,
		QueueName:   cfg.Queue.Name,
		Limiter:     limiter,
		Outcomes:    repository.NewOutcomeStore(dbConn),
		Users:       repository.NewUserRepository(dbConn, sealer),
		Attachments: repository.NewAttachmentRepository(dbConn),
		Blobs:       blobs,
		Cache:       attachcache.New(rdb, cfg.Cache.AttachmentTTL, log),
		Transport:   mailer.NewBreakerTransport(transport, cfg.Breaker, log),
		DLQ:         publisher,
	}, cfg.Worker.Backoff(), cfg.Worker.MaxAttempts, log)

	pool := dispatch.NewPool(worker, queue, cfg.Worker, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pool.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		queue.RunRecovery(ctx, cfg.Worker.RecoverInterval)
	}()

	// HTTP Server (health / metrics / queue stats)
	router := httpserver.NewRouter(log, map[string]httpserver.Pinger{
		"db":    dbConn,
		"redis": httpserver.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}, queue)
	router.Start(":" + cfg.Server.Port)

	log.Info("Dispatch worker is running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down dispatch worker gracefully...")
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := router.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Dispatch worker shutdown complete")
}

func newTransport(ctx context.Context, cfg *config.Config, log *zap.Logger) (mailer.Transport, error) {
	switch cfg.Mail.Transport {
	case "ses":
		region := cfg.Mail.SESRegion
		if region == "" {
			region = cfg.S3.Region
		}
		awsCfg, err := blobstore.LoadAWSConfig(ctx, region, cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		return mailer.NewSESTransport(awsCfg, log), nil
	case "smtp", "":
		var oauth *oauth2.Config
		if cfg.Mail.OAuthClientID != "" {
			oauth = &oauth2.Config{
				ClientID:     cfg.Mail.OAuthClientID,
				ClientSecret: cfg.Mail.OAuthClientSecret,
				Endpoint:     oauth2.Endpoint{TokenURL: cfg.Mail.OAuthTokenURL},
			}
		}
		return mailer.NewSMTPTransport(cfg.Mail.SMTPHost, cfg.Mail.SMTPPort, oauth, log), nil
	default:
		return nil, fmt.Errorf("unknown mail transport %q", cfg.Mail.Transport)
	}
}
