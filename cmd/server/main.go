package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"taxosync/internal/app"
	"taxosync/internal/config"
	"taxosync/internal/handler"
	"taxosync/internal/httpserver"
	"taxosync/internal/job"
	"taxosync/internal/mqhandler"
	"taxosync/internal/provider"
	"taxosync/internal/repository"
	"taxosync/internal/retention"
	"taxosync/internal/status"
	"taxosync/internal/syncer"
	"taxosync/internal/taxonomy"
	"taxosync/pkg/circuitbreaker"
	"taxosync/pkg/db"
	"taxosync/pkg/logger"
	"taxosync/pkg/mq"
	"taxosync/pkg/outbox"
	"taxosync/pkg/redis"
	"taxosync/pkg/util"
)

const (
	assignedQueueName = "taxosync.taxonomy.assigned"
	dedupTTL          = 24 * time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Server.LogLevel)
	defer log.Sync()

	log.Info("Starting taxosync...",
		zap.String("db_host", cfg.DB.Host),
		zap.Int("db_port", cfg.DB.Port),
		zap.String("provider", cfg.Provider.Kind),
		zap.Bool("mq_enabled", cfg.MQ.URL != ""),
		zap.Bool("redis_enabled", cfg.Redis.Addr != ""),
	)

	// DB
	dbConn, err := db.NewConnection(cfg.DB, log)
	if err != nil {
		log.Fatal("Failed to init DB", zap.Error(err))
	}
	defer dbConn.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = repository.Migrate(migrateCtx, dbConn, log)
	migrateCancel()
	if err != nil {
		log.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Redis（可选）：任务快照与消息去重
	var rdb *goredis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatal("Failed to init Redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	// MQ Publisher（可选）：任务状态变化事件
	var publisher *mq.Publisher
	if cfg.MQ.URL != "" {
		publisher, err = mq.NewPublisher(cfg.MQ.URL)
		if err != nil {
			log.Fatal("Failed to init MQ publisher", zap.Error(err))
		}
		defer publisher.Close()
	}

	// Repositories
	labelOutbox, err := outbox.NewRepository(dbConn, outbox.LabelPush)
	if err != nil {
		log.Fatal("Failed to init label-push outbox", zap.Error(err))
	}
	archiveOutbox, err := outbox.NewRepository(dbConn, outbox.ArchivePush)
	if err != nil {
		log.Fatal("Failed to init archive-push outbox", zap.Error(err))
	}
	taxonomyRepo := repository.NewTaxonomyRepository(dbConn)
	settingsRepo := repository.NewSettingsRepository(dbConn)
	messageRepo := repository.NewMessageRepository(dbConn, labelOutbox, archiveOutbox)

	taxonomySvc := taxonomy.NewService(taxonomyRepo, settingsRepo, cfg.Retention.DefaultDays, log)

	// Provider
	mailProvider, err := newProvider(cfg.Provider, log)
	if err != nil {
		log.Fatal("Failed to init mail provider", zap.Error(err))
	}
	breaker := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		FailureThreshold:    cfg.Provider.Breaker.FailureThreshold,
		SuccessThreshold:    2,
		Timeout:             cfg.Provider.Breaker.Timeout,
		HalfOpenMaxRequests: 1,
		IsFailure:           provider.IsUnavailable,
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn("Provider circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	archiveTag := syncer.NewArchiveLabel(mailProvider, cfg.Provider.ArchiveLabel)
	worker := syncer.NewWorker(labelOutbox, archiveOutbox, mailProvider, breaker, taxonomySvc, messageRepo, archiveTag,
		syncer.Config{BatchSize: cfg.Worker.BatchSize, Concurrency: cfg.Worker.Concurrency}, log)
	labelSync := syncer.NewLabelSync(taxonomySvc, mailProvider, archiveTag, log)
	evaluator := retention.NewEvaluator(messageRepo, taxonomySvc, log)

	// Jobs：shutdown 时取消 baseCtx，运行中的任务以 failed 结束
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	orchestrator := job.NewOrchestrator(baseCtx, log)
	jobs := &app.Jobs{
		Planner:      evaluator,
		Drainer:      worker,
		Bulk:         messageRepo,
		PlanMaxRows:  cfg.Retention.PlanMaxRows,
		BulkPageSize: cfg.Worker.BulkPageSize,
		Logger:       log,
	}
	if err := jobs.Register(orchestrator); err != nil {
		log.Fatal("Failed to register jobs", zap.Error(err))
	}

	// Status
	var (
		snapshots status.Snapshots
		notifier  status.Notifier
	)
	if rdb != nil {
		snapshots = status.NewSnapshotStore(rdb, cfg.Status.SnapshotTTL)
	}
	if publisher != nil {
		notifier = status.NewMQNotifier(publisher)
	}
	broadcaster := status.NewBroadcaster(orchestrator, snapshots, notifier, status.Config{
		Interval: cfg.Status.Interval,
		Watchdog: cfg.Status.Watchdog,
	}, log)
	orchestrator.AddListener(broadcaster.Publish)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		broadcaster.Run(bgCtx)
	}()

	// 打标流水线的 taxonomy.assigned 消费者
	var consumer *mq.Consumer
	if cfg.MQ.URL != "" {
		consumer, err = mq.NewConsumer(cfg.MQ.URL, assignedQueueName, mq.RoutingKeyTaxonomyAssigned, log)
		if err != nil {
			log.Fatal("Failed to init taxonomy.assigned consumer", zap.Error(err))
		}
		defer consumer.Close()
		assigned := mqhandler.NewTaxonomyAssignedHandler(messageRepo, util.NewDeduper(rdb, dedupTTL, log), log)
		consumer.SetHandler(assigned.Handle)
		go func() {
			if err := consumer.StartConsuming(bgCtx); err != nil {
				log.Error("Consumer stopped with error", zap.Error(err))
			}
		}()
	}

	// 定期 retention sweep
	if cfg.Retention.ScheduleInterval > 0 {
		go app.NewSweeper(orchestrator, cfg.Retention.ScheduleInterval, log).Run(bgCtx)
	}

	// HTTP
	if cfg.JWT.Secret == "" {
		log.Warn("JWT secret is empty, mutating API routes are not authenticated")
	}
	var mqCheck httpserver.ConnChecker
	if publisher != nil {
		mqCheck = publisher
	}
	router := httpserver.NewRouter(httpserver.Handlers{
		Jobs:      handler.NewJobHandler(orchestrator, broadcaster, log),
		Taxonomy:  handler.NewTaxonomyHandler(taxonomySvc, log),
		Retention: handler.NewRetentionHandler(evaluator, labelSync, log),
		Outbox: handler.NewOutboxHandler(map[outbox.Flavor]handler.OutboxAdmin{
			outbox.LabelPush:   labelOutbox,
			outbox.ArchivePush: archiveOutbox,
		}, log),
	}, cfg.JWT.Secret, dbConn, mqCheck, log)

	addr := cfg.Server.Port
	if !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	// SSE 连接只在请求 ctx 结束时退出，shutdown 开始时取消
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.Engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
	}
	srv.RegisterOnShutdown(reqCancel)
	go func() {
		log.Info("HTTP server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	log.Info("taxosync is fully initialized and running")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down taxosync gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	} else {
		log.Info("HTTP server stopped")
	}

	// 先结束任务，再停止快照写入，保证终态被持久化
	baseCancel()
	orchestrator.Wait()
	bgCancel()
	<-persistDone

	log.Info("taxosync shutdown complete")
}

func newProvider(cfg config.ProviderConfig, log *zap.Logger) (provider.Provider, error) {
	if cfg.Kind == config.ProviderGmail {
		// token 刷新使用该 ctx，不能带超时
		return provider.NewGmail(context.Background(), provider.GmailConfig{
			CredentialsFile: cfg.CredentialsFile,
			TokenFile:       cfg.TokenFile,
			Endpoint:        cfg.Endpoint,
			RatePerSec:      cfg.RatePerSec,
			Burst:           cfg.Burst,
			CallTimeout:     cfg.CallTimeout,
		}, log)
	}
	log.Warn("Using in-memory mail provider, changes are not pushed to a real mailbox")
	return provider.NewMemory(), nil
}
