package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"affiliate/internal/config"
	"affiliate/internal/handler"
	"affiliate/internal/infrastructure/cache"
	"affiliate/internal/infrastructure/database"
	"affiliate/internal/infrastructure/lock"
	"affiliate/internal/infrastructure/logging"
	"affiliate/internal/infrastructure/mq"
	"affiliate/internal/job"
	"affiliate/internal/repository"
	"affiliate/internal/service"
	"affiliate/pkg/idgen"

	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	workerID := flag.Int64("worker-id", 1, "雪花算法机器ID")
	flag.Parse()

	if err := run(*configPath, *workerID); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, workerID int64) error {
	// 加载配置
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.InitLogger(cfg.Log.Production)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// 初始化 ID 生成器
	if err := idgen.Init(workerID); err != nil {
		return err
	}

	minPayout, err := cfg.Payout.MinPayout()
	if err != nil {
		return err
	}

	// 初始化 MySQL（含表结构迁移）
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		return err
	}

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	// 钱包串行化点
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case config.LockBackendLocal:
		locker = lock.NewLocalLocker()
	default:
		locker = lock.NewRedisLocker(redisClient, cfg.Lock.TTL, cfg.Lock.RetryInterval, cfg.Lock.MaxRetries)
	}
	logger.Info("钱包锁", zap.String("backend", cfg.Lock.Backend))

	var referrals service.ReferralSource = repository.NewReferralRepository(db)
	if cfg.Redis.ReferralCacheTTL > 0 {
		referrals = cache.NewReferralCache(redisClient, referrals, cfg.Redis.ReferralCacheTTL, logger.Named("referral_cache"))
	}

	eventTopic := cfg.Kafka.Topic.LedgerEvent
	resolver := service.NewReferralResolver(referrals, cfg.Commission.MaxDepth, logger)
	wallets := service.NewWalletService(db, locker, logger)
	commissions := service.NewCommissionService(db, locker, wallets, resolver,
		service.NewRateTable(cfg.Commission), eventTopic, logger)
	payouts := service.NewPayoutService(db, wallets, commissions, service.PayoutPolicy{
		MinAmount:         minPayout,
		SingleOutstanding: cfg.Payout.SingleOutstanding,
	}, eventTopic, logger)

	// 初始化 Kafka
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		return err
	}
	defer producer.Close()

	consumerGroup, err := mq.NewConsumerGroup(&cfg.Kafka)
	if err != nil {
		return err
	}

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	var wg sync.WaitGroup
	startJob := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}

	startJob(job.NewOutboxSender(db, producer, cfg.Business.MaxRetryCount, logger).Start)
	startJob(job.NewPurchaseConsumer(consumerGroup, cfg.Kafka.Topic.PurchaseCompleted, commissions, logger).Start)
	startJob(job.NewLedgerReconcileJob(wallets, cfg.Business.ReconcileInterval, cfg.Business.ReconcileBatch, logger).Start)

	// 设置路由
	h := handler.NewHandler(wallets, commissions, payouts, resolver, logger)
	router := handler.SetupRouter(h, cfg.Server, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("正在关闭服务...", zap.String("signal", sig.String()))
	case err := <-serverErr:
		logger.Error("服务启动失败", zap.Error(err))
	}

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("服务关闭异常", zap.Error(err))
	}

	// 取消上下文，停止后台任务
	cancel()
	if err := consumerGroup.Close(); err != nil {
		logger.Error("关闭消费组失败", zap.Error(err))
	}
	wg.Wait()

	logger.Info("服务已关闭")
	return nil
}
