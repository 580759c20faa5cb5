package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"billing/internal/config"
	"billing/internal/consumer"
	"billing/internal/handler"
	"billing/internal/infrastructure/cache"
	"billing/internal/infrastructure/database"
	"billing/internal/infrastructure/lock"
	"billing/internal/infrastructure/mq"
	"billing/internal/job"
	"billing/internal/ledger"
	"billing/internal/service"
	"billing/pkg/idgen"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "配置文件路径")
	flag.Parse()

	// 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化 ID 生成器
	idgen.Init(cfg.Server.WorkerID)

	// 初始化 MySQL
	db := database.InitMySQL(&cfg.MySQL)

	// 初始化 Redis：多实例部署时用户锁和幂等缓存都走 Redis，否则退化为进程内锁
	opts := ledger.Options{
		BalanceChangedTopic: cfg.Kafka.Topic.BalanceChanged,
		MaxConflictRetries:  cfg.Ledger.MaxConflictRetries,
	}
	if cfg.Redis.Enabled {
		redisClient := cache.InitRedis(&cfg.Redis)
		defer redisClient.Close()

		opts.Locker = lock.NewRedisUserLocker(redisClient, cfg.Ledger.LockTTL(), cfg.Ledger.LockRetryInterval(), cfg.Ledger.LockMaxRetries)
		opts.Cache = cache.NewIdempotencyCache(redisClient, cfg.Ledger.IdempotencyCacheTTL())
	} else {
		log.Println("Redis 未启用，使用进程内用户锁")
		opts.Locker = lock.NewKeyedLocker()
	}

	// 初始化 Kafka
	producer := mq.InitKafka(&cfg.Kafka)
	defer producer.Close()

	group, err := mq.InitConsumerGroup(&cfg.Kafka)
	if err != nil {
		log.Fatalf("%v", err)
	}

	mutator := ledger.NewMutator(db, opts)
	balanceService := service.NewBalanceService(db, mutator, cfg.Ledger)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动消费者
	eventHandler := consumer.NewEventHandler(balanceService, cfg.Kafka.Topic)
	groupHandler := consumer.NewGroupHandler(eventHandler, cfg.Kafka.MaxRetries, cfg.Kafka.RetryInterval())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx, group, cfg.Kafka.Topic.Inbound(), groupHandler)
	}()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg.Jobs)
	go outboxSender.Start(ctx)

	debtReconcileJob := job.NewDebtReconcileJob(db, cfg)
	go debtReconcileJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(balanceService)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// 在 goroutine 中启动服务器
	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止消费和后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	if err := group.Close(); err != nil {
		log.Printf("关闭消费组失败: %v", err)
	}
	<-consumerDone

	log.Println("服务已关闭")
}
