package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mpesagateway/internal/config"
	"mpesagateway/internal/handler"
	"mpesagateway/internal/infrastructure/cache"
	"mpesagateway/internal/infrastructure/database"
	"mpesagateway/internal/infrastructure/lock"
	"mpesagateway/internal/infrastructure/mq"
	"mpesagateway/internal/job"
	"mpesagateway/internal/mpesa"
	"mpesagateway/internal/service"
	"mpesagateway/pkg/idgen"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化 ID 生成器
	gen, err := idgen.NewGenerator(1)
	if err != nil {
		log.Fatalf("初始化 ID 生成器失败: %v", err)
	}

	// 初始化 MySQL
	db, err := database.InitMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatalf("初始化 MySQL 失败: %v", err)
	}
	log.Println("MySQL 连接成功")

	// 初始化 Redis
	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	log.Println("Redis 连接成功")

	// 初始化 Kafka
	producer, err := mq.NewKafkaProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("初始化 Kafka 失败: %v", err)
	}
	defer producer.Close()
	log.Println("Kafka 生产者创建成功")

	// 网关凭证与出站客户端
	credProvider := mpesa.NewDarajaCredentialProvider(&cfg.Mpesa, redisClient)
	mpesaClient := mpesa.NewClient(&cfg.Mpesa, credProvider)

	locker := lock.NewRedisLocker(redisClient)

	// 业务服务
	stkPushService := service.NewSTKPushService(db, cfg, gen, mpesaClient)
	callbackService := service.NewCallbackService(db, cfg)
	c2bService := service.NewC2BService(db, cfg, gen)
	queryService := service.NewQueryService(db)
	webhookService := service.NewWebhookService(db, locker)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	staleReaper := job.NewStaleReaper(db, cfg)
	go staleReaper.Start(ctx)

	webhookDispatcher := job.NewWebhookDispatcher(db, cfg, locker)
	go webhookDispatcher.Start(ctx)

	// 设置路由
	h := handler.NewHandler(stkPushService, callbackService, c2bService, queryService, webhookService)
	router := handler.SetupRouter(h)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

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

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}
