// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mind-chat-go/internal/config"
	"mind-chat-go/internal/handler"
	"mind-chat-go/internal/middleware"
	"mind-chat-go/internal/repository"
	"mind-chat-go/internal/retrieval"
	"mind-chat-go/internal/service"
	"mind-chat-go/pkg/database"
	"mind-chat-go/pkg/embedding"
	"mind-chat-go/pkg/es"
	"mind-chat-go/pkg/kafka"
	"mind-chat-go/pkg/llm"
	"mind-chat-go/pkg/log"
	"mind-chat-go/pkg/storage"
	"mind-chat-go/pkg/token"

	"github.com/gin-gonic/gin"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库、Redis、对象存储与搜索后端
	database.InitMySQL(cfg.Database.MySQL.DSN)
	database.InitRedis(cfg.Database.Redis.Addr, cfg.Database.Redis.Password, cfg.Database.Redis.DB)
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化 Repository
	pairRepo := repository.NewMessagePairRepository(database.DB)
	historyRepo := repository.NewHistoryRepository(database.RDB, cfg.Chat.HistoryLimit)

	// 5. 初始化 Service (依赖注入)
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours)
	embeddingClient := embedding.NewClient(cfg.Embedding)
	llmClient := llm.NewClient(cfg.LLM)
	retriever := retrieval.NewRetriever(embeddingClient, es.ESClient, cfg.Elasticsearch.IndexName, cfg.Chat.TopK)
	exchangeStore := service.NewExchangeStore(pairRepo, historyRepo, cfg.Kafka.Brokers != "")
	answerService := service.NewAnswerService(retriever, llmClient, pairRepo, exchangeStore, cfg.LLM.Model)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	chatHandler := handler.NewChatHandler(answerService, jwtManager)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	apiV1 := r.Group("/api/v1")
	apiV1.Use(middleware.AuthMiddleware(jwtManager))
	{
		chat := apiV1.Group("/chat")
		{
			chat.POST("/answer", handler.NewAnswerHandler(answerService).Answer)
			chat.GET("/history", handler.NewHistoryHandler(historyRepo, pairRepo).GetHistory)
			chat.GET("/messages", handler.NewHistoryHandler(historyRepo, pairRepo).ListMessagePairs)
			chat.GET("/websocket-token", chatHandler.GetWebsocketStopToken)
		}

		attachments := apiV1.Group("/attachments")
		{
			attachments.POST("/image", handler.NewAttachmentHandler(cfg.MinIO).UploadImage)
		}
	}

	// WebSocket 聊天路由，token 随路径传入
	r.GET("/chat/:token", chatHandler.Handle)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}
