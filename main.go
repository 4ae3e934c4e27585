package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/notzero-app/notzero/internal/cache"
	"github.com/notzero-app/notzero/internal/config"
	"github.com/notzero-app/notzero/internal/handlers"
	"github.com/notzero-app/notzero/internal/middleware"
	"github.com/notzero-app/notzero/internal/scheduler"
	"github.com/notzero-app/notzero/internal/store"
	"github.com/notzero-app/notzero/internal/upstream"
)

func main() {
	// .env 不存在时静默忽略
	_ = godotenv.Load()

	envCfg := config.NewEnvConfig()
	setupLogging(envCfg)

	if envCfg.EncryptionKey == "" {
		log.Fatalf("[Init] 必须配置 CREDENTIAL_SECRET 用于凭据加密")
	}

	st, err := store.NewStore(envCfg.DBPath)
	if err != nil {
		log.Fatalf("[Init] 初始化存储失败: %v", err)
	}

	creds, err := store.NewCredentialStore(st, envCfg.EncryptionKey)
	if err != nil {
		log.Fatalf("[Init] 初始化凭据存储失败: %v", err)
	}

	assumptions, err := config.NewAssumptionsManager(envCfg.AssumptionsFile)
	if err != nil {
		log.Fatalf("[Init] 初始化模型假设表失败: %v", err)
	}

	clients := upstream.NewClientManager(time.Duration(envCfg.ResponseHeaderTimeout) * time.Second)
	responseCache := cache.New(0, time.Duration(envCfg.CacheTTLHours)*time.Hour)

	newSource := func(apiKey, projectID string) scheduler.UsageSource {
		return upstream.NewFetcher(envCfg, apiKey, projectID, clients, responseCache)
	}
	syncService := scheduler.NewSyncService(envCfg, st, creds, assumptions, newSource)
	syncService.Start()

	validator := func(ctx context.Context, apiKey, projectID string) error {
		// 探测请求不走响应缓存，避免旧密钥的缓存结果误判
		return upstream.NewFetcher(envCfg, apiKey, projectID, clients, nil).TestConnection(ctx)
	}

	// 凭据变更后清空响应缓存并丢弃进程内同步状态
	onKeySaved := func() { responseCache.Purge() }
	onKeyDeleted := func(userID string) {
		responseCache.Purge()
		syncService.ForgetUser(userID)
	}

	router := setupRouter(envCfg, st, creds, syncService, validator, onKeySaved, onKeyDeleted)

	srv := &http.Server{
		Addr:    ":" + envCfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("[Init] 服务启动，监听端口 %s", envCfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[Init] 服务启动失败: %v", err)
		}
	}()

	// 优雅退出：先停 HTTP，再停调度器，最后关存储
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Printf("[Shutdown] 收到退出信号，开始优雅关闭")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Shutdown] 警告: HTTP 服务关闭超时: %v", err)
	}

	syncService.StopAll()
	assumptions.Close()
	if err := st.Close(); err != nil {
		log.Printf("[Shutdown] 警告: 关闭存储失败: %v", err)
	}
	log.Printf("[Shutdown] 已退出")
}

// setupLogging 配置日志输出
// 配置了 LOG_FILE 时同时写入 stdout 与滚动日志文件。
func setupLogging(envCfg *config.EnvConfig) {
	if envCfg.LogFile == "" {
		return
	}
	rotator := &lumberjack.Logger{
		Filename:   envCfg.LogFile,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30, // 天
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

// setupRouter 组装路由
func setupRouter(envCfg *config.EnvConfig, st *store.Store, creds *store.CredentialStore,
	syncService *scheduler.SyncService, validator handlers.KeyValidator,
	onKeySaved func(), onKeyDeleted func(userID string)) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(middleware.AccessKeyMiddleware(envCfg))
	{
		api.GET("/usage/:userId/range", handlers.GetUsageRange(st))
		api.GET("/usage/:userId/summary", handlers.GetUsageSummary(st, syncService.MaybeSyncStale))
		api.GET("/usage/:userId/daily", handlers.GetDailyUsage(st))
		api.GET("/usage/:userId/models", handlers.GetModelBreakdown(st))
		api.GET("/usage/:userId/endpoints", handlers.GetEndpointBreakdown(st))
		api.GET("/usage/:userId/export", handlers.ExportUsage(st))

		api.GET("/sync/statistics", handlers.GetSyncStatistics(syncService))
		api.GET("/sync/:userId/status", handlers.GetSyncStatus(syncService, st))
		api.POST("/sync/:userId/trigger", handlers.TriggerSync(syncService))
		api.POST("/sync/:userId/backfill", handlers.TriggerBackfill(syncService))

		api.PUT("/settings/:userId/apikey", handlers.SaveAPIKey(creds, validator, onKeySaved))
		api.GET("/settings/:userId/status", handlers.GetSettingsStatus(creds))
		api.DELETE("/settings/:userId/apikey", handlers.DeleteAPIKey(creds, onKeyDeleted))
	}

	return router
}
