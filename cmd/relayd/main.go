package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/cache"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/command"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/config"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/hub"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/notify"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/server"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/stats"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/tracing"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 配置
	manager, err := config.New(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := manager.Get()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	// 日志
	log, err := logger.New(&logger.Config{
		Level:   logger.ParseLevel(cfg.Log.Level),
		Format:  logger.Format(cfg.Log.Format),
		Console: cfg.Log.Console,
		File:    cfg.Log.File,
		Rotate: &logger.RotateConfig{
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   cfg.Log.Compress,
		},
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	// 配置热更新：目前仅支持日志级别动态调整
	manager.OnChange(func(c *config.Config) {
		log.SetLevel(logger.ParseLevel(c.Log.Level))
		log.Info("[main] 配置已重载", zap.String("log_level", c.Log.Level))
	})
	manager.Watch()

	// 链路追踪
	shutdownTracing, err := tracing.NewTracerProvider(&cfg.Tracing)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// 数据库
	db, err := store.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := store.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	storage := store.NewGormStorage(db)

	// 端点配置缓存：启用 Redis 时走 Redis，否则退化为进程内缓存
	var epCache cache.Cache
	if cfg.Redis.Enabled {
		epCache, err = cache.NewRedis(&cfg.Redis, "relay:")
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	} else {
		epCache = cache.NewMemory()
	}
	defer epCache.Close()
	endpoints := cache.NewEndpointCache(epCache, storage, cfg.Hub.EndpointCacheTTL)

	// 统计聚合
	aggregator := stats.NewAggregator(storage, log, cfg.Stats.FlushInterval, cfg.Stats.FlushThreshold)
	aggregator.Start()

	// 事件发布
	publisher, err := notify.NewPublisher(&cfg.Notify)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}

	// 连接中心
	h := hub.New(hub.Options{
		Config:     &cfg.Hub,
		Storage:    storage,
		Endpoints:  endpoints,
		Aggregator: aggregator,
		Publisher:  publisher,
		Logger:     log,
	})
	h.Run()

	// 指令关联
	correlator := command.NewCorrelator(storage, h, log,
		cfg.Command.DefaultTimeout, cfg.Command.SweepInterval)
	h.SetAckHandler(func(ctx context.Context, commandID, status, message string) {
		if err := correlator.OnAck(ctx, commandID, status, message); err != nil {
			log.Warn("[main] 指令确认处理失败",
				zap.String("command_id", commandID),
				zap.Error(err))
		}
	})

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go correlator.Run(sweepCtx)

	// HTTP 服务
	srv := server.New(&cfg.Server, h, correlator, storage, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()
	log.Info("[main] 服务已启动", zap.String("addr", cfg.Server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("[main] 收到退出信号", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			log.Error("[main] 服务异常退出", zap.Error(err))
		}
	}

	// 优雅关闭：先停入口，再清连接，最后刷统计
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("[main] HTTP 服务关闭超时", zap.Error(err))
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		log.Warn("[main] 连接中心关闭超时", zap.Error(err))
	}
	stopSweep()
	aggregator.Shutdown()
	if err := publisher.Close(); err != nil {
		log.Warn("[main] 事件发布器关闭失败", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("[main] 链路追踪关闭失败", zap.Error(err))
	}

	log.Info("[main] 服务已退出")
	return nil
}
