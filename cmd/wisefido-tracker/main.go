package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mhacccc/tracking-app/common/logger"
	"github.com/Mhacccc/tracking-app/internal/config"
	"github.com/Mhacccc/tracking-app/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zlog, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-tracker")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zlog.Sync()

	zlog.Info("Starting wisefido-tracker service",
		zap.String("version", "1.0.0"),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	trackerService, err := service.NewTrackerService(cfg, zlog)
	if err != nil {
		zlog.Fatal("Failed to create tracker service", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := trackerService.Start(ctx); err != nil {
		zlog.Fatal("Failed to start tracker service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	zlog.Info("Received signal, shutting down", zap.String("signal", sig.String()))

	// 优雅关闭
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := trackerService.Stop(shutdownCtx); err != nil {
		zlog.Error("Error during shutdown", zap.Error(err))
	}

	zlog.Info("Service stopped")
}
