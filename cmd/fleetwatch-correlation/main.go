package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fleetwatch-correlation/common/logger"
	"fleetwatch-correlation/internal/config"
	"fleetwatch-correlation/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "fleetwatch-correlation")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 获取租户ID（可选，为空时升级调度跨租户扫描）
	tenantID := os.Getenv("TENANT_ID")

	// 4. 创建服务
	engine, err := service.NewEngine(cfg, log, tenantID)
	if err != nil {
		log.Fatal("Failed to create correlation engine",
			zap.Error(err),
		)
	}
	defer engine.Stop()

	// 5. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 6. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := engine.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 7. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel()
	case err := <-serviceErrChan:
		log.Fatal("Service error",
			zap.Error(err),
		)
	}

	log.Info("Correlation engine stopped")
}
