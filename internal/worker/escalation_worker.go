package worker

import (
	"context"
	"time"

	"fleetwatch-correlation/internal/config"

	"go.uber.org/zap"
)

// Escalator 升级执行接口（由 attention.Machine 实现）
type Escalator interface {
	CheckAndEscalateOverdue(ctx context.Context, tenantID string) (int, error)
}

// EscalationWorker 升级调度器（轮询逾期告警）
// 计时器状态在数据库里（next_escalation_at 列），worker 只负责周期性触发，
// 因此进程重启不会丢升级
type EscalationWorker struct {
	config   *config.Config
	machine  Escalator
	tenantID string // 为空时跨租户扫描
	logger   *zap.Logger
}

// NewEscalationWorker 创建升级调度器
func NewEscalationWorker(cfg *config.Config, machine Escalator, tenantID string, logger *zap.Logger) *EscalationWorker {
	return &EscalationWorker{
		config:   cfg,
		machine:  machine,
		tenantID: tenantID,
		logger:   logger,
	}
}

// Start 启动调度循环（阻塞直到 ctx 取消）
func (w *EscalationWorker) Start(ctx context.Context) error {
	interval := time.Duration(w.config.Escalation.PollIntervalSeconds) * time.Second
	w.logger.Info("Escalation worker started",
		zap.Duration("poll_interval", interval),
		zap.Int("batch_size", w.config.Escalation.BatchSize),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 立即执行一次
	w.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Escalation worker stopped")
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// runOnce 执行一轮逾期检查（失败只记日志，不中断循环）
func (w *EscalationWorker) runOnce(ctx context.Context) {
	count, err := w.machine.CheckAndEscalateOverdue(ctx, w.tenantID)
	if err != nil {
		w.logger.Error("Overdue escalation check failed",
			zap.Error(err),
		)
		return
	}
	if count > 0 {
		w.logger.Info("Escalated overdue alerts",
			zap.Int("count", count),
		)
	}
}
