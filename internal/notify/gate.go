package notify

import (
	"context"
	"fmt"
	"time"

	"fleetwatch-correlation/internal/config"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Decision 通知放行决策
type Decision struct {
	ShouldSend bool   `json:"should_send"`
	Reason     string `json:"reason,omitempty"` // duplicate, throttled
	Throttled  bool   `json:"throttled"`
}

// Gate 通知去重/限流闸门
// 所有出站通知（规则命中、升级、监控矩阵）都必须经过此单一收口，
// 防止抖动车辆/司机造成通知风暴
type Gate struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewGate 创建通知闸门
func NewGate(cfg *config.Config, redisClient *redis.Client, logger *zap.Logger) *Gate {
	return &Gate{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// ShouldSend 判定通知是否放行
// 1. 去重键 check-and-mark（SET NX，原子，防止并发双发）
// 2. 按 (vehicle_id, driver_id) 滑动窗口限流
// 3. 放行时记录本次发送
func (g *Gate) ShouldSend(ctx context.Context, dedupeKey string, vehicleID, driverID *string) (*Decision, error) {
	if dedupeKey == "" {
		return nil, fmt.Errorf("dedupe_key is required")
	}

	// 1. 去重：SET NX 原子地 check-and-mark
	dedupeCacheKey := g.config.Notify.DedupeKeyPrefix + dedupeKey
	dedupeTTL := time.Duration(g.config.Notify.DedupeTTLHours) * time.Hour
	marked, err := g.redisClient.SetNX(ctx, dedupeCacheKey, time.Now().Format(time.RFC3339), dedupeTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check dedupe key: %w", err)
	}
	if !marked {
		g.logger.Debug("Notification suppressed: duplicate",
			zap.String("dedupe_key", dedupeKey),
		)
		return &Decision{ShouldSend: false, Reason: "duplicate"}, nil
	}

	// 2. 限流：滑动窗口计数（ZSET，score 为时间戳）
	throttleKey := g.throttleKey(vehicleID, driverID)
	window := time.Duration(g.config.Notify.ThrottleWindowMinutes) * time.Minute
	now := time.Now()
	windowStart := now.Add(-window)

	if err := g.redisClient.ZRemRangeByScore(ctx, throttleKey, "0", fmt.Sprintf("%d", windowStart.UnixNano())).Err(); err != nil {
		return nil, fmt.Errorf("failed to trim throttle window: %w", err)
	}

	count, err := g.redisClient.ZCard(ctx, throttleKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to count throttle window: %w", err)
	}
	if int(count) >= g.config.Notify.ThrottleMaxPerWindow {
		g.logger.Warn("Notification suppressed: throttled",
			zap.String("throttle_key", throttleKey),
			zap.Int64("window_count", count),
			zap.Int("max_per_window", g.config.Notify.ThrottleMaxPerWindow),
		)
		return &Decision{ShouldSend: false, Reason: "throttled", Throttled: true}, nil
	}

	// 3. 记录本次发送
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String())
	if err := g.redisClient.ZAdd(ctx, throttleKey, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: member,
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to record throttle entry: %w", err)
	}
	// 窗口之外的键自动过期
	if err := g.redisClient.Expire(ctx, throttleKey, window).Err(); err != nil {
		g.logger.Debug("Failed to set throttle key TTL",
			zap.String("throttle_key", throttleKey),
			zap.Error(err),
		)
	}

	return &Decision{ShouldSend: true}, nil
}

// throttleKey 构建限流键：(vehicle_id, driver_id) 为限流作用域
func (g *Gate) throttleKey(vehicleID, driverID *string) string {
	vID := "-"
	if vehicleID != nil && *vehicleID != "" {
		vID = *vehicleID
	}
	dID := "-"
	if driverID != nil && *driverID != "" {
		dID = *driverID
	}
	return fmt.Sprintf("%s%s:%s", g.config.Notify.ThrottleKeyPrefix, vID, dID)
}
