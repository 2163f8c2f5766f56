package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// featureCacheTTL 特性开关缓存时间
const featureCacheTTL = 60 * time.Second

// FeaturesRepository 租户特性开关仓库（PostgreSQL 存储 + Redis 缓存）
// 无配置的租户默认启用（保守兜底：不配置也能得到正确行为）
type FeaturesRepository struct {
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewFeaturesRepository 创建特性开关仓库
func NewFeaturesRepository(db *sql.DB, redisClient *redis.Client, logger *zap.Logger) *FeaturesRepository {
	return &FeaturesRepository{
		db:          db,
		redisClient: redisClient,
		logger:      logger,
	}
}

// IsEnabled 查询租户特性开关
func (r *FeaturesRepository) IsEnabled(ctx context.Context, tenantID, flag string) (bool, error) {
	if tenantID == "" {
		return false, fmt.Errorf("tenant_id is required")
	}
	if flag == "" {
		return false, fmt.Errorf("flag is required")
	}

	// 先查缓存（缓存故障时直接回源，不阻塞）
	cacheKey := fmt.Sprintf("fleetwatch:features:%s:%s", tenantID, flag)
	if r.redisClient != nil {
		val, err := r.redisClient.Get(ctx, cacheKey).Result()
		if err == nil {
			return val == "1", nil
		}
		if err != redis.Nil {
			r.logger.Debug("Feature flag cache read failed",
				zap.String("tenant_id", tenantID),
				zap.String("flag", flag),
				zap.Error(err),
			)
		}
	}

	query := `
		SELECT enabled
		FROM tenant_features
		WHERE tenant_id = $1
		  AND flag = $2
	`

	var enabled bool
	err := r.db.QueryRowContext(ctx, query, tenantID, flag).Scan(&enabled)
	if err != nil {
		if err == sql.ErrNoRows {
			enabled = true // 未配置默认启用
		} else {
			return false, fmt.Errorf("failed to query feature flag: %w", err)
		}
	}

	// 回写缓存
	if r.redisClient != nil {
		cacheVal := "0"
		if enabled {
			cacheVal = "1"
		}
		if err := r.redisClient.Set(ctx, cacheKey, cacheVal, featureCacheTTL).Err(); err != nil {
			r.logger.Debug("Feature flag cache write failed",
				zap.String("tenant_id", tenantID),
				zap.String("flag", flag),
				zap.Error(err),
			)
		}
	}

	return enabled, nil
}
