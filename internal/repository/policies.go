package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// PoliciesRepository 租户策略仓库
// 策略缺失不是错误：返回 nil，由调用方回退到内置默认值
type PoliciesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPoliciesRepository 创建策略仓库
func NewPoliciesRepository(db *sql.DB, logger *zap.Logger) *PoliciesRepository {
	return &PoliciesRepository{
		db:     db,
		logger: logger,
	}
}

// GetSLAPolicy 按严重级别查询租户 SLA 策略（无配置时返回 nil, nil）
func (r *PoliciesRepository) GetSLAPolicy(ctx context.Context, tenantID, severity string) (*models.SLAPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if severity == "" {
		return nil, fmt.Errorf("severity is required")
	}

	query := `
		SELECT
			tenant_id,
			severity,
			ack_minutes,
			resolve_minutes
		FROM tenant_sla_policies
		WHERE tenant_id = $1
		  AND severity = $2
	`

	var policy models.SLAPolicy
	err := r.db.QueryRowContext(ctx, query, tenantID, severity).Scan(
		&policy.TenantID,
		&policy.Severity,
		&policy.AckMinutes,
		&policy.ResolveMinutes,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get sla policy: %w", err)
	}

	return &policy, nil
}

// GetEscalationPolicy 查询租户升级策略（无配置时返回 nil, nil）
func (r *PoliciesRepository) GetEscalationPolicy(ctx context.Context, tenantID string) (*models.EscalationPolicy, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT
			tenant_id,
			max_escalations,
			escalation_interval_minutes
		FROM tenant_escalation_policies
		WHERE tenant_id = $1
	`

	var policy models.EscalationPolicy
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(
		&policy.TenantID,
		&policy.MaxEscalations,
		&policy.EscalationIntervalMinutes,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	return &policy, nil
}

// GetEscalationMatrix 查询租户升级矩阵覆盖（JSONB；无配置或为空时返回 nil, nil）
func (r *PoliciesRepository) GetEscalationMatrix(ctx context.Context, tenantID string) (models.EscalationMatrix, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	query := `
		SELECT matrix
		FROM tenant_escalation_policies
		WHERE tenant_id = $1
	`

	var raw []byte
	err := r.db.QueryRowContext(ctx, query, tenantID).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escalation matrix: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	var matrix models.EscalationMatrix
	if err := json.Unmarshal(raw, &matrix); err != nil {
		// 矩阵配置损坏时回退到默认值，不阻塞升级流程
		r.logger.Warn("Failed to parse tenant escalation matrix, falling back to defaults",
			zap.String("tenant_id", tenantID),
			zap.Error(err),
		)
		return nil, nil
	}
	if len(matrix) == 0 {
		return nil, nil
	}

	return matrix, nil
}
