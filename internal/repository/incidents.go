package repository

import (
	"context"
	"database/sql"
	"fmt"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// IncidentsRepository 事故仓库
// 事故创建是多行写入（事故行 + 关联行 + 事件回填），必须在单个事务内完成；
// 事件回填带 incident_id IS NULL 守卫，并发下充当隐式锁，防止重复关联
type IncidentsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewIncidentsRepository 创建事故仓库
func NewIncidentsRepository(db *sql.DB, logger *zap.Logger) *IncidentsRepository {
	return &IncidentsRepository{
		db:     db,
		logger: logger,
	}
}

// GetIncident 根据 incident_id 获取单个事故（需验证 tenant_id）
func (r *IncidentsRepository) GetIncident(ctx context.Context, tenantID, incidentID string) (*models.Incident, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if incidentID == "" {
		return nil, fmt.Errorf("incident_id is required")
	}

	query := `
		SELECT
			incident_id,
			tenant_id,
			incident_type,
			primary_event_id,
			severity,
			status,
			detected_at,
			summary,
			metadata,
			created_at,
			updated_at
		FROM incidents
		WHERE incident_id = $1
		  AND tenant_id = $2
	`

	var incident models.Incident
	var metadata []byte
	err := r.db.QueryRowContext(ctx, query, incidentID, tenantID).Scan(
		&incident.IncidentID,
		&incident.TenantID,
		&incident.IncidentType,
		&incident.PrimaryEventID,
		&incident.Severity,
		&incident.Status,
		&incident.DetectedAt,
		&incident.Summary,
		&metadata,
		&incident.CreatedAt,
		&incident.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("incident not found: incident_id=%s, tenant_id=%s", incidentID, tenantID)
		}
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}

	if len(metadata) > 0 {
		incident.Metadata = string(metadata)
	} else {
		incident.Metadata = "{}"
	}

	return &incident, nil
}

// CreateIncidentTransactional 原子创建事故
// 单个事务内：插入事故行、回填主事件、插入所有关联行、回填相关事件；
// 任一步失败则整体回滚，不产生部分事故
func (r *IncidentsRepository) CreateIncidentTransactional(
	ctx context.Context,
	incident *models.Incident,
	primary *models.SafetyEvent,
	related []*models.SafetyEvent,
	correlations []models.Correlation,
) error {
	if incident == nil || primary == nil {
		return fmt.Errorf("incident and primary event are required")
	}
	if incident.TenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. 插入事故行
	_, err = tx.ExecContext(ctx, `
		INSERT INTO incidents (
			incident_id,
			tenant_id,
			incident_type,
			primary_event_id,
			severity,
			status,
			detected_at,
			summary,
			metadata,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`,
		incident.IncidentID,
		incident.TenantID,
		incident.IncidentType,
		incident.PrimaryEventID,
		incident.Severity,
		incident.Status,
		incident.DetectedAt,
		incident.Summary,
		incident.Metadata,
		incident.CreatedAt,
		incident.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	// 2. 回填主事件（incident_id IS NULL 守卫：并发下只有一个事务能成功）
	if err := linkEventTx(ctx, tx, incident.TenantID, primary.EventID, incident.IncidentID, true); err != nil {
		return err
	}

	// 3. 插入关联行并回填相关事件（按获取顺序应用）
	for i := range correlations {
		corr := &correlations[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO incident_correlations (
				incident_id,
				event_id,
				correlation_type,
				correlation_strength,
				time_delta_seconds,
				detected_by,
				created_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7
			)
		`,
			corr.IncidentID,
			corr.EventID,
			corr.CorrelationType,
			corr.CorrelationStrength,
			corr.TimeDeltaSeconds,
			corr.DetectedBy,
			corr.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert correlation: %w", err)
		}
	}
	for _, ev := range related {
		if err := linkEventTx(ctx, tx, incident.TenantID, ev.EventID, incident.IncidentID, false); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit incident transaction: %w", err)
	}

	return nil
}

// linkEventTx 在事务内回填事件的事故关联
// incident_id IS NULL 守卫防止并发重复关联；回填失败（0 行）视为竞争冲突
func linkEventTx(ctx context.Context, tx *sql.Tx, tenantID, eventID, incidentID string, isPrimary bool) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE safety_events
		SET incident_id = $1,
		    is_primary_event = $2,
		    updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $3
		  AND tenant_id = $4
		  AND incident_id IS NULL
	`, incidentID, isPrimary, eventID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to link event to incident: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("event already linked to an incident: event_id=%s", eventID)
	}

	return nil
}

// AppendCorrelation 向已有事故追加一条关联
// 同一事务内插入关联行、回填事件、抬升事故严重级别（只升不降）
func (r *IncidentsRepository) AppendCorrelation(
	ctx context.Context,
	incident *models.Incident,
	event *models.SafetyEvent,
	corr models.Correlation,
	severity string,
) error {
	if incident == nil || event == nil {
		return fmt.Errorf("incident and event are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO incident_correlations (
			incident_id,
			event_id,
			correlation_type,
			correlation_strength,
			time_delta_seconds,
			detected_by,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
	`,
		corr.IncidentID,
		corr.EventID,
		corr.CorrelationType,
		corr.CorrelationStrength,
		corr.TimeDeltaSeconds,
		corr.DetectedBy,
		corr.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert correlation: %w", err)
	}

	if err := linkEventTx(ctx, tx, incident.TenantID, event.EventID, incident.IncidentID, false); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE incidents
		SET severity = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE incident_id = $2
		  AND tenant_id = $3
	`, severity, incident.IncidentID, incident.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update incident severity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit correlation transaction: %w", err)
	}

	return nil
}

// ResolveIncident 关闭事故（status = resolved）
func (r *IncidentsRepository) ResolveIncident(ctx context.Context, tenantID, incidentID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if incidentID == "" {
		return fmt.Errorf("incident_id is required")
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE incidents
		SET status = 'resolved',
		    updated_at = CURRENT_TIMESTAMP
		WHERE incident_id = $1
		  AND tenant_id = $2
		  AND status = 'open'
	`, incidentID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve incident: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("incident not found or already resolved: incident_id=%s, tenant_id=%s", incidentID, tenantID)
	}

	return nil
}
