package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// SafetyEventsRepository 安全事件仓库
type SafetyEventsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSafetyEventsRepository 创建安全事件仓库
func NewSafetyEventsRepository(db *sql.DB, logger *zap.Logger) *SafetyEventsRepository {
	return &SafetyEventsRepository{
		db:     db,
		logger: logger,
	}
}

const safetyEventColumns = `
	event_id,
	tenant_id,
	vehicle_id,
	driver_id,
	event_type,
	severity,
	occurred_at,
	incident_id,
	is_primary_event,
	metadata,
	created_at,
	updated_at
`

// scanSafetyEvent 扫描一行安全事件（处理可空字段和 JSONB）
func scanSafetyEvent(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.SafetyEvent, error) {
	var event models.SafetyEvent
	var driverID, incidentID sql.NullString
	var metadata []byte

	err := scanner.Scan(
		&event.EventID,
		&event.TenantID,
		&event.VehicleID,
		&driverID,
		&event.EventType,
		&event.Severity,
		&event.OccurredAt,
		&incidentID,
		&event.IsPrimaryEvent,
		&metadata,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		event.DriverID = &driverID.String
	}
	if incidentID.Valid {
		event.IncidentID = &incidentID.String
	}
	if len(metadata) > 0 {
		event.Metadata = string(metadata)
	} else {
		event.Metadata = "{}"
	}

	return &event, nil
}

// GetSafetyEvent 根据 event_id 获取单个安全事件（需验证 tenant_id）
func (r *SafetyEventsRepository) GetSafetyEvent(ctx context.Context, tenantID, eventID string) (*models.SafetyEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM safety_events
		WHERE event_id = $1
		  AND tenant_id = $2
	`, safetyEventColumns)

	event, err := scanSafetyEvent(r.db.QueryRowContext(ctx, query, eventID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("safety event not found: event_id=%s, tenant_id=%s", eventID, tenantID)
		}
		return nil, fmt.Errorf("failed to get safety event: %w", err)
	}

	return event, nil
}

// CreateSafetyEvent 创建安全事件（需验证 tenant_id）
func (r *SafetyEventsRepository) CreateSafetyEvent(ctx context.Context, tenantID string, event *models.SafetyEvent) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.TenantID != tenantID {
		return fmt.Errorf("event.tenant_id must match tenant_id parameter")
	}
	if event.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if event.OccurredAt.IsZero() {
		return fmt.Errorf("occurred_at is required")
	}
	if models.SeverityRank(event.Severity) < 0 {
		return fmt.Errorf("invalid severity: %s", event.Severity)
	}

	metadata := event.Metadata
	if metadata == "" {
		metadata = "{}"
	}

	query := `
		INSERT INTO safety_events (
			event_id,
			tenant_id,
			vehicle_id,
			driver_id,
			event_type,
			severity,
			occurred_at,
			incident_id,
			is_primary_event,
			metadata,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		event.EventID,
		event.TenantID,
		event.VehicleID,
		event.DriverID,
		event.EventType,
		event.Severity,
		event.OccurredAt,
		event.IncidentID,
		event.IsPrimaryEvent,
		metadata,
		event.CreatedAt,
		event.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create safety event: %w", err)
	}

	return nil
}

// FindNeighbors 查询邻近事件
// 条件：同租户同车辆、尚未关联事故（incident_id IS NULL）、occurred_at 在 [from, to] 内、
// 排除自身；按 occurred_at 升序返回
func (r *SafetyEventsRepository) FindNeighbors(ctx context.Context, tenantID, vehicleID, excludeEventID string, from, to time.Time) ([]*models.SafetyEvent, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if vehicleID == "" {
		return nil, fmt.Errorf("vehicle_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM safety_events
		WHERE tenant_id = $1
		  AND vehicle_id = $2
		  AND incident_id IS NULL
		  AND event_id != $3
		  AND occurred_at >= $4
		  AND occurred_at <= $5
		ORDER BY occurred_at ASC
	`, safetyEventColumns)

	rows, err := r.db.QueryContext(ctx, query, tenantID, vehicleID, excludeEventID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query neighbor events: %w", err)
	}
	defer rows.Close()

	events := []*models.SafetyEvent{}
	for rows.Next() {
		event, err := scanSafetyEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan safety event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate neighbor events: %w", err)
	}

	return events, nil
}

// SetEventMetadata 合并更新事件元数据（JSONB）
func (r *SafetyEventsRepository) SetEventMetadata(ctx context.Context, tenantID, eventID string, fields map[string]interface{}) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if eventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if len(fields) == 0 {
		return fmt.Errorf("fields cannot be empty")
	}

	patch, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata patch: %w", err)
	}

	query := `
		UPDATE safety_events
		SET metadata = metadata || $1::jsonb,
		    updated_at = CURRENT_TIMESTAMP
		WHERE event_id = $2
		  AND tenant_id = $3
	`

	result, err := r.db.ExecContext(ctx, query, patch, eventID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update event metadata: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("safety event not found: event_id=%s, tenant_id=%s", eventID, tenantID)
	}

	return nil
}
