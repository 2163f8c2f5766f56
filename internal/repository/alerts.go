package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// ErrVersionConflict 乐观并发冲突（告警已被并发修改，调用方应重读后重试）
var ErrVersionConflict = fmt.Errorf("alert version conflict")

// AlertsRepository 告警仓库
// 状态变更使用乐观并发（version 列 CAS），ack 与 escalate 并发竞争时只有一方成功
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建告警仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// AlertFilters 告警过滤条件
type AlertFilters struct {
	// 时间段过滤
	StartTime *time.Time // created_at >= StartTime
	EndTime   *time.Time // created_at <= EndTime

	// 实体过滤
	VehicleID *string
	DriverID  *string

	// 状态过滤
	AttentionState  *string
	AttentionStates []string // IN 查询
	AckStatus       *string
	Severity        *string
	Severities      []string // IN 查询

	// 归属过滤
	OwnerUserID *string
}

const alertColumns = `
	alert_id,
	tenant_id,
	event_id,
	vehicle_id,
	driver_id,
	alert_type,
	severity,
	high_risk,
	attention_state,
	ack_status,
	ack_due_at,
	resolve_due_at,
	next_escalation_at,
	escalation_level,
	escalation_count,
	owner_user_id,
	owner_contact_id,
	resolved_at,
	notified_users,
	version,
	created_at,
	updated_at
`

// scanAlert 扫描一行告警（处理可空字段和 JSONB）
func scanAlert(scanner interface {
	Scan(dest ...interface{}) error
}) (*models.Alert, error) {
	var alert models.Alert
	var driverID, attentionState, ownerUserID, ownerContactID sql.NullString
	var ackDueAt, resolveDueAt, nextEscalationAt, resolvedAt sql.NullTime
	var notifiedUsers []byte

	err := scanner.Scan(
		&alert.AlertID,
		&alert.TenantID,
		&alert.EventID,
		&alert.VehicleID,
		&driverID,
		&alert.AlertType,
		&alert.Severity,
		&alert.HighRisk,
		&attentionState,
		&alert.AckStatus,
		&ackDueAt,
		&resolveDueAt,
		&nextEscalationAt,
		&alert.EscalationLevel,
		&alert.EscalationCount,
		&ownerUserID,
		&ownerContactID,
		&resolvedAt,
		&notifiedUsers,
		&alert.Version,
		&alert.CreatedAt,
		&alert.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if driverID.Valid {
		alert.DriverID = &driverID.String
	}
	if attentionState.Valid {
		alert.AttentionState = &attentionState.String
	}
	if ownerUserID.Valid {
		alert.OwnerUserID = &ownerUserID.String
	}
	if ownerContactID.Valid {
		alert.OwnerContactID = &ownerContactID.String
	}
	if ackDueAt.Valid {
		alert.AckDueAt = &ackDueAt.Time
	}
	if resolveDueAt.Valid {
		alert.ResolveDueAt = &resolveDueAt.Time
	}
	if nextEscalationAt.Valid {
		alert.NextEscalationAt = &nextEscalationAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}
	if len(notifiedUsers) > 0 {
		alert.NotifiedUsers = string(notifiedUsers)
	} else {
		alert.NotifiedUsers = "[]"
	}

	return &alert, nil
}

// GetAlert 根据 alert_id 获取单个告警（需验证 tenant_id）
func (r *AlertsRepository) GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return nil, fmt.Errorf("alert_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE alert_id = $1
		  AND tenant_id = $2
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: alert_id=%s, tenant_id=%s", alertID, tenantID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// FindAlertByEvent 根据 event_id 查找告警（不存在时返回 nil，用于幂等探测）
func (r *AlertsRepository) FindAlertByEvent(ctx context.Context, tenantID, eventID string) (*models.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if eventID == "" {
		return nil, fmt.Errorf("event_id is required")
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE event_id = $1
		  AND tenant_id = $2
	`, alertColumns)

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, eventID, tenantID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find alert by event: %w", err)
	}

	return alert, nil
}

// CreateAlert 创建告警（需验证 tenant_id）
func (r *AlertsRepository) CreateAlert(ctx context.Context, tenantID string, alert *models.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.TenantID != tenantID {
		return fmt.Errorf("alert.tenant_id must match tenant_id parameter")
	}
	if alert.AlertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	notifiedUsers := alert.NotifiedUsers
	if notifiedUsers == "" {
		notifiedUsers = "[]"
	}

	query := `
		INSERT INTO alerts (
			alert_id,
			tenant_id,
			event_id,
			vehicle_id,
			driver_id,
			alert_type,
			severity,
			high_risk,
			attention_state,
			ack_status,
			ack_due_at,
			resolve_due_at,
			next_escalation_at,
			escalation_level,
			escalation_count,
			owner_user_id,
			owner_contact_id,
			resolved_at,
			notified_users,
			version,
			created_at,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`

	_, err := r.db.ExecContext(ctx,
		query,
		alert.AlertID,
		alert.TenantID,
		alert.EventID,
		alert.VehicleID,
		alert.DriverID,
		alert.AlertType,
		alert.Severity,
		alert.HighRisk,
		alert.AttentionState,
		alert.AckStatus,
		alert.AckDueAt,
		alert.ResolveDueAt,
		alert.NextEscalationAt,
		alert.EscalationLevel,
		alert.EscalationCount,
		alert.OwnerUserID,
		alert.OwnerContactID,
		alert.ResolvedAt,
		notifiedUsers,
		alert.Version,
		alert.CreatedAt,
		alert.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlertState 乐观并发更新告警（CAS：version 匹配才生效，成功时 version + 1）
// updates 只允许状态机相关字段
func (r *AlertsRepository) UpdateAlertState(ctx context.Context, tenantID, alertID string, version int, updates map[string]interface{}) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if len(updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	// 允许更新的字段
	allowedFields := map[string]bool{
		"attention_state":    true,
		"ack_status":         true,
		"ack_due_at":         true,
		"resolve_due_at":     true,
		"next_escalation_at": true,
		"escalation_level":   true,
		"escalation_count":   true,
		"owner_user_id":      true,
		"owner_contact_id":   true,
		"resolved_at":        true,
		"notified_users":     true,
	}

	setParts := []string{}
	args := []interface{}{}
	argN := 1

	for field, value := range updates {
		if !allowedFields[field] {
			return fmt.Errorf("field '%s' is not allowed to update", field)
		}
		setParts = append(setParts, fmt.Sprintf("%s = $%d", field, argN))
		args = append(args, value)
		argN++
	}

	setParts = append(setParts, "version = version + 1")
	setParts = append(setParts, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, alertID, tenantID, version)
	query := fmt.Sprintf(`
		UPDATE alerts
		SET %s
		WHERE alert_id = $%d
		  AND tenant_id = $%d
		  AND version = $%d
	`, strings.Join(setParts, ", "), argN, argN+1, argN+2)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update alert state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: alert_id=%s, version=%d", ErrVersionConflict, alertID, version)
	}

	return nil
}

// FindOverdueAlerts 查询需要升级的告警
// 条件：关注状态活跃（needs_attention / in_progress）且 next_escalation_at <= now；
// tenantID 为空时跨租户扫描；按 next_escalation_at 升序，限量返回（背压阀）
func (r *AlertsRepository) FindOverdueAlerts(ctx context.Context, tenantID string, now time.Time, limit int) ([]*models.Alert, error) {
	if limit <= 0 {
		limit = 100
	}

	args := []interface{}{now}
	where := []string{
		"attention_state IN ('needs_attention', 'in_progress')",
		"next_escalation_at IS NOT NULL",
		"next_escalation_at <= $1",
	}
	argN := 2

	if tenantID != "" {
		where = append(where, fmt.Sprintf("tenant_id = $%d", argN))
		args = append(args, tenantID)
		argN++
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE %s
		ORDER BY next_escalation_at ASC
		LIMIT $%d
	`, alertColumns, strings.Join(where, " AND "), argN)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate overdue alerts: %w", err)
	}

	return alerts, nil
}

// buildAlertWhereClause 构建 WHERE 子句（用于 ListAlerts / CountAlerts）
func (r *AlertsRepository) buildAlertWhereClause(tenantID string, filters AlertFilters, args *[]interface{}, argN *int) []string {
	where := []string{fmt.Sprintf("tenant_id = $%d", *argN)}
	*args = append(*args, tenantID)
	*argN++

	if filters.StartTime != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", *argN))
		*args = append(*args, *filters.StartTime)
		*argN++
	}
	if filters.EndTime != nil {
		where = append(where, fmt.Sprintf("created_at <= $%d", *argN))
		*args = append(*args, *filters.EndTime)
		*argN++
	}
	if filters.VehicleID != nil {
		where = append(where, fmt.Sprintf("vehicle_id = $%d", *argN))
		*args = append(*args, *filters.VehicleID)
		*argN++
	}
	if filters.DriverID != nil {
		where = append(where, fmt.Sprintf("driver_id = $%d", *argN))
		*args = append(*args, *filters.DriverID)
		*argN++
	}
	if filters.AttentionState != nil {
		where = append(where, fmt.Sprintf("attention_state = $%d", *argN))
		*args = append(*args, *filters.AttentionState)
		*argN++
	}
	if len(filters.AttentionStates) > 0 {
		placeholders := make([]string, len(filters.AttentionStates))
		for i := range filters.AttentionStates {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.AttentionStates[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("attention_state IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.AckStatus != nil {
		where = append(where, fmt.Sprintf("ack_status = $%d", *argN))
		*args = append(*args, *filters.AckStatus)
		*argN++
	}
	if filters.Severity != nil {
		where = append(where, fmt.Sprintf("severity = $%d", *argN))
		*args = append(*args, *filters.Severity)
		*argN++
	}
	if len(filters.Severities) > 0 {
		placeholders := make([]string, len(filters.Severities))
		for i := range filters.Severities {
			placeholders[i] = fmt.Sprintf("$%d", *argN)
			*args = append(*args, filters.Severities[i])
			*argN++
		}
		where = append(where, fmt.Sprintf("severity IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.OwnerUserID != nil {
		where = append(where, fmt.Sprintf("owner_user_id = $%d", *argN))
		*args = append(*args, *filters.OwnerUserID)
		*argN++
	}

	return where
}

// ListAlerts 列表查询（支持多条件过滤、分页）
func (r *AlertsRepository) ListAlerts(ctx context.Context, tenantID string, filters AlertFilters, page, size int) ([]*models.Alert, int, error) {
	if tenantID == "" {
		return []*models.Alert{}, 0, nil
	}

	args := []interface{}{}
	argN := 1
	where := r.buildAlertWhereClause(tenantID, filters, &args, &argN)
	whereClause := "WHERE " + strings.Join(where, " AND ")

	// 计算总数
	var total int
	queryCount := fmt.Sprintf(`SELECT COUNT(*) FROM alerts %s`, whereClause)
	if err := r.db.QueryRowContext(ctx, queryCount, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count alerts: %w", err)
	}

	// 分页处理
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, alertColumns, whereClause, len(args)+1, len(args)+2)
	args = append(args, size, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, total, nil
}
