package repository

import (
	"context"
	"database/sql"
	"fmt"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// ContactsRepository 联系人仓库
// 按角色解析通知接收人，回退链：车辆专属 → 司机专属 → 租户默认全局 → 任意活跃全局
type ContactsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewContactsRepository 创建联系人仓库
func NewContactsRepository(db *sql.DB, logger *zap.Logger) *ContactsRepository {
	return &ContactsRepository{
		db:     db,
		logger: logger,
	}
}

// contactRoles 需要解析的联系人角色（operator 单独从司机目录解析）
var contactRoles = []string{"monitoring_team", "supervisor", "emergency", "dispatch"}

// Resolve 解析告警的联系人集合
func (r *ContactsRepository) Resolve(ctx context.Context, tenantID string, vehicleID, driverID *string) (*models.ContactSet, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	set := &models.ContactSet{}

	// operator 从司机目录解析，而非通用联系人表
	if driverID != nil && *driverID != "" {
		operator, err := r.resolveOperator(ctx, tenantID, *driverID)
		if err != nil {
			return nil, err
		}
		set.Operator = operator
	}

	for _, role := range contactRoles {
		contact, err := r.resolveRole(ctx, tenantID, role, vehicleID, driverID)
		if err != nil {
			return nil, err
		}
		switch role {
		case "monitoring_team":
			set.MonitoringTeam = contact
		case "supervisor":
			set.Supervisor = contact
		case "emergency":
			set.Emergency = contact
		case "dispatch":
			set.Dispatch = contact
		}
	}

	return set, nil
}

// resolveRole 按回退链解析单个角色的联系人
// 排序优先级：车辆专属(0) → 司机专属(1) → 租户默认全局(2) → 任意活跃全局(3)，同级按 priority 升序
func (r *ContactsRepository) resolveRole(ctx context.Context, tenantID, role string, vehicleID, driverID *string) (*models.Contact, error) {
	vID := ""
	if vehicleID != nil {
		vID = *vehicleID
	}
	dID := ""
	if driverID != nil {
		dID = *driverID
	}

	query := `
		SELECT
			contact_id,
			tenant_id,
			role,
			name,
			phone,
			whatsapp,
			email,
			priority
		FROM alert_contacts
		WHERE tenant_id = $1
		  AND role = $2
		  AND active = true
		  AND (
		      vehicle_id = NULLIF($3, '')
		      OR driver_id = NULLIF($4, '')
		      OR is_global = true
		  )
		ORDER BY
			CASE
				WHEN vehicle_id = NULLIF($3, '') THEN 0
				WHEN driver_id = NULLIF($4, '') THEN 1
				WHEN is_global = true AND is_default = true THEN 2
				ELSE 3
			END,
			priority ASC
		LIMIT 1
	`

	var contact models.Contact
	var phone, whatsapp, email sql.NullString
	err := r.db.QueryRowContext(ctx, query, tenantID, role, vID, dID).Scan(
		&contact.ContactID,
		&contact.TenantID,
		&contact.Role,
		&contact.Name,
		&phone,
		&whatsapp,
		&email,
		&contact.Priority,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // 该角色无可用联系人
		}
		return nil, fmt.Errorf("failed to resolve contact for role %s: %w", role, err)
	}

	if phone.Valid {
		contact.Phone = &phone.String
	}
	if whatsapp.Valid {
		contact.Whatsapp = &whatsapp.String
	}
	if email.Valid {
		contact.Email = &email.String
	}

	return &contact, nil
}

// resolveOperator 从司机目录解析 operator 联系人
func (r *ContactsRepository) resolveOperator(ctx context.Context, tenantID, driverID string) (*models.Contact, error) {
	query := `
		SELECT
			driver_id,
			name,
			phone,
			whatsapp
		FROM drivers
		WHERE tenant_id = $1
		  AND driver_id = $2
		  AND active = true
	`

	var contact models.Contact
	var phone, whatsapp sql.NullString
	err := r.db.QueryRowContext(ctx, query, tenantID, driverID).Scan(
		&contact.ContactID,
		&contact.Name,
		&phone,
		&whatsapp,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve operator: %w", err)
	}

	contact.TenantID = tenantID
	contact.Role = "operator"
	if phone.Valid {
		contact.Phone = &phone.String
	}
	if whatsapp.Valid {
		contact.Whatsapp = &whatsapp.String
	}

	return &contact, nil
}
