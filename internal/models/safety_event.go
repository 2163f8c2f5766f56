package models

import (
	"time"
)

// 事件严重级别（info < warning < critical）
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// severityRank 严重级别排序（用于 max 聚合）
var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityCritical: 2,
}

// SeverityRank 返回严重级别的排序值（未知级别返回 -1）
func SeverityRank(severity string) int {
	if rank, ok := severityRank[severity]; ok {
		return rank
	}
	return -1
}

// MaxSeverity 返回两个严重级别中较高的一个
func MaxSeverity(a, b string) string {
	if SeverityRank(b) > SeverityRank(a) {
		return b
	}
	return a
}

// SafetyEvent 安全事件（对应 safety_events 表）
// 由摄取层创建；关联后只会更新 incident_id 和 is_primary_event，永不删除（审计要求）
type SafetyEvent struct {
	EventID        string    `json:"event_id" db:"event_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	VehicleID      string    `json:"vehicle_id" db:"vehicle_id"`
	DriverID       *string   `json:"driver_id,omitempty" db:"driver_id"`
	EventType      string    `json:"event_type" db:"event_type"`
	Severity       string    `json:"severity" db:"severity"` // info, warning, critical
	OccurredAt     time.Time `json:"occurred_at" db:"occurred_at"`
	IncidentID     *string   `json:"incident_id,omitempty" db:"incident_id"`
	IsPrimaryEvent bool      `json:"is_primary_event" db:"is_primary_event"`
	Metadata       string    `json:"metadata" db:"metadata"` // JSONB
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}
