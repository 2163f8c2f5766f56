package models

import (
	"time"
)

// 关注状态（单向推进：null → needs_attention → in_progress → closed）
const (
	AttentionNeedsAttention = "needs_attention"
	AttentionInProgress     = "in_progress"
	AttentionClosed         = "closed"
)

// 确认状态
const (
	AckPending = "pending"
	AckAcked   = "acked"
)

// Alert 告警（人工关注跟踪实体，对应 alerts 表）
// 引用一个安全事件；首个满足条件的事件触发惰性创建；解决后逻辑关闭，不删除
type Alert struct {
	AlertID          string     `json:"alert_id" db:"alert_id"`
	TenantID         string     `json:"tenant_id" db:"tenant_id"`
	EventID          string     `json:"event_id" db:"event_id"`
	VehicleID        string     `json:"vehicle_id" db:"vehicle_id"`
	DriverID         *string    `json:"driver_id,omitempty" db:"driver_id"`
	AlertType        string     `json:"alert_type" db:"alert_type"`
	Severity         string     `json:"severity" db:"severity"`
	HighRisk         bool       `json:"high_risk" db:"high_risk"` // 上游风险评估的高风险标记
	AttentionState   *string    `json:"attention_state,omitempty" db:"attention_state"`
	AckStatus        string     `json:"ack_status" db:"ack_status"` // pending, acked
	AckDueAt         *time.Time `json:"ack_due_at,omitempty" db:"ack_due_at"`
	ResolveDueAt     *time.Time `json:"resolve_due_at,omitempty" db:"resolve_due_at"`
	NextEscalationAt *time.Time `json:"next_escalation_at,omitempty" db:"next_escalation_at"`
	EscalationLevel  int        `json:"escalation_level" db:"escalation_level"` // 0..2
	EscalationCount  int        `json:"escalation_count" db:"escalation_count"`
	OwnerUserID      *string    `json:"owner_user_id,omitempty" db:"owner_user_id"`
	OwnerContactID   *string    `json:"owner_contact_id,omitempty" db:"owner_contact_id"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	NotifiedUsers    string     `json:"notified_users" db:"notified_users"` // JSONB
	Version          int        `json:"version" db:"version"`               // 乐观并发版本号
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// AttentionActive 判断告警是否处于活跃关注状态（needs_attention 或 in_progress）
func (a *Alert) AttentionActive() bool {
	if a.AttentionState == nil {
		return false
	}
	return *a.AttentionState == AttentionNeedsAttention || *a.AttentionState == AttentionInProgress
}
