package models

import (
	"time"
)

// 事故类型
const (
	IncidentTypeCollision = "collision"
	IncidentTypeEmergency = "emergency"
	IncidentTypePattern   = "pattern"
)

// 事故状态
const (
	IncidentStatusOpen     = "open"
	IncidentStatusResolved = "resolved"
)

// 关联类型
const (
	CorrelationCausal   = "causal"
	CorrelationTemporal = "temporal"
	CorrelationPattern  = "pattern"
)

// Incident 事故（一组关联的安全事件，对应 incidents 表）
// 不变式：severity 始终等于所有已关联事件的最高严重级别
type Incident struct {
	IncidentID     string    `json:"incident_id" db:"incident_id"`
	TenantID       string    `json:"tenant_id" db:"tenant_id"`
	IncidentType   string    `json:"incident_type" db:"incident_type"` // collision, emergency, pattern
	PrimaryEventID string    `json:"primary_event_id" db:"primary_event_id"`
	Severity       string    `json:"severity" db:"severity"`
	Status         string    `json:"status" db:"status"` // open, resolved
	DetectedAt     time.Time `json:"detected_at" db:"detected_at"`
	Summary        string    `json:"summary" db:"summary"`
	Metadata       string    `json:"metadata" db:"metadata"` // JSONB（pattern 名称、成员数量、关联类型）
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// IncidentMetadata 事故元数据（JSONB 结构）
type IncidentMetadata struct {
	PatternName     string `json:"pattern_name,omitempty"`
	MemberCount     int    `json:"member_count"`
	CorrelationType string `json:"correlation_type"`
}

// Correlation 事故与安全事件之间的关联边（对应 incident_correlations 表）
// 创建后不可变
type Correlation struct {
	IncidentID          string    `json:"incident_id" db:"incident_id"`
	EventID             string    `json:"event_id" db:"event_id"`
	CorrelationType     string    `json:"correlation_type" db:"correlation_type"` // causal, temporal, pattern
	CorrelationStrength float64   `json:"correlation_strength" db:"correlation_strength"`
	TimeDeltaSeconds    int64     `json:"time_delta_seconds" db:"time_delta_seconds"` // 有符号，配对事件早于触发事件时为负
	DetectedBy          string    `json:"detected_by" db:"detected_by"`               // rule, manual
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
