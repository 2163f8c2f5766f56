package models

// SLAPolicy 租户 SLA 策略（按严重级别查找，对应 tenant_sla_policies 表）
type SLAPolicy struct {
	TenantID       string `json:"tenant_id" db:"tenant_id"`
	Severity       string `json:"severity" db:"severity"`
	AckMinutes     int    `json:"ack_minutes" db:"ack_minutes"`
	ResolveMinutes int    `json:"resolve_minutes" db:"resolve_minutes"`
}

// EscalationPolicy 租户升级策略（对应 tenant_escalation_policies 表）
type EscalationPolicy struct {
	TenantID                  string `json:"tenant_id" db:"tenant_id"`
	MaxEscalations            int    `json:"max_escalations" db:"max_escalations"`
	EscalationIntervalMinutes int    `json:"escalation_interval_minutes" db:"escalation_interval_minutes"`
}

// 租户无配置时的兜底默认值
const (
	DefaultAckMinutes                = 60
	DefaultResolveMinutes            = 1440
	DefaultMaxEscalations            = 3
	DefaultEscalationIntervalMinutes = 10
)

// DefaultSLAPolicy 返回默认 SLA 策略
func DefaultSLAPolicy(tenantID, severity string) *SLAPolicy {
	return &SLAPolicy{
		TenantID:       tenantID,
		Severity:       severity,
		AckMinutes:     DefaultAckMinutes,
		ResolveMinutes: DefaultResolveMinutes,
	}
}

// DefaultEscalationPolicy 返回默认升级策略
func DefaultEscalationPolicy(tenantID string) *EscalationPolicy {
	return &EscalationPolicy{
		TenantID:                  tenantID,
		MaxEscalations:            DefaultMaxEscalations,
		EscalationIntervalMinutes: DefaultEscalationIntervalMinutes,
	}
}

// Contact 联系人（告警通知的接收方）
type Contact struct {
	ContactID string  `json:"contact_id" db:"contact_id"`
	TenantID  string  `json:"tenant_id" db:"tenant_id"`
	Role      string  `json:"role" db:"role"` // operator, monitoring_team, supervisor, emergency, dispatch
	Name      string  `json:"name" db:"name"`
	Phone     *string `json:"phone,omitempty" db:"phone"`
	Whatsapp  *string `json:"whatsapp,omitempty" db:"whatsapp"`
	Email     *string `json:"email,omitempty" db:"email"`
	Priority  int     `json:"priority" db:"priority"`
}

// Reachable 判断联系人是否有可用的通知通道（电话或聊天句柄）
func (c *Contact) Reachable() bool {
	if c.Phone != nil && *c.Phone != "" {
		return true
	}
	if c.Whatsapp != nil && *c.Whatsapp != "" {
		return true
	}
	return false
}

// ContactSet 按角色解析出的联系人集合
type ContactSet struct {
	Operator       *Contact `json:"operator,omitempty"`
	MonitoringTeam *Contact `json:"monitoring_team,omitempty"`
	Supervisor     *Contact `json:"supervisor,omitempty"`
	Emergency      *Contact `json:"emergency,omitempty"`
	Dispatch       *Contact `json:"dispatch,omitempty"`
}

// All 返回集合中非空的联系人列表
func (s *ContactSet) All() []*Contact {
	var contacts []*Contact
	for _, c := range []*Contact{s.Operator, s.MonitoringTeam, s.Supervisor, s.Emergency, s.Dispatch} {
		if c != nil {
			contacts = append(contacts, c)
		}
	}
	return contacts
}
