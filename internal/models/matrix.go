package models

// 通知通道
const (
	ChannelVoice = "voice"
	ChannelSMS   = "sms"
	ChannelChat  = "chat"
)

// 升级层级键（由告警类型/严重级别推导）
const (
	TierEmergency = "emergency"
	TierCall      = "call"
	TierWarn      = "warn"
	TierMonitor   = "monitor"
)

// MatrixTier 升级矩阵中单个层级的通知配置
type MatrixTier struct {
	Channels []string `json:"channels"`
	Roles    []string `json:"roles"`
}

// EscalationMatrix 升级矩阵：层级键 → 通知配置
// 租户可整体覆盖；缺失时使用 DefaultEscalationMatrix
type EscalationMatrix map[string]MatrixTier

// DefaultEscalationMatrix 内置默认升级矩阵
func DefaultEscalationMatrix() EscalationMatrix {
	return EscalationMatrix{
		TierEmergency: {
			Channels: []string{ChannelVoice, ChannelSMS, ChannelChat},
			Roles:    []string{"emergency", "monitoring_team", "supervisor"},
		},
		TierCall: {
			Channels: []string{ChannelVoice, ChannelChat},
			Roles:    []string{"monitoring_team", "supervisor"},
		},
		TierWarn: {
			Channels: []string{ChannelChat},
			Roles:    []string{"monitoring_team", "operator"},
		},
		TierMonitor: {
			Channels: []string{},
			Roles:    []string{},
		},
	}
}

// tierNotificationLevels 层级键 → 通知级别标签
var tierNotificationLevels = map[string]string{
	TierEmergency: "critical",
	TierCall:      "high",
	TierWarn:      "low",
	TierMonitor:   "none",
}

// NotificationLevelForTier 层级键对应的通知级别标签（未知层级默认 "high"）
func NotificationLevelForTier(tier string) string {
	if level, ok := tierNotificationLevels[tier]; ok {
		return level
	}
	return "high"
}
