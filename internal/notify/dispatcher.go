package notify

import (
	"context"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// Notification 通知决策值（"决定发什么"与"实际发送"解耦）
type Notification struct {
	TenantID   string
	AlertID    string
	DedupeKey  string
	Level      string // critical, high, low, none
	Message    string
	Channels   []string
	Recipients []*models.Contact
	VehicleID  *string
	DriverID   *string
}

// Dispatcher 通知分发器
// 先过闸门（去重/限流），再向各通道扇出；通道失败只记日志，不重试、不回滚
type Dispatcher struct {
	gate    *Gate
	senders map[string]Sender
	logger  *zap.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(gate *Gate, senders []Sender, logger *zap.Logger) *Dispatcher {
	byChannel := make(map[string]Sender, len(senders))
	for _, s := range senders {
		byChannel[s.Channel()] = s
	}
	return &Dispatcher{
		gate:    gate,
		senders: byChannel,
		logger:  logger,
	}
}

// Dispatch 分发通知
// 返回闸门决策；监控层级（level=none）和空接收人直接跳过，不占用去重键
func (d *Dispatcher) Dispatch(ctx context.Context, n *Notification) (*Decision, error) {
	if n.Level == "none" || len(n.Channels) == 0 {
		d.logger.Debug("Notification skipped: monitor-only tier",
			zap.String("alert_id", n.AlertID),
		)
		return &Decision{ShouldSend: false, Reason: "monitor_only"}, nil
	}
	if len(n.Recipients) == 0 {
		d.logger.Warn("Notification skipped: no recipients",
			zap.String("alert_id", n.AlertID),
		)
		return &Decision{ShouldSend: false, Reason: "no_recipients"}, nil
	}

	decision, err := d.gate.ShouldSend(ctx, n.DedupeKey, n.VehicleID, n.DriverID)
	if err != nil {
		return nil, err
	}
	if !decision.ShouldSend {
		return decision, nil
	}

	sent := 0
	for _, channel := range n.Channels {
		sender, ok := d.senders[channel]
		if !ok {
			d.logger.Warn("Notification channel not configured",
				zap.String("channel", channel),
				zap.String("alert_id", n.AlertID),
			)
			continue
		}
		for _, recipient := range n.Recipients {
			if err := sender.Send(ctx, recipient, n.Message); err != nil {
				d.logger.Warn("Failed to send notification",
					zap.String("channel", channel),
					zap.String("alert_id", n.AlertID),
					zap.String("contact_id", recipient.ContactID),
					zap.Error(err),
				)
				continue
			}
			sent++
			d.logger.Info("Notification sent",
				zap.String("channel", channel),
				zap.String("alert_id", n.AlertID),
				zap.String("contact_id", recipient.ContactID),
				zap.String("level", n.Level),
			)
		}
	}

	d.logger.Debug("Notification dispatch complete",
		zap.String("alert_id", n.AlertID),
		zap.Int("deliveries", sent),
	)

	return decision, nil
}
