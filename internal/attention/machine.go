package attention

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fleetwatch-correlation/internal/events"
	"fleetwatch-correlation/internal/models"
	"fleetwatch-correlation/internal/notify"

	"go.uber.org/zap"
)

// FeatureAttentionEngine 关注引擎的租户特性开关
const FeatureAttentionEngine = "attention_engine"

// maxEscalationLevel 升级层级上限（0..2）
const maxEscalationLevel = 2

// AlertStore 告警持久化接口（由 repository 层实现，CAS 语义）
type AlertStore interface {
	GetAlert(ctx context.Context, tenantID, alertID string) (*models.Alert, error)
	UpdateAlertState(ctx context.Context, tenantID, alertID string, version int, updates map[string]interface{}) error
	FindOverdueAlerts(ctx context.Context, tenantID string, now time.Time, limit int) ([]*models.Alert, error)
}

// PolicyStore 租户策略查询接口
type PolicyStore interface {
	GetSLAPolicy(ctx context.Context, tenantID, severity string) (*models.SLAPolicy, error)
	GetEscalationPolicy(ctx context.Context, tenantID string) (*models.EscalationPolicy, error)
	GetEscalationMatrix(ctx context.Context, tenantID string) (models.EscalationMatrix, error)
}

// ContactResolver 联系人解析接口
type ContactResolver interface {
	Resolve(ctx context.Context, tenantID string, vehicleID, driverID *string) (*models.ContactSet, error)
}

// Dispatcher 通知分发接口
type Dispatcher interface {
	Dispatch(ctx context.Context, n *notify.Notification) (*notify.Decision, error)
}

// Emitter 领域事件发射接口（尽力而为）
type Emitter interface {
	Emit(ctx context.Context, event events.DomainEvent)
}

// FeatureChecker 租户特性开关接口
type FeatureChecker interface {
	IsEnabled(ctx context.Context, tenantID, flag string) (bool, error)
}

// Machine 告警关注状态机
// 生命周期：null → needs_attention → in_progress → closed，单向推进；
// 升级计时器是持久化的 next_escalation_at 列，由外部调度器轮询，进程重启不丢失
type Machine struct {
	alerts     AlertStore
	policies   PolicyStore
	contacts   ContactResolver
	dispatcher Dispatcher
	emitter    Emitter
	features   FeatureChecker
	batchSize  int
	logger     *zap.Logger
}

// NewMachine 创建关注状态机
func NewMachine(
	alerts AlertStore,
	policies PolicyStore,
	contacts ContactResolver,
	dispatcher Dispatcher,
	emitter Emitter,
	features FeatureChecker,
	batchSize int,
	logger *zap.Logger,
) *Machine {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Machine{
		alerts:     alerts,
		policies:   policies,
		contacts:   contacts,
		dispatcher: dispatcher,
		emitter:    emitter,
		features:   features,
		batchSize:  batchSize,
		logger:     logger,
	}
}

// warrantsAttention 判定告警是否需要人工关注
// 条件：严重级别 critical，或上游风险评估的高风险标记
func warrantsAttention(alert *models.Alert) bool {
	return alert.Severity == models.SeverityCritical || alert.HighRisk
}

// InitializeAttention 初始化告警的关注跟踪（幂等）
// 已跟踪或不满足关注条件时为 no-op；首次调用按租户 SLA 设置截止时间和升级计时器
func (m *Machine) InitializeAttention(ctx context.Context, tenantID, alertID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	enabled, err := m.features.IsEnabled(ctx, tenantID, FeatureAttentionEngine)
	if err != nil {
		return fmt.Errorf("failed to check feature flag: %w", err)
	}
	if !enabled {
		m.logger.Debug("Attention engine disabled for tenant",
			zap.String("tenant_id", tenantID),
			zap.String("alert_id", alertID),
		)
		return nil
	}

	alert, err := m.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to get alert: %w", err)
	}

	// 幂等：已在跟踪中直接返回
	if alert.AttentionState != nil {
		m.logger.Debug("Alert already under attention tracking",
			zap.String("alert_id", alertID),
			zap.String("attention_state", *alert.AttentionState),
		)
		return nil
	}
	if !warrantsAttention(alert) {
		m.logger.Debug("Alert does not warrant attention",
			zap.String("alert_id", alertID),
			zap.String("severity", alert.Severity),
		)
		return nil
	}

	// 租户 SLA / 升级策略（无配置回退内置默认值）
	sla, err := m.policies.GetSLAPolicy(ctx, tenantID, alert.Severity)
	if err != nil {
		return fmt.Errorf("failed to get sla policy: %w", err)
	}
	if sla == nil {
		sla = models.DefaultSLAPolicy(tenantID, alert.Severity)
	}
	escPolicy, err := m.policies.GetEscalationPolicy(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to get escalation policy: %w", err)
	}
	if escPolicy == nil {
		escPolicy = models.DefaultEscalationPolicy(tenantID)
	}

	now := time.Now()
	updates := map[string]interface{}{
		"attention_state":    models.AttentionNeedsAttention,
		"ack_status":         models.AckPending,
		"ack_due_at":         now.Add(time.Duration(sla.AckMinutes) * time.Minute),
		"resolve_due_at":     now.Add(time.Duration(sla.ResolveMinutes) * time.Minute),
		"next_escalation_at": now.Add(time.Duration(escPolicy.EscalationIntervalMinutes) * time.Minute),
		"escalation_level":   0,
		"escalation_count":   0,
	}

	if err := m.alerts.UpdateAlertState(ctx, tenantID, alertID, alert.Version, updates); err != nil {
		return fmt.Errorf("failed to initialize attention: %w", err)
	}

	m.logger.Info("Attention tracking initialized",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("severity", alert.Severity),
		zap.Int("ack_minutes", sla.AckMinutes),
		zap.Int("escalation_interval_minutes", escPolicy.EscalationIntervalMinutes),
	)

	// 领域事件为侧信道，发射失败不影响主流程
	m.emitter.Emit(ctx, events.DomainEvent{
		EntityType: "alert",
		EntityID:   alertID,
		EventType:  "attention.initialized",
		ActorType:  "system",
		Payload: map[string]interface{}{
			"tenant_id": tenantID,
			"severity":  alert.Severity,
		},
	})

	return nil
}

// Acknowledge 确认告警（停止升级时钟）
// 已确认时为 no-op；needs_attention → in_progress
func (m *Machine) Acknowledge(ctx context.Context, tenantID, alertID, userID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if userID == "" {
		return fmt.Errorf("user_id is required")
	}

	alert, err := m.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to get alert: %w", err)
	}

	if alert.AckStatus == models.AckAcked {
		m.logger.Debug("Alert already acknowledged",
			zap.String("alert_id", alertID),
		)
		return nil
	}
	if !CanTransition(alert.AttentionState, models.AttentionInProgress) {
		m.logger.Debug("Acknowledge skipped: invalid state transition",
			zap.String("alert_id", alertID),
		)
		return nil
	}

	updates := map[string]interface{}{
		"ack_status":         models.AckAcked,
		"attention_state":    models.AttentionInProgress,
		"next_escalation_at": nil,
	}
	if err := m.alerts.UpdateAlertState(ctx, tenantID, alertID, alert.Version, updates); err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	m.logger.Info("Alert acknowledged",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("user_id", userID),
	)

	// 人工操作审计（失败吞掉，仅记警告）
	m.emitter.Emit(ctx, events.DomainEvent{
		EntityType: "alert",
		EntityID:   alertID,
		EventType:  "attention.acknowledged",
		ActorType:  "user",
		ActorID:    userID,
		Payload:    map[string]interface{}{"tenant_id": tenantID},
	})

	return nil
}

// AssignOwner 指派负责人（纯元数据更新，不影响计时器）
func (m *Machine) AssignOwner(ctx context.Context, tenantID, alertID string, userID, contactID *string, actorID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}
	if actorID == "" {
		return fmt.Errorf("actor_id is required")
	}

	alert, err := m.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to get alert: %w", err)
	}

	updates := map[string]interface{}{
		"owner_user_id":    userID,
		"owner_contact_id": contactID,
	}
	if err := m.alerts.UpdateAlertState(ctx, tenantID, alertID, alert.Version, updates); err != nil {
		return fmt.Errorf("failed to assign owner: %w", err)
	}

	m.logger.Info("Alert owner assigned",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("actor_id", actorID),
	)

	m.emitter.Emit(ctx, events.DomainEvent{
		EntityType: "alert",
		EntityID:   alertID,
		EventType:  "attention.owner_assigned",
		ActorType:  "user",
		ActorID:    actorID,
		Payload:    map[string]interface{}{"tenant_id": tenantID},
	})

	return nil
}

// CloseAttention 关闭关注跟踪（终态）
// 已关闭时为 no-op；记录 resolved_at 并清除升级时钟
func (m *Machine) CloseAttention(ctx context.Context, tenantID, alertID, userID, reason string) error {
	if tenantID == "" {
		return fmt.Errorf("tenant_id is required")
	}
	if alertID == "" {
		return fmt.Errorf("alert_id is required")
	}

	alert, err := m.alerts.GetAlert(ctx, tenantID, alertID)
	if err != nil {
		return fmt.Errorf("failed to get alert: %w", err)
	}

	if alert.AttentionState != nil && *alert.AttentionState == models.AttentionClosed {
		m.logger.Debug("Alert already closed",
			zap.String("alert_id", alertID),
		)
		return nil
	}

	updates := map[string]interface{}{
		"attention_state":    models.AttentionClosed,
		"resolved_at":        time.Now(),
		"next_escalation_at": nil,
	}
	if err := m.alerts.UpdateAlertState(ctx, tenantID, alertID, alert.Version, updates); err != nil {
		return fmt.Errorf("failed to close attention: %w", err)
	}

	m.logger.Info("Attention closed",
		zap.String("tenant_id", tenantID),
		zap.String("alert_id", alertID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
	)

	m.emitter.Emit(ctx, events.DomainEvent{
		EntityType: "alert",
		EntityID:   alertID,
		EventType:  "attention.closed",
		ActorType:  "user",
		ActorID:    userID,
		Payload: map[string]interface{}{
			"tenant_id": tenantID,
			"reason":    reason,
		},
	})

	return nil
}

// Escalate 执行一次升级（仅对已过 next_escalation_at 的告警调用）
// 达到 max_escalations 时清除升级时钟并返回（终止条件，不是错误）；
// 状态推进先于通知提交：联系人解析失败只跳过发送，升级进度不受阻塞
func (m *Machine) Escalate(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}

	escPolicy, err := m.policies.GetEscalationPolicy(ctx, alert.TenantID)
	if err != nil {
		return fmt.Errorf("failed to get escalation policy: %w", err)
	}
	if escPolicy == nil {
		escPolicy = models.DefaultEscalationPolicy(alert.TenantID)
	}

	// 终止条件：升级次数已达上限，停表
	if alert.EscalationCount >= escPolicy.MaxEscalations {
		updates := map[string]interface{}{
			"next_escalation_at": nil,
		}
		if err := m.alerts.UpdateAlertState(ctx, alert.TenantID, alert.AlertID, alert.Version, updates); err != nil {
			return fmt.Errorf("failed to stop escalation clock: %w", err)
		}
		m.logger.Info("Escalation limit reached, clock stopped",
			zap.String("alert_id", alert.AlertID),
			zap.Int("escalation_count", alert.EscalationCount),
		)
		return nil
	}

	newLevel := alert.EscalationLevel + 1
	if newLevel > maxEscalationLevel {
		newLevel = maxEscalationLevel
	}
	newCount := alert.EscalationCount + 1
	now := time.Now()

	updates := map[string]interface{}{
		"escalation_level":   newLevel,
		"escalation_count":   newCount,
		"next_escalation_at": now.Add(time.Duration(escPolicy.EscalationIntervalMinutes) * time.Minute),
	}
	if err := m.alerts.UpdateAlertState(ctx, alert.TenantID, alert.AlertID, alert.Version, updates); err != nil {
		return fmt.Errorf("failed to advance escalation state: %w", err)
	}

	m.logger.Info("Alert escalated",
		zap.String("tenant_id", alert.TenantID),
		zap.String("alert_id", alert.AlertID),
		zap.Int("escalation_level", newLevel),
		zap.Int("escalation_count", newCount),
	)

	m.emitter.Emit(ctx, events.DomainEvent{
		EntityType: "alert",
		EntityID:   alert.AlertID,
		EventType:  "attention.escalated",
		ActorType:  "system",
		Payload: map[string]interface{}{
			"tenant_id":        alert.TenantID,
			"escalation_level": newLevel,
			"escalation_count": newCount,
		},
	})

	// 状态已提交，之后的通知失败只跳过发送
	m.dispatchEscalationNotice(ctx, alert, newLevel, newCount)

	return nil
}

// dispatchEscalationNotice 解析升级矩阵和联系人，分发升级通知
// 任何失败都只记日志：升级进度不因通知问题回退
func (m *Machine) dispatchEscalationNotice(ctx context.Context, alert *models.Alert, level, count int) {
	tier := deriveTier(alert)
	notifLevel := models.NotificationLevelForTier(tier)

	matrix, err := m.policies.GetEscalationMatrix(ctx, alert.TenantID)
	if err != nil {
		m.logger.Warn("Failed to load escalation matrix, using defaults",
			zap.String("tenant_id", alert.TenantID),
			zap.Error(err),
		)
		matrix = nil
	}
	if matrix == nil {
		matrix = models.DefaultEscalationMatrix()
	}
	matrixTier, ok := matrix[tier]
	if !ok {
		matrixTier, ok = models.DefaultEscalationMatrix()[tier]
		if !ok {
			// 未识别的层级键按 call 处理（通知级别已默认 high）
			matrixTier = models.DefaultEscalationMatrix()[models.TierCall]
		}
	}

	set, err := m.contacts.Resolve(ctx, alert.TenantID, &alert.VehicleID, alert.DriverID)
	if err != nil {
		m.logger.Warn("Failed to resolve contacts, escalation notice skipped",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}

	recipients := filterRecipients(set, matrixTier.Roles)
	if len(recipients) == 0 {
		m.logger.Warn("No reachable contacts resolved, escalation notice skipped",
			zap.String("tenant_id", alert.TenantID),
			zap.String("alert_id", alert.AlertID),
			zap.String("tier", tier),
		)
		return
	}

	notification := &notify.Notification{
		TenantID: alert.TenantID,
		AlertID:  alert.AlertID,
		// 每次升级独立去重：同一步永不重发，不同步互不抑制
		DedupeKey:  fmt.Sprintf("escalation-%s-%d", alert.AlertID, count),
		Level:      notifLevel,
		Message:    buildEscalationMessage(alert, notifLevel, count),
		Channels:   matrixTier.Channels,
		Recipients: recipients,
		VehicleID:  &alert.VehicleID,
		DriverID:   alert.DriverID,
	}

	decision, err := m.dispatcher.Dispatch(ctx, notification)
	if err != nil {
		m.logger.Warn("Escalation notice dispatch failed",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return
	}

	if decision.ShouldSend {
		m.recordNotifiedContacts(ctx, alert, recipients)
	}
}

// recordNotifiedContacts 将本次通知的联系人记入告警（尽力而为）
func (m *Machine) recordNotifiedContacts(ctx context.Context, alert *models.Alert, recipients []*models.Contact) {
	var notified []string
	if err := json.Unmarshal([]byte(alert.NotifiedUsers), &notified); err != nil {
		notified = []string{}
	}
	for _, c := range recipients {
		notified = append(notified, c.ContactID)
	}
	data, err := json.Marshal(notified)
	if err != nil {
		return
	}

	// Escalate 已提交过一次状态，版本号前移一位
	updates := map[string]interface{}{
		"notified_users": string(data),
	}
	if err := m.alerts.UpdateAlertState(ctx, alert.TenantID, alert.AlertID, alert.Version+1, updates); err != nil {
		m.logger.Debug("Failed to record notified contacts",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
	}
}

// CheckAndEscalateOverdue 批量升级逾期告警
// tenantID 为空时跨租户扫描；单个告警失败不中断批次；返回成功升级的数量
func (m *Machine) CheckAndEscalateOverdue(ctx context.Context, tenantID string) (int, error) {
	alerts, err := m.alerts.FindOverdueAlerts(ctx, tenantID, time.Now(), m.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find overdue alerts: %w", err)
	}

	escalated := 0
	for _, alert := range alerts {
		enabled, err := m.features.IsEnabled(ctx, alert.TenantID, FeatureAttentionEngine)
		if err != nil {
			m.logger.Error("Failed to check feature flag for tenant",
				zap.String("tenant_id", alert.TenantID),
				zap.Error(err),
			)
			continue
		}
		if !enabled {
			continue
		}

		if err := m.Escalate(ctx, alert); err != nil {
			m.logger.Error("Failed to escalate alert",
				zap.String("tenant_id", alert.TenantID),
				zap.String("alert_id", alert.AlertID),
				zap.Error(err),
			)
			continue
		}
		escalated++
	}

	if len(alerts) > 0 {
		m.logger.Info("Overdue escalation batch complete",
			zap.Int("selected", len(alerts)),
			zap.Int("escalated", escalated),
		)
	}

	return escalated, nil
}

// deriveTier 由告警严重级别/风险推导升级层级键
func deriveTier(alert *models.Alert) string {
	switch {
	case alert.Severity == models.SeverityCritical || alert.HighRisk:
		return models.TierEmergency
	case alert.Severity == models.SeverityWarning:
		return models.TierCall
	case alert.Severity == models.SeverityInfo:
		return models.TierWarn
	default:
		return models.TierMonitor
	}
}

// filterRecipients 按矩阵角色过滤出可触达的联系人
func filterRecipients(set *models.ContactSet, roles []string) []*models.Contact {
	wanted := make(map[string]bool, len(roles))
	for _, role := range roles {
		wanted[role] = true
	}

	var recipients []*models.Contact
	for _, c := range set.All() {
		if wanted[c.Role] && c.Reachable() {
			recipients = append(recipients, c)
		}
	}
	return recipients
}

// buildEscalationMessage 生成升级通知文案
func buildEscalationMessage(alert *models.Alert, level string, count int) string {
	return fmt.Sprintf("[%s] %s alert on vehicle %s requires attention (escalation #%d)",
		strings.ToUpper(level), alert.AlertType, alert.VehicleID, count)
}
