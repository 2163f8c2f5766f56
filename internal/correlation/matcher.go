package correlation

import (
	"context"
	"fmt"
	"time"

	"fleetwatch-correlation/internal/models"

	"go.uber.org/zap"
)

// EventStore 安全事件查询接口（由 repository 层实现）
type EventStore interface {
	// FindNeighbors 查询同租户同车辆、尚未关联事故、时间窗口内的事件（按 occurred_at 升序，不含自身）
	FindNeighbors(ctx context.Context, tenantID, vehicleID, excludeEventID string, from, to time.Time) ([]*models.SafetyEvent, error)
}

// Matcher 模式匹配器
// 按固定优先级评估关联规则：collision > emergency > pattern，首个命中即返回
type Matcher struct {
	store     EventStore
	incidents *IncidentManager
	rules     *RuleSet
	window    time.Duration // 邻近事件查询窗口（±）
	logger    *zap.Logger
}

// NewMatcher 创建模式匹配器
func NewMatcher(store EventStore, incidents *IncidentManager, rules *RuleSet, windowMinutes int, logger *zap.Logger) *Matcher {
	return &Matcher{
		store:     store,
		incidents: incidents,
		rules:     rules,
		window:    time.Duration(windowMinutes) * time.Minute,
		logger:    logger,
	}
}

// CheckCorrelations 对新事件评估关联规则，命中时创建事故
// 前置条件：事件尚未关联事故；已关联的事件直接返回 nil（no-op，不是错误）
func (m *Matcher) CheckCorrelations(ctx context.Context, event *models.SafetyEvent) (*models.Incident, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if event.IncidentID != nil {
		m.logger.Debug("Event already linked to incident, skipping correlation check",
			zap.String("event_id", event.EventID),
			zap.String("incident_id", *event.IncidentID),
		)
		return nil, nil
	}

	// 查询邻近事件（±窗口，时间升序）
	from := event.OccurredAt.Add(-m.window)
	to := event.OccurredAt.Add(m.window)
	neighbors, err := m.store.FindNeighbors(ctx, event.TenantID, event.VehicleID, event.EventID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to find neighbor events: %w", err)
	}
	if len(neighbors) == 0 {
		return nil, nil
	}

	// 固定优先级评估，首个命中即停止
	if incident, err := m.matchPaired(ctx, event, neighbors, m.rules.Collision, models.IncidentTypeCollision); incident != nil || err != nil {
		return incident, err
	}
	if incident, err := m.matchPaired(ctx, event, neighbors, m.rules.Emergency, models.IncidentTypeEmergency); incident != nil || err != nil {
		return incident, err
	}
	return m.matchFrequency(ctx, event, neighbors, m.rules.Pattern)
}

// matchPaired 评估配对规则
// 候选事件须归一到规则的任一侧；按时间顺序扫描邻近事件，找到另一侧且间隔合规的第一个事件
func (m *Matcher) matchPaired(
	ctx context.Context,
	event *models.SafetyEvent,
	neighbors []*models.SafetyEvent,
	rules []PairedRule,
	incidentType string,
) (*models.Incident, error) {
	candidateType := Normalize(event.EventType)

	for _, rule := range rules {
		var otherSide string
		switch candidateType {
		case rule.Type:
			otherSide = rule.PairedWith
		case rule.PairedWith:
			otherSide = rule.Type
		default:
			continue
		}

		for _, neighbor := range neighbors {
			if Normalize(neighbor.EventType) != otherSide {
				continue
			}
			gap := event.OccurredAt.Sub(neighbor.OccurredAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > time.Duration(rule.MaxGapSeconds)*time.Second {
				continue
			}

			// 主事件取规则 type 侧，配对事件作为关联成员
			primary, related := event, neighbor
			if candidateType != rule.Type {
				primary, related = neighbor, event
			}

			m.logger.Debug("Paired rule matched",
				zap.String("rule", rule.Name),
				zap.String("primary_event_id", primary.EventID),
				zap.String("related_event_id", related.EventID),
			)

			incident, err := m.incidents.CreateIncident(ctx, primary,
				[]*models.SafetyEvent{related}, incidentType, models.CorrelationCausal, rule.Name)
			if err != nil {
				return nil, err
			}
			return incident, nil
		}
	}

	return nil, nil
}

// matchFrequency 评估频次规则
// 候选事件须归一到规则类型；统计窗口内同类事件数（含候选自身），达到阈值时关联全部匹配事件
func (m *Matcher) matchFrequency(
	ctx context.Context,
	event *models.SafetyEvent,
	neighbors []*models.SafetyEvent,
	rules []FrequencyRule,
) (*models.Incident, error) {
	candidateType := Normalize(event.EventType)

	for _, rule := range rules {
		if candidateType != rule.Type {
			continue
		}

		window := time.Duration(rule.WindowMinutes) * time.Minute
		from := event.OccurredAt.Add(-window)
		to := event.OccurredAt.Add(window)

		var matching []*models.SafetyEvent
		for _, neighbor := range neighbors {
			if Normalize(neighbor.EventType) != rule.Type {
				continue
			}
			if neighbor.OccurredAt.Before(from) || neighbor.OccurredAt.After(to) {
				continue
			}
			matching = append(matching, neighbor)
		}

		// 候选自身计入次数
		if len(matching)+1 < rule.MinOccurrences {
			continue
		}

		m.logger.Debug("Frequency rule matched",
			zap.String("rule", rule.Name),
			zap.String("event_id", event.EventID),
			zap.Int("occurrences", len(matching)+1),
		)

		incident, err := m.incidents.CreateIncident(ctx, event, matching,
			models.IncidentTypePattern, models.CorrelationPattern, rule.Name)
		if err != nil {
			return nil, err
		}
		return incident, nil
	}

	return nil, nil
}
