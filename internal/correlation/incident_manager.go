package correlation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fleetwatch-correlation/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// IncidentStore 事故持久化接口（由 repository 层实现）
type IncidentStore interface {
	// CreateIncidentTransactional 原子创建事故：事故行、关联行、事件回填，全部成功或全部回滚
	CreateIncidentTransactional(ctx context.Context, incident *models.Incident, primary *models.SafetyEvent, related []*models.SafetyEvent, correlations []models.Correlation) error
	// AppendCorrelation 向已有事故追加一条关联，并按需抬升事故严重级别
	AppendCorrelation(ctx context.Context, incident *models.Incident, event *models.SafetyEvent, corr models.Correlation, severity string) error
}

// IncidentManager 事故管理器
// 职责：事故创建、严重级别聚合、关联强度打分、事件与事故的关联
type IncidentManager struct {
	store  IncidentStore
	logger *zap.Logger
}

// NewIncidentManager 创建事故管理器
func NewIncidentManager(store IncidentStore, logger *zap.Logger) *IncidentManager {
	return &IncidentManager{
		store:  store,
		logger: logger,
	}
}

// CreateIncident 创建事故并关联全部成员事件（单个原子事务）
// 严重级别 = 主事件与所有相关事件严重级别的最大值
func (m *IncidentManager) CreateIncident(
	ctx context.Context,
	primary *models.SafetyEvent,
	related []*models.SafetyEvent,
	incidentType, correlationType, patternName string,
) (*models.Incident, error) {
	if primary == nil {
		return nil, fmt.Errorf("primary event is required")
	}
	if len(related) == 0 {
		return nil, fmt.Errorf("at least one related event is required")
	}

	// 严重级别聚合
	severity := primary.Severity
	for _, ev := range related {
		severity = models.MaxSeverity(severity, ev.Severity)
	}

	now := time.Now()
	metadata, err := json.Marshal(models.IncidentMetadata{
		PatternName:     patternName,
		MemberCount:     len(related) + 1,
		CorrelationType: correlationType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal incident metadata: %w", err)
	}

	incident := &models.Incident{
		IncidentID:     uuid.New().String(),
		TenantID:       primary.TenantID,
		IncidentType:   incidentType,
		PrimaryEventID: primary.EventID,
		Severity:       severity,
		Status:         models.IncidentStatusOpen,
		DetectedAt:     now,
		Summary:        buildSummary(primary, related, incidentType, patternName),
		Metadata:       string(metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// 按获取顺序（时间升序）生成关联行
	correlations := make([]models.Correlation, 0, len(related))
	for _, ev := range related {
		delta := int64(ev.OccurredAt.Sub(primary.OccurredAt).Seconds())
		correlations = append(correlations, models.Correlation{
			IncidentID:          incident.IncidentID,
			EventID:             ev.EventID,
			CorrelationType:     correlationType,
			CorrelationStrength: Strength(correlationType, delta),
			TimeDeltaSeconds:    delta,
			DetectedBy:          "rule",
			CreatedAt:           now,
		})
	}

	if err := m.store.CreateIncidentTransactional(ctx, incident, primary, related, correlations); err != nil {
		return nil, fmt.Errorf("failed to create incident: %w", err)
	}

	m.logger.Info("Incident created",
		zap.String("tenant_id", incident.TenantID),
		zap.String("incident_id", incident.IncidentID),
		zap.String("incident_type", incidentType),
		zap.String("severity", severity),
		zap.Int("member_count", len(related)+1),
	)

	return incident, nil
}

// AddEventToIncident 向已有事故追加一个事件
// 事故严重级别只升不降（单向棘轮）
func (m *IncidentManager) AddEventToIncident(
	ctx context.Context,
	event *models.SafetyEvent,
	incident *models.Incident,
	primary *models.SafetyEvent,
	correlationType, detectedBy string,
) error {
	if event == nil || incident == nil || primary == nil {
		return fmt.Errorf("event, incident and primary event are required")
	}
	if incident.Status != models.IncidentStatusOpen {
		return fmt.Errorf("cannot add event to %s incident: incident_id=%s", incident.Status, incident.IncidentID)
	}

	delta := int64(event.OccurredAt.Sub(primary.OccurredAt).Seconds())
	corr := models.Correlation{
		IncidentID:          incident.IncidentID,
		EventID:             event.EventID,
		CorrelationType:     correlationType,
		CorrelationStrength: Strength(correlationType, delta),
		TimeDeltaSeconds:    delta,
		DetectedBy:          detectedBy,
		CreatedAt:           time.Now(),
	}

	severity := models.MaxSeverity(incident.Severity, event.Severity)

	if err := m.store.AppendCorrelation(ctx, incident, event, corr, severity); err != nil {
		return fmt.Errorf("failed to append correlation: %w", err)
	}

	m.logger.Info("Event added to incident",
		zap.String("tenant_id", incident.TenantID),
		zap.String("incident_id", incident.IncidentID),
		zap.String("event_id", event.EventID),
		zap.String("severity", severity),
	)

	return nil
}

// buildSummary 生成事故摘要
func buildSummary(primary *models.SafetyEvent, related []*models.SafetyEvent, incidentType, patternName string) string {
	if incidentType == models.IncidentTypePattern {
		return fmt.Sprintf("%s: %d occurrences of %s on vehicle %s",
			patternName, len(related)+1, Normalize(primary.EventType), primary.VehicleID)
	}
	return fmt.Sprintf("%s: %s correlated with %d event(s) on vehicle %s",
		patternName, Normalize(primary.EventType), len(related), primary.VehicleID)
}
