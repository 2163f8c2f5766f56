package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"fleetwatch-correlation/common/database"
	commonredis "fleetwatch-correlation/common/redis"
	"fleetwatch-correlation/internal/attention"
	"fleetwatch-correlation/internal/config"
	"fleetwatch-correlation/internal/correlation"
	"fleetwatch-correlation/internal/events"
	"fleetwatch-correlation/internal/models"
	"fleetwatch-correlation/internal/notify"
	"fleetwatch-correlation/internal/repository"
	"fleetwatch-correlation/internal/worker"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// Engine 关联引擎服务（整合各层）
type Engine struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
	tenantID    string

	// 各层组件
	eventsRepo    *repository.SafetyEventsRepository
	incidentsRepo *repository.IncidentsRepository
	alertsRepo    *repository.AlertsRepository
	contactsRepo  *repository.ContactsRepository
	policiesRepo  *repository.PoliciesRepository
	featuresRepo  *repository.FeaturesRepository
	matcher       *correlation.Matcher
	machine       *attention.Machine
	gate          *notify.Gate
	dispatcher    *notify.Dispatcher
	emitter       *events.Emitter
	escalation    *worker.EscalationWorker
}

// NewEngine 创建关联引擎服务
func NewEngine(cfg *config.Config, logger *zap.Logger, tenantID string) (*Engine, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := commonredis.NewRedisClient(&cfg.Redis)
	if err := commonredis.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	eventsRepo := repository.NewSafetyEventsRepository(db, logger)
	incidentsRepo := repository.NewIncidentsRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)
	contactsRepo := repository.NewContactsRepository(db, logger)
	policiesRepo := repository.NewPoliciesRepository(db, logger)
	featuresRepo := repository.NewFeaturesRepository(db, redisClient, logger)

	// 4. 加载关联规则（可选 YAML 覆盖，缺省使用内置规则）
	rules := correlation.DefaultRuleSet()
	if cfg.Correlation.RulesFile != "" {
		rules, err = correlation.LoadRuleSet(cfg.Correlation.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load correlation rules: %w", err)
		}
	}

	// 5. 创建关联层
	incidentManager := correlation.NewIncidentManager(incidentsRepo, logger)
	matcher := correlation.NewMatcher(eventsRepo, incidentManager, rules, cfg.Correlation.NeighborWindowMinutes, logger)

	// 6. 创建通知层
	gate := notify.NewGate(cfg, redisClient, logger)
	senders := []notify.Sender{
		notify.NewVoiceSender(cfg, logger),
		notify.NewSMSSender(cfg, logger),
		notify.NewChatSender(cfg, logger),
	}
	dispatcher := notify.NewDispatcher(gate, senders, logger)

	// 7. 创建领域事件发射器
	emitter := events.NewEmitter(redisClient, cfg.Events.Stream, logger)

	// 8. 创建关注状态机与升级调度器
	machine := attention.NewMachine(
		alertsRepo,
		policiesRepo,
		contactsRepo,
		dispatcher,
		emitter,
		featuresRepo,
		cfg.Escalation.BatchSize,
		logger,
	)
	escalation := worker.NewEscalationWorker(cfg, machine, tenantID, logger)

	return &Engine{
		config:        cfg,
		db:            db,
		redisClient:   redisClient,
		logger:        logger,
		tenantID:      tenantID,
		eventsRepo:    eventsRepo,
		incidentsRepo: incidentsRepo,
		alertsRepo:    alertsRepo,
		contactsRepo:  contactsRepo,
		policiesRepo:  policiesRepo,
		featuresRepo:  featuresRepo,
		matcher:       matcher,
		machine:       machine,
		gate:          gate,
		dispatcher:    dispatcher,
		emitter:       emitter,
		escalation:    escalation,
	}, nil
}

// Start 启动服务（升级调度循环，阻塞直到 ctx 取消）
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info("Starting correlation engine",
		zap.String("tenant_id", e.tenantID),
	)

	if err := e.escalation.Start(ctx); err != nil {
		return fmt.Errorf("failed to start escalation worker: %w", err)
	}

	return nil
}

// Stop 停止服务
func (e *Engine) Stop() error {
	e.logger.Info("Stopping correlation engine")

	if err := database.Close(e.db); err != nil {
		e.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	if err := commonredis.Close(e.redisClient); err != nil {
		e.logger.Error("Failed to close redis",
			zap.Error(err),
		)
	}

	return nil
}

// IngestSafetyEvent 摄取一条安全事件并尝试关联
// 幂等：同一 event_id 重复摄取不会重复建档（唯一键冲突时改为读取已有行），
// 已关联的事件在匹配层直接 no-op。
// 返回本次摄取产生（或加入）的事故，未匹配任何规则时返回 nil
func (e *Engine) IngestSafetyEvent(ctx context.Context, event *models.SafetyEvent) (*models.Incident, error) {
	if event == nil {
		return nil, fmt.Errorf("event is required")
	}
	if event.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}

	if err := e.eventsRepo.CreateSafetyEvent(ctx, event.TenantID, event); err != nil {
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("failed to persist safety event: %w", err)
		}
		existing, getErr := e.eventsRepo.GetSafetyEvent(ctx, event.TenantID, event.EventID)
		if getErr != nil {
			return nil, fmt.Errorf("failed to load existing safety event: %w", getErr)
		}
		event = existing
	}

	incident, err := e.matcher.CheckCorrelations(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("correlation check failed: %w", err)
	}

	// 满足关注条件的事件惰性创建告警并初始化关注跟踪（尽力而为，不阻塞摄取）
	if err := e.ensureAlert(ctx, event); err != nil {
		e.logger.Error("Failed to ensure alert for event",
			zap.String("tenant_id", event.TenantID),
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
	}

	return incident, nil
}

// ensureAlert 为满足条件的事件创建告警并初始化关注（幂等）
func (e *Engine) ensureAlert(ctx context.Context, event *models.SafetyEvent) error {
	highRisk := metadataHighRisk(event.Metadata)
	if event.Severity != models.SeverityCritical && !highRisk {
		return nil
	}

	existing, err := e.alertsRepo.FindAlertByEvent(ctx, event.TenantID, event.EventID)
	if err != nil {
		return err
	}

	alertID := ""
	if existing != nil {
		alertID = existing.AlertID
	} else {
		alert := &models.Alert{
			AlertID:   uuid.New().String(),
			TenantID:  event.TenantID,
			EventID:   event.EventID,
			VehicleID: event.VehicleID,
			DriverID:  event.DriverID,
			AlertType: event.EventType,
			Severity:  event.Severity,
			HighRisk:  highRisk,
			AckStatus: models.AckPending,
			CreatedAt: event.OccurredAt,
			UpdatedAt: event.OccurredAt,
		}
		if err := e.alertsRepo.CreateAlert(ctx, event.TenantID, alert); err != nil {
			return err
		}
		alertID = alert.AlertID
	}

	return e.machine.InitializeAttention(ctx, event.TenantID, alertID)
}

// InitializeAttention 初始化告警关注跟踪
func (e *Engine) InitializeAttention(ctx context.Context, tenantID, alertID string) error {
	return e.machine.InitializeAttention(ctx, tenantID, alertID)
}

// Acknowledge 确认告警
func (e *Engine) Acknowledge(ctx context.Context, tenantID, alertID, userID string) error {
	return e.machine.Acknowledge(ctx, tenantID, alertID, userID)
}

// AssignOwner 指派处理人
func (e *Engine) AssignOwner(ctx context.Context, tenantID, alertID string, userID, contactID *string, actorID string) error {
	return e.machine.AssignOwner(ctx, tenantID, alertID, userID, contactID, actorID)
}

// CloseAttention 关闭告警关注
func (e *Engine) CloseAttention(ctx context.Context, tenantID, alertID, userID, reason string) error {
	return e.machine.CloseAttention(ctx, tenantID, alertID, userID, reason)
}

// CheckAndEscalateOverdue 检查并升级逾期告警（tenantID 为空时跨租户）
func (e *Engine) CheckAndEscalateOverdue(ctx context.Context, tenantID string) (int, error) {
	return e.machine.CheckAndEscalateOverdue(ctx, tenantID)
}

// ShouldSendNotification 去重限流判定（供上层在自行发送通知前调用）
func (e *Engine) ShouldSendNotification(ctx context.Context, dedupeKey string, vehicleID, driverID *string) (*notify.Decision, error) {
	return e.gate.ShouldSend(ctx, dedupeKey, vehicleID, driverID)
}

// ListAlerts 分页查询告警
func (e *Engine) ListAlerts(ctx context.Context, tenantID string, filters repository.AlertFilters, page, size int) ([]*models.Alert, int, error) {
	return e.alertsRepo.ListAlerts(ctx, tenantID, filters, page, size)
}

// isUniqueViolation 判断是否为 Postgres 唯一约束冲突（23505）
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// metadataHighRisk 从事件元数据解析上游风险评估的高风险标记
func metadataHighRisk(metadata string) bool {
	if metadata == "" {
		return false
	}
	var fields struct {
		HighRisk bool `json:"high_risk"`
	}
	if err := json.Unmarshal([]byte(metadata), &fields); err != nil {
		return false
	}
	return fields.HighRisk
}
