package events

import (
	"context"
	"time"

	commonredis "fleetwatch-correlation/common/redis"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// DomainEvent 领域事件（审计/分析侧信道）
type DomainEvent struct {
	EntityType    string                 `json:"entity_type"`
	EntityID      string                 `json:"entity_id"`
	EventType     string                 `json:"event_type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	ActorType     string                 `json:"actor_type"` // system, user
	ActorID       string                 `json:"actor_id,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	EmittedAt     int64                  `json:"emitted_at"`
}

// Emitter 领域事件发射器（写入 Redis Streams，尽力而为）
// 发射失败永远不会中断触发它的业务操作
type Emitter struct {
	redisClient *redis.Client
	stream      string
	logger      *zap.Logger
}

// NewEmitter 创建领域事件发射器
func NewEmitter(redisClient *redis.Client, stream string, logger *zap.Logger) *Emitter {
	return &Emitter{
		redisClient: redisClient,
		stream:      stream,
		logger:      logger,
	}
}

// Emit 发射领域事件（fire-and-forget：失败只记日志）
func (e *Emitter) Emit(ctx context.Context, event DomainEvent) {
	if event.EmittedAt == 0 {
		event.EmittedAt = time.Now().Unix()
	}

	if _, err := commonredis.PublishJSONToStream(ctx, e.redisClient, e.stream, event); err != nil {
		e.logger.Warn("Failed to emit domain event",
			zap.String("entity_type", event.EntityType),
			zap.String("entity_id", event.EntityID),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		return
	}

	e.logger.Debug("Domain event emitted",
		zap.String("entity_type", event.EntityType),
		zap.String("entity_id", event.EntityID),
		zap.String("event_type", event.EventType),
	)
}
