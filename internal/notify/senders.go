package notify

import (
	"context"
	"fmt"
	"time"

	"fleetwatch-correlation/internal/config"
	"fleetwatch-correlation/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Sender 通知通道发送器
// 从引擎视角是 fire-and-forget：发送失败记日志，不重试
type Sender interface {
	Channel() string
	Send(ctx context.Context, recipient *models.Contact, message string) error
}

// newProviderClient 创建通道提供商 HTTP 客户端
func newProviderClient(cfg *config.Config) *resty.Client {
	client := resty.New().
		SetTimeout(time.Duration(cfg.Notify.RequestTimeoutSeconds)*time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.Notify.ProviderToken != "" {
		client.SetAuthToken(cfg.Notify.ProviderToken)
	}
	return client
}

// VoiceSender 语音通道发送器
type VoiceSender struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewVoiceSender 创建语音通道发送器
func NewVoiceSender(cfg *config.Config, logger *zap.Logger) *VoiceSender {
	return &VoiceSender{
		client:   newProviderClient(cfg),
		endpoint: cfg.Notify.VoiceEndpoint,
		logger:   logger,
	}
}

func (s *VoiceSender) Channel() string {
	return models.ChannelVoice
}

func (s *VoiceSender) Send(ctx context.Context, recipient *models.Contact, message string) error {
	if s.endpoint == "" {
		return fmt.Errorf("voice channel not configured")
	}
	if recipient.Phone == nil || *recipient.Phone == "" {
		return fmt.Errorf("recipient has no phone number: contact_id=%s", recipient.ContactID)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"to":      *recipient.Phone,
			"message": message,
		}).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("voice call request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("voice provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// SMSSender 短信通道发送器
type SMSSender struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewSMSSender 创建短信通道发送器
func NewSMSSender(cfg *config.Config, logger *zap.Logger) *SMSSender {
	return &SMSSender{
		client:   newProviderClient(cfg),
		endpoint: cfg.Notify.SMSEndpoint,
		logger:   logger,
	}
}

func (s *SMSSender) Channel() string {
	return models.ChannelSMS
}

func (s *SMSSender) Send(ctx context.Context, recipient *models.Contact, message string) error {
	if s.endpoint == "" {
		return fmt.Errorf("sms channel not configured")
	}
	if recipient.Phone == nil || *recipient.Phone == "" {
		return fmt.Errorf("recipient has no phone number: contact_id=%s", recipient.ContactID)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"to":   *recipient.Phone,
			"text": message,
		}).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}

// ChatSender 聊天模板通道发送器（WhatsApp 模板消息）
type ChatSender struct {
	client   *resty.Client
	endpoint string
	logger   *zap.Logger
}

// NewChatSender 创建聊天通道发送器
func NewChatSender(cfg *config.Config, logger *zap.Logger) *ChatSender {
	return &ChatSender{
		client:   newProviderClient(cfg),
		endpoint: cfg.Notify.ChatEndpoint,
		logger:   logger,
	}
}

func (s *ChatSender) Channel() string {
	return models.ChannelChat
}

func (s *ChatSender) Send(ctx context.Context, recipient *models.Contact, message string) error {
	if s.endpoint == "" {
		return fmt.Errorf("chat channel not configured")
	}
	if recipient.Whatsapp == nil || *recipient.Whatsapp == "" {
		return fmt.Errorf("recipient has no chat handle: contact_id=%s", recipient.ContactID)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"to":       *recipient.Whatsapp,
			"template": "fleet_safety_alert",
			"body":     message,
		}).
		Post(s.endpoint)
	if err != nil {
		return fmt.Errorf("chat request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("chat provider returned %d: %s", resp.StatusCode(), resp.String())
	}

	return nil
}
