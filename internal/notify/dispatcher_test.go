package notify

import (
	"context"
	"fmt"
	"testing"

	"fleetwatch-correlation/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSender struct {
	channel string
	sent    []string // contact_id 列表
	fail    bool
}

func (f *fakeSender) Channel() string {
	return f.channel
}

func (f *fakeSender) Send(ctx context.Context, recipient *models.Contact, message string) error {
	if f.fail {
		return fmt.Errorf("provider unavailable")
	}
	f.sent = append(f.sent, recipient.ContactID)
	return nil
}

func setupDispatcher(t *testing.T) (*Dispatcher, *fakeSender, *fakeSender) {
	gate, _ := setupGate(t)
	voice := &fakeSender{channel: models.ChannelVoice}
	chat := &fakeSender{channel: models.ChannelChat}
	return NewDispatcher(gate, []Sender{voice, chat}, zap.NewNop()), voice, chat
}

func testNotification(dedupeKey string) *Notification {
	phone := "+5511999990000"
	return &Notification{
		TenantID:  "tenant-1",
		AlertID:   "alert-1",
		DedupeKey: dedupeKey,
		Level:     "critical",
		Message:   "[CRITICAL] panic_button alert on vehicle vehicle-1",
		Channels:  []string{models.ChannelVoice, models.ChannelChat},
		Recipients: []*models.Contact{
			{ContactID: "contact-1", Role: "monitoring_team", Phone: &phone},
			{ContactID: "contact-2", Role: "supervisor", Phone: &phone},
		},
		VehicleID: strPtr("vehicle-1"),
	}
}

func TestDispatch_FanOutPerChannelAndRecipient(t *testing.T) {
	dispatcher, voice, chat := setupDispatcher(t)

	decision, err := dispatcher.Dispatch(context.Background(), testNotification("d-1"))
	require.NoError(t, err)
	assert.True(t, decision.ShouldSend)

	// 每个通道向每个接收人各发一次
	assert.Equal(t, []string{"contact-1", "contact-2"}, voice.sent)
	assert.Equal(t, []string{"contact-1", "contact-2"}, chat.sent)
}

func TestDispatch_MonitorOnlySkipsGate(t *testing.T) {
	dispatcher, voice, _ := setupDispatcher(t)

	n := testNotification("d-2")
	n.Level = "none"
	n.Channels = []string{}

	decision, err := dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, decision.ShouldSend)
	assert.Equal(t, "monitor_only", decision.Reason)
	assert.Empty(t, voice.sent)

	// monitor 层级不占用去重键：同一键的真实通知仍可放行
	decision, err = dispatcher.Dispatch(context.Background(), testNotification("d-2"))
	require.NoError(t, err)
	assert.True(t, decision.ShouldSend)
}

func TestDispatch_NoRecipients(t *testing.T) {
	dispatcher, voice, _ := setupDispatcher(t)

	n := testNotification("d-3")
	n.Recipients = nil

	decision, err := dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.False(t, decision.ShouldSend)
	assert.Equal(t, "no_recipients", decision.Reason)
	assert.Empty(t, voice.sent)
}

func TestDispatch_DuplicateSuppressed(t *testing.T) {
	dispatcher, voice, _ := setupDispatcher(t)

	_, err := dispatcher.Dispatch(context.Background(), testNotification("d-4"))
	require.NoError(t, err)

	decision, err := dispatcher.Dispatch(context.Background(), testNotification("d-4"))
	require.NoError(t, err)
	assert.False(t, decision.ShouldSend)
	assert.Equal(t, "duplicate", decision.Reason)
	// 第二次未触发任何发送
	assert.Len(t, voice.sent, 2)
}

func TestDispatch_SenderFailureDoesNotAbort(t *testing.T) {
	dispatcher, voice, chat := setupDispatcher(t)
	voice.fail = true

	decision, err := dispatcher.Dispatch(context.Background(), testNotification("d-5"))
	require.NoError(t, err)
	assert.True(t, decision.ShouldSend)

	// voice 失败不影响 chat 通道继续发送
	assert.Empty(t, voice.sent)
	assert.Equal(t, []string{"contact-1", "contact-2"}, chat.sent)
}

func TestDispatch_UnknownChannelSkipped(t *testing.T) {
	dispatcher, voice, _ := setupDispatcher(t)

	n := testNotification("d-6")
	n.Channels = []string{models.ChannelSMS, models.ChannelVoice}

	decision, err := dispatcher.Dispatch(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, decision.ShouldSend)
	// 未配置的 sms 通道跳过，voice 正常
	assert.Equal(t, []string{"contact-1", "contact-2"}, voice.sent)
}
