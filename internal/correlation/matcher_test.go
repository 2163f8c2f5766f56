package correlation

import (
	"context"
	"testing"
	"time"

	"fleetwatch-correlation/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ============================================
// 测试用假实现
// ============================================

type fakeEventStore struct {
	neighbors []*models.SafetyEvent
	calls     int
}

func (f *fakeEventStore) FindNeighbors(ctx context.Context, tenantID, vehicleID, excludeEventID string, from, to time.Time) ([]*models.SafetyEvent, error) {
	f.calls++
	return f.neighbors, nil
}

type fakeIncidentStore struct {
	incident     *models.Incident
	primary      *models.SafetyEvent
	related      []*models.SafetyEvent
	correlations []models.Correlation
	appended     []models.Correlation
	appendedSev  string
}

func (f *fakeIncidentStore) CreateIncidentTransactional(ctx context.Context, incident *models.Incident, primary *models.SafetyEvent, related []*models.SafetyEvent, correlations []models.Correlation) error {
	f.incident = incident
	f.primary = primary
	f.related = related
	f.correlations = correlations
	return nil
}

func (f *fakeIncidentStore) AppendCorrelation(ctx context.Context, incident *models.Incident, event *models.SafetyEvent, corr models.Correlation, severity string) error {
	f.appended = append(f.appended, corr)
	f.appendedSev = severity
	return nil
}

func setupMatcher(t *testing.T, neighbors []*models.SafetyEvent) (*Matcher, *fakeEventStore, *fakeIncidentStore) {
	events := &fakeEventStore{neighbors: neighbors}
	incidents := &fakeIncidentStore{}
	manager := NewIncidentManager(incidents, zap.NewNop())
	matcher := NewMatcher(events, manager, DefaultRuleSet(), 30, zap.NewNop())
	return matcher, events, incidents
}

func newTestEvent(eventType, severity string, occurredAt time.Time) *models.SafetyEvent {
	return &models.SafetyEvent{
		EventID:    uuid.New().String(),
		TenantID:   "tenant-1",
		VehicleID:  "vehicle-1",
		EventType:  eventType,
		Severity:   severity,
		OccurredAt: occurredAt,
		Metadata:   "{}",
	}
}

// ============================================
// 配对规则测试
// ============================================

func TestCheckCorrelations_PairedMatch(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	braking := newTestEvent("harsh_braking", models.SeverityWarning, base)
	panicEvent := newTestEvent("panic_button", models.SeverityCritical, base.Add(90*time.Second))

	// 候选是 panic_button，邻近事件里有 90 秒前的 harsh_braking
	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{braking})

	incident, err := matcher.CheckCorrelations(context.Background(), panicEvent)
	require.NoError(t, err)
	require.NotNil(t, incident)

	assert.Equal(t, models.IncidentTypeCollision, incident.IncidentType)
	assert.Equal(t, models.IncidentStatusOpen, incident.Status)
	// 严重级别取所有成员的最大值
	assert.Equal(t, models.SeverityCritical, incident.Severity)
	// 主事件取规则 type 侧（harsh_braking），即使候选是 panic_button
	assert.Equal(t, braking.EventID, incident.PrimaryEventID)
	assert.Equal(t, braking.EventID, store.primary.EventID)

	require.Len(t, store.correlations, 1)
	corr := store.correlations[0]
	assert.Equal(t, panicEvent.EventID, corr.EventID)
	assert.Equal(t, models.CorrelationCausal, corr.CorrelationType)
	assert.Equal(t, int64(90), corr.TimeDeltaSeconds)
	assert.Equal(t, 0.89, corr.CorrelationStrength)
	assert.Equal(t, "rule", corr.DetectedBy)
}

func TestCheckCorrelations_PairedGapTooLarge(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	braking := newTestEvent("harsh_braking", models.SeverityWarning, base)
	panicEvent := newTestEvent("panic_button", models.SeverityCritical, base.Add(121*time.Second))

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{braking})

	incident, err := matcher.CheckCorrelations(context.Background(), panicEvent)
	require.NoError(t, err)
	assert.Nil(t, incident)
	assert.Nil(t, store.incident)
}

func TestCheckCorrelations_EmergencyPair(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	obstruction := newTestEvent("camera_blocked", models.SeverityWarning, base)
	panicEvent := newTestEvent("sos", models.SeverityCritical, base.Add(25*time.Minute))

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{obstruction})

	incident, err := matcher.CheckCorrelations(context.Background(), panicEvent)
	require.NoError(t, err)
	require.NotNil(t, incident)

	assert.Equal(t, models.IncidentTypeEmergency, incident.IncidentType)
	assert.Equal(t, obstruction.EventID, incident.PrimaryEventID)
	require.Len(t, store.correlations, 1)
	assert.Equal(t, int64(1500), store.correlations[0].TimeDeltaSeconds)
}

// ============================================
// 频次规则测试
// ============================================

func TestCheckCorrelations_FrequencyMatch(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	first := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-10*time.Minute))
	second := newTestEvent("hard_braking", models.SeverityWarning, base.Add(-5*time.Minute))
	candidate := newTestEvent("harsh_braking", models.SeverityInfo, base)

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{first, second})

	incident, err := matcher.CheckCorrelations(context.Background(), candidate)
	require.NoError(t, err)
	require.NotNil(t, incident)

	assert.Equal(t, models.IncidentTypePattern, incident.IncidentType)
	// 频次命中时主事件是候选自身，全部匹配事件都被关联
	assert.Equal(t, candidate.EventID, incident.PrimaryEventID)
	assert.Equal(t, models.SeverityWarning, incident.Severity)
	require.Len(t, store.correlations, 2)
	assert.Equal(t, models.CorrelationPattern, store.correlations[0].CorrelationType)
	assert.Equal(t, int64(-600), store.correlations[0].TimeDeltaSeconds)
	assert.Equal(t, int64(-300), store.correlations[1].TimeDeltaSeconds)
}

func TestCheckCorrelations_FrequencyBelowThreshold(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	// 窗口内只有 1 个邻近事件 + 候选 = 2 次，低于 repeated_harsh_braking 的 3 次阈值
	neighbor := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-5*time.Minute))
	candidate := newTestEvent("harsh_braking", models.SeverityInfo, base)

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{neighbor})

	incident, err := matcher.CheckCorrelations(context.Background(), candidate)
	require.NoError(t, err)
	assert.Nil(t, incident)
	assert.Nil(t, store.incident)
}

func TestCheckCorrelations_FrequencyWindowExcludesOldEvents(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	// 第三次刹车在 15 分钟窗口之外，不计入
	tooOld := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-20*time.Minute))
	recent := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-5*time.Minute))
	candidate := newTestEvent("harsh_braking", models.SeverityInfo, base)

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{tooOld, recent})

	incident, err := matcher.CheckCorrelations(context.Background(), candidate)
	require.NoError(t, err)
	assert.Nil(t, incident)
	assert.Nil(t, store.incident)
}

// ============================================
// 优先级与守卫测试
// ============================================

func TestCheckCorrelations_CollisionBeatsPattern(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	// 既满足 braking_then_panic 配对，也满足 repeated_harsh_braking 频次，
	// 固定优先级下碰撞类先命中
	earlier1 := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-10*time.Minute))
	earlier2 := newTestEvent("harsh_braking", models.SeverityInfo, base.Add(-5*time.Minute))
	panicEvent := newTestEvent("panic_button", models.SeverityCritical, base.Add(60*time.Second))
	candidate := newTestEvent("harsh_braking", models.SeverityWarning, base)

	matcher, _, store := setupMatcher(t, []*models.SafetyEvent{earlier1, earlier2, panicEvent})

	incident, err := matcher.CheckCorrelations(context.Background(), candidate)
	require.NoError(t, err)
	require.NotNil(t, incident)

	assert.Equal(t, models.IncidentTypeCollision, incident.IncidentType)
	assert.Equal(t, candidate.EventID, incident.PrimaryEventID)
	require.Len(t, store.correlations, 1)
	assert.Equal(t, panicEvent.EventID, store.correlations[0].EventID)
}

func TestCheckCorrelations_AlreadyLinkedNoOp(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	incidentID := uuid.New().String()
	event := newTestEvent("panic_button", models.SeverityCritical, base)
	event.IncidentID = &incidentID

	matcher, events, store := setupMatcher(t, nil)

	incident, err := matcher.CheckCorrelations(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, incident)
	// 已关联事件不触发任何查询或写入
	assert.Equal(t, 0, events.calls)
	assert.Nil(t, store.incident)
}

func TestCheckCorrelations_NoNeighbors(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	event := newTestEvent("panic_button", models.SeverityCritical, base)

	matcher, _, store := setupMatcher(t, nil)

	incident, err := matcher.CheckCorrelations(context.Background(), event)
	require.NoError(t, err)
	assert.Nil(t, incident)
	assert.Nil(t, store.incident)
}

// ============================================
// 事故管理器测试
// ============================================

func TestCreateIncident_MetadataAndSummary(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	primary := newTestEvent("harsh_braking", models.SeverityWarning, base)
	related := newTestEvent("panic_button", models.SeverityCritical, base.Add(90*time.Second))

	store := &fakeIncidentStore{}
	manager := NewIncidentManager(store, zap.NewNop())

	incident, err := manager.CreateIncident(context.Background(), primary,
		[]*models.SafetyEvent{related}, models.IncidentTypeCollision, models.CorrelationCausal, "braking_then_panic")
	require.NoError(t, err)

	assert.NotEmpty(t, incident.IncidentID)
	assert.Equal(t, "tenant-1", incident.TenantID)
	assert.Contains(t, incident.Summary, "braking_then_panic")
	assert.Contains(t, incident.Summary, "vehicle-1")
	assert.Contains(t, incident.Metadata, `"member_count":2`)
	assert.Contains(t, incident.Metadata, `"pattern_name":"braking_then_panic"`)
}

func TestCreateIncident_RequiresRelatedEvents(t *testing.T) {
	store := &fakeIncidentStore{}
	manager := NewIncidentManager(store, zap.NewNop())

	_, err := manager.CreateIncident(context.Background(),
		newTestEvent("harsh_braking", models.SeverityWarning, time.Now()),
		nil, models.IncidentTypeCollision, models.CorrelationCausal, "braking_then_panic")
	require.Error(t, err)
}

func TestAddEventToIncident_SeverityRatchet(t *testing.T) {
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	primary := newTestEvent("harsh_braking", models.SeverityCritical, base)
	addition := newTestEvent("speeding", models.SeverityInfo, base.Add(5*time.Minute))

	store := &fakeIncidentStore{}
	manager := NewIncidentManager(store, zap.NewNop())

	incident := &models.Incident{
		IncidentID:     uuid.New().String(),
		TenantID:       "tenant-1",
		IncidentType:   models.IncidentTypeCollision,
		PrimaryEventID: primary.EventID,
		Severity:       models.SeverityCritical,
		Status:         models.IncidentStatusOpen,
	}

	err := manager.AddEventToIncident(context.Background(), addition, incident, primary, models.CorrelationTemporal, "rule")
	require.NoError(t, err)

	// 级别只升不降：追加 info 事件后维持 critical
	assert.Equal(t, models.SeverityCritical, store.appendedSev)
	require.Len(t, store.appended, 1)
	assert.Equal(t, int64(300), store.appended[0].TimeDeltaSeconds)
}

func TestAddEventToIncident_ResolvedIncidentRejected(t *testing.T) {
	store := &fakeIncidentStore{}
	manager := NewIncidentManager(store, zap.NewNop())

	incident := &models.Incident{
		IncidentID: uuid.New().String(),
		TenantID:   "tenant-1",
		Status:     models.IncidentStatusResolved,
	}

	err := manager.AddEventToIncident(context.Background(),
		newTestEvent("speeding", models.SeverityInfo, time.Now()),
		incident,
		newTestEvent("harsh_braking", models.SeverityWarning, time.Now()),
		models.CorrelationTemporal, "rule")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolved")
}
