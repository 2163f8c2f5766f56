package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fleetwatch-correlation/internal/models"
)

func setupMockAlertsDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *AlertsRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	logger := zap.NewNop()
	repo := NewAlertsRepository(db, logger)

	return db, mock, repo
}

func alertRows(alertID, tenantID string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"alert_id", "tenant_id", "event_id", "vehicle_id", "driver_id",
		"alert_type", "severity", "high_risk", "attention_state", "ack_status",
		"ack_due_at", "resolve_due_at", "next_escalation_at",
		"escalation_level", "escalation_count", "owner_user_id", "owner_contact_id",
		"resolved_at", "notified_users", "version", "created_at", "updated_at",
	}).AddRow(
		alertID, tenantID, uuid.New().String(), "vehicle-1", nil,
		"panic_button", "critical", false, "needs_attention", "pending",
		now.Add(60*time.Minute), now.Add(24*time.Hour), now.Add(10*time.Minute),
		0, 0, nil, nil,
		nil, `[]`, 1, now, now,
	)
}

// ============================================
// 基础查询测试
// ============================================

func TestGetAlert_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID).
		WillReturnRows(alertRows(alertID, tenantID))

	alert, err := repo.GetAlert(context.Background(), tenantID, alertID)
	require.NoError(t, err)
	assert.Equal(t, alertID, alert.AlertID)
	assert.Equal(t, models.SeverityCritical, alert.Severity)
	require.NotNil(t, alert.AttentionState)
	assert.Equal(t, models.AttentionNeedsAttention, *alert.AttentionState)
	assert.Equal(t, 1, alert.Version)
	assert.Equal(t, "[]", alert.NotifiedUsers)
	assert.True(t, alert.AttentionActive())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAlert_NotFound(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(alertID, tenantID).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.GetAlert(context.Background(), tenantID, alertID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alert not found")
}

func TestFindAlertByEvent_NotFoundReturnsNil(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	eventID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(eventID, tenantID).
		WillReturnError(sql.ErrNoRows)

	alert, err := repo.FindAlertByEvent(context.Background(), tenantID, eventID)
	require.NoError(t, err)
	assert.Nil(t, alert)
}

// ============================================
// 乐观并发更新测试
// ============================================

func TestUpdateAlertState_Success(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	mock.ExpectExec(`UPDATE alerts`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateAlertState(context.Background(), tenantID, alertID, 1, map[string]interface{}{
		"attention_state": models.AttentionInProgress,
	})
	require.NoError(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateAlertState_VersionConflict(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	alertID := uuid.New().String()

	// version 不匹配：0 行生效
	mock.ExpectExec(`UPDATE alerts`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateAlertState(context.Background(), tenantID, alertID, 1, map[string]interface{}{
		"ack_status": models.AckAcked,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionConflict))
}

func TestUpdateAlertState_DisallowedField(t *testing.T) {
	db, _, repo := setupMockAlertsDB(t)
	defer db.Close()

	err := repo.UpdateAlertState(context.Background(), uuid.New().String(), uuid.New().String(), 1, map[string]interface{}{
		"severity": "info",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")
}

func TestUpdateAlertState_EmptyUpdates(t *testing.T) {
	db, _, repo := setupMockAlertsDB(t)
	defer db.Close()

	err := repo.UpdateAlertState(context.Background(), uuid.New().String(), uuid.New().String(), 1, map[string]interface{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "updates cannot be empty")
}

// ============================================
// 逾期告警查询测试
// ============================================

func TestFindOverdueAlerts_AllTenants(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now()
	alertID := uuid.New().String()
	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(now, 100).
		WillReturnRows(alertRows(alertID, tenantID))

	alerts, err := repo.FindOverdueAlerts(context.Background(), "", now, 100)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alertID, alerts[0].AlertID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOverdueAlerts_TenantScoped(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now()
	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT`).
		WithArgs(now, tenantID, 50).
		WillReturnRows(alertRows(uuid.New().String(), tenantID))

	alerts, err := repo.FindOverdueAlerts(context.Background(), tenantID, now, 50)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindOverdueAlerts_Empty(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT`).
		WillReturnRows(sqlmock.NewRows([]string{"alert_id"}))

	alerts, err := repo.FindOverdueAlerts(context.Background(), "", now, 100)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

// ============================================
// 告警列表测试
// ============================================

func TestListAlerts_WithFilters(t *testing.T) {
	db, mock, repo := setupMockAlertsDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	severity := "critical"
	filters := AlertFilters{Severity: &severity}

	mock.ExpectQuery(`SELECT COUNT`).
		WithArgs(tenantID, severity).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	mock.ExpectQuery(`SELECT`).
		WithArgs(tenantID, severity, 20, 0).
		WillReturnRows(alertRows(uuid.New().String(), tenantID))

	alerts, total, err := repo.ListAlerts(context.Background(), tenantID, filters, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, alerts, 1)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListAlerts_EmptyTenantID(t *testing.T) {
	db, _, repo := setupMockAlertsDB(t)
	defer db.Close()

	alerts, total, err := repo.ListAlerts(context.Background(), "", AlertFilters{}, 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, alerts)
}
