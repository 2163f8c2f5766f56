package repository

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockFeaturesDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *miniredis.Miniredis, *FeaturesRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	repo := NewFeaturesRepository(db, client, zap.NewNop())
	return db, mock, mr, repo
}

func TestIsEnabled_FromDatabase(t *testing.T) {
	db, mock, _, repo := setupMockFeaturesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT enabled`).
		WithArgs(tenantID, "attention_engine").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(false))

	enabled, err := repo.IsEnabled(context.Background(), tenantID, "attention_engine")
	require.NoError(t, err)
	assert.False(t, enabled)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsEnabled_DefaultEnabledWhenUnconfigured(t *testing.T) {
	db, mock, _, repo := setupMockFeaturesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT enabled`).
		WithArgs(tenantID, "attention_engine").
		WillReturnError(sql.ErrNoRows)

	// 未配置的租户默认启用
	enabled, err := repo.IsEnabled(context.Background(), tenantID, "attention_engine")
	require.NoError(t, err)
	assert.True(t, enabled)
}

func TestIsEnabled_CacheHitSkipsDatabase(t *testing.T) {
	db, mock, mr, repo := setupMockFeaturesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()
	require.NoError(t, mr.Set("fleetwatch:features:"+tenantID+":attention_engine", "0"))

	// 命中缓存：不应有任何数据库查询
	enabled, err := repo.IsEnabled(context.Background(), tenantID, "attention_engine")
	require.NoError(t, err)
	assert.False(t, enabled)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsEnabled_WritesBackToCache(t *testing.T) {
	db, mock, mr, repo := setupMockFeaturesDB(t)
	defer db.Close()

	tenantID := uuid.New().String()

	mock.ExpectQuery(`SELECT enabled`).
		WithArgs(tenantID, "attention_engine").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

	_, err := repo.IsEnabled(context.Background(), tenantID, "attention_engine")
	require.NoError(t, err)

	cached, err := mr.Get("fleetwatch:features:" + tenantID + ":attention_engine")
	require.NoError(t, err)
	assert.Equal(t, "1", cached)
}

func TestIsEnabled_MissingArgs(t *testing.T) {
	db, _, _, repo := setupMockFeaturesDB(t)
	defer db.Close()

	_, err := repo.IsEnabled(context.Background(), "", "attention_engine")
	require.Error(t, err)

	_, err = repo.IsEnabled(context.Background(), uuid.New().String(), "")
	require.Error(t, err)
}
