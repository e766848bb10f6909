package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lp_gen_v1_202610/internal/model"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("连接测试数据库失败: %v", err)
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接是独立的库
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&model.AICallLog{}, &model.GenerationJob{}); err != nil {
		t.Fatalf("数据库迁移失败: %v", err)
	}
	return db
}

func TestAICallLogRepo_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAICallLogRepository(db)
	ctx := context.Background()

	log := &model.AICallLog{
		JobID:      "job-1",
		Provider:   "openai",
		ModelName:  "dall-e-3",
		Prompt:     "a lighthouse",
		Attempt:    1,
		ImageCount: 2,
		DurationMs: 1500,
		CostUSD:    0.08,
		Status:     model.AICallStatusSuccess,
	}
	require.NoError(t, repo.Create(ctx, log))
	assert.NotZero(t, log.ID)

	got, err := repo.GetByID(ctx, log.ID)
	require.NoError(t, err)
	assert.Equal(t, "dall-e-3", got.ModelName)
	assert.Equal(t, 2, got.ImageCount)

	_, err = repo.GetByID(ctx, 9999)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func seedCallLogs(t *testing.T, repo AICallLogRepository) {
	ctx := context.Background()
	logs := []model.AICallLog{
		{JobID: "job-a", Provider: "openai", ImageCount: 2, DurationMs: 1000, CostUSD: 0.08, Status: model.AICallStatusSuccess},
		{JobID: "job-a", Provider: "openai", ImageCount: 1, DurationMs: 3000, CostUSD: 0, Status: model.AICallStatusFailed, ErrorMsg: "timeout"},
		{JobID: "job-a", Provider: "openai", ImageCount: 1, DurationMs: 2000, CostUSD: 0.04, Status: model.AICallStatusSuccess},
		{JobID: "job-b", Provider: "gemini", ImageCount: 3, DurationMs: 2000, CostUSD: 0.12, Status: model.AICallStatusSuccess},
	}
	for i := range logs {
		require.NoError(t, repo.Create(ctx, &logs[i]))
	}
}

func TestAICallLogRepo_GetUsageByJob(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAICallLogRepository(db)
	seedCallLogs(t, repo)

	stats, err := repo.GetUsageByJob(context.Background(), "job-a")
	require.NoError(t, err)

	assert.Equal(t, int64(3), stats.TotalCalls)
	// 失败调用不计入图片数
	assert.Equal(t, int64(3), stats.TotalImages)
	assert.Equal(t, int64(2), stats.SuccessCount)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.InDelta(t, 0.12, stats.TotalCostUSD, 1e-9)
	assert.InDelta(t, 2000, stats.AvgDurationMs, 1e-9)
}

func TestAICallLogRepo_GetUsage_Empty(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAICallLogRepository(db)

	stats, err := repo.GetUsage(context.Background(), time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalCalls)
	assert.Equal(t, int64(0), stats.SuccessCount)
}

func TestAICallLogRepo_GetUsageAndCost(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAICallLogRepository(db)
	seedCallLogs(t, repo)
	ctx := context.Background()

	now := time.Now()
	stats, err := repo.GetUsage(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalCalls)
	assert.Equal(t, int64(6), stats.TotalImages)

	cost, err := repo.GetTotalCost(ctx, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.InDelta(t, 0.24, cost, 1e-9)

	// 时间窗口之外没有数据
	stats, err = repo.GetUsage(ctx, now.Add(time.Hour), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalCalls)
}

func TestAICallLogRepo_ListAndDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAICallLogRepository(db)
	seedCallLogs(t, repo)
	ctx := context.Background()

	logs, err := repo.ListByJob(ctx, "job-b")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "gemini", logs[0].Provider)

	deleted, err := repo.DeleteBefore(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(4), deleted)

	logs, err = repo.ListByJob(ctx, "job-a")
	require.NoError(t, err)
	assert.Empty(t, logs)
}
