package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"lp_gen_v1_202610/internal/model"
)

// ==================== 仓储接口 ====================

// AICallLogRepository 图片生成调用日志仓储接口
type AICallLogRepository interface {
	Create(ctx context.Context, log *model.AICallLog) error
	GetByID(ctx context.Context, id int64) (*model.AICallLog, error)
	ListByJob(ctx context.Context, jobID string) ([]model.AICallLog, error)

	// 统计查询
	GetUsage(ctx context.Context, startTime, endTime time.Time) (*AIUsageStats, error)
	GetUsageByJob(ctx context.Context, jobID string) (*AIUsageStats, error)
	GetTotalCost(ctx context.Context, startTime, endTime time.Time) (float64, error)

	// DeleteBefore 删除指定时间之前的日志，返回删除行数
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ==================== 统计结构 ====================

// AIUsageStats 用量统计
type AIUsageStats struct {
	TotalCalls    int64   `json:"total_calls"`
	TotalImages   int64   `json:"total_images"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
	SuccessCount  int64   `json:"success_count"`
	FailedCount   int64   `json:"failed_count"`
}

const usageSelect = `
	COUNT(*) as total_calls,
	COALESCE(SUM(CASE WHEN status = 'success' THEN image_count ELSE 0 END), 0) as total_images,
	COALESCE(SUM(cost_usd), 0) as total_cost_usd,
	COALESCE(AVG(duration_ms), 0) as avg_duration_ms,
	COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) as success_count,
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed_count
`

// ==================== 仓储实现 ====================

type aiCallLogRepo struct {
	db *gorm.DB
}

// NewAICallLogRepository 创建调用日志仓储
func NewAICallLogRepository(db *gorm.DB) AICallLogRepository {
	return &aiCallLogRepo{db: db}
}

func (r *aiCallLogRepo) Create(ctx context.Context, log *model.AICallLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *aiCallLogRepo) GetByID(ctx context.Context, id int64) (*model.AICallLog, error) {
	var log model.AICallLog
	if err := r.db.WithContext(ctx).First(&log, id).Error; err != nil {
		return nil, err
	}
	return &log, nil
}

func (r *aiCallLogRepo) ListByJob(ctx context.Context, jobID string) ([]model.AICallLog, error) {
	var logs []model.AICallLog
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("id ASC").
		Find(&logs).Error
	return logs, err
}

func (r *aiCallLogRepo) GetUsage(ctx context.Context, startTime, endTime time.Time) (*AIUsageStats, error) {
	var stats AIUsageStats

	query := r.timeRange(r.db.WithContext(ctx).Model(&model.AICallLog{}), startTime, endTime)
	err := query.Select(usageSelect).Scan(&stats).Error

	return &stats, err
}

func (r *aiCallLogRepo) GetUsageByJob(ctx context.Context, jobID string) (*AIUsageStats, error) {
	var stats AIUsageStats

	err := r.db.WithContext(ctx).Model(&model.AICallLog{}).
		Where("job_id = ?", jobID).
		Select(usageSelect).
		Scan(&stats).Error

	return &stats, err
}

func (r *aiCallLogRepo) GetTotalCost(ctx context.Context, startTime, endTime time.Time) (float64, error) {
	var totalCost float64

	query := r.timeRange(r.db.WithContext(ctx).Model(&model.AICallLog{}), startTime, endTime)
	err := query.Select("COALESCE(SUM(cost_usd), 0)").Scan(&totalCost).Error
	return totalCost, err
}

func (r *aiCallLogRepo) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&model.AICallLog{})
	return result.RowsAffected, result.Error
}

func (r *aiCallLogRepo) timeRange(query *gorm.DB, startTime, endTime time.Time) *gorm.DB {
	if !startTime.IsZero() {
		query = query.Where("created_at >= ?", startTime)
	}
	if !endTime.IsZero() {
		query = query.Where("created_at <= ?", endTime)
	}
	return query
}
