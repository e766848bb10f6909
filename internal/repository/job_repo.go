package repository

import (
	"context"
	"time"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"lp_gen_v1_202610/internal/model"
)

// ==================== 仓储接口 ====================

// JobRepository 生成任务仓储接口
// Mark* 与 UpdateProgress 按当前状态做条件更新，状态不匹配时返回 gorm.ErrRecordNotFound，
// 终态任务不会被改回
type JobRepository interface {
	Create(ctx context.Context, job *model.GenerationJob) error
	GetByJobID(ctx context.Context, jobID string) (*model.GenerationJob, error)

	MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error
	UpdateProgress(ctx context.Context, jobID, stage string, progress int) error
	MarkSucceeded(ctx context.Context, jobID string, result *JobResult) error
	MarkFailed(ctx context.Context, jobID, kind, message string) error
	MarkExpired(ctx context.Context, jobID string) error

	// ListFinishedBefore 查询在指定时间之前结束且尚未过期的任务
	ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]model.GenerationJob, error)
	// FailStale 将排队超时 (按 created_at) 或执行超时 (按 started_at) 的任务标记为失败
	FailStale(ctx context.Context, before time.Time, message string) (int64, error)
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// JobResult 任务成功结果
type JobResult struct {
	ImageNames    []string
	FallbackCount int
	ArchiveSize   int64
	StorageKey    string
	LocatorURI    string
	FinishedAt    time.Time
}

// maxErrorMessage error_message 列长度
const maxErrorMessage = 1024

// ==================== 仓储实现 ====================

type jobRepo struct {
	db *gorm.DB
}

// NewJobRepository 创建生成任务仓储
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepo{db: db}
}

func (r *jobRepo) Create(ctx context.Context, job *model.GenerationJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepo) GetByJobID(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var job model.GenerationJob
	if err := r.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	return r.transition(ctx, jobID, []string{model.JobStatusPending}, map[string]interface{}{
		"status":     model.JobStatusProcessing,
		"stage":      model.JobStageValidating,
		"started_at": startedAt,
	})
}

func (r *jobRepo) UpdateProgress(ctx context.Context, jobID, stage string, progress int) error {
	return r.transition(ctx, jobID, []string{model.JobStatusProcessing}, map[string]interface{}{
		"stage":    stage,
		"progress": progress,
	})
}

func (r *jobRepo) MarkSucceeded(ctx context.Context, jobID string, result *JobResult) error {
	return r.transition(ctx, jobID, []string{model.JobStatusProcessing}, map[string]interface{}{
		"status":         model.JobStatusSucceeded,
		"stage":          model.JobStageDone,
		"progress":       100,
		"image_count":    len(result.ImageNames),
		"image_names":    datatypes.NewJSONSlice(result.ImageNames),
		"fallback_count": result.FallbackCount,
		"archive_size":   result.ArchiveSize,
		"storage_key":    result.StorageKey,
		"locator_uri":    result.LocatorURI,
		"finished_at":    result.FinishedAt,
	})
}

func (r *jobRepo) MarkFailed(ctx context.Context, jobID, kind, message string) error {
	if len(message) > maxErrorMessage {
		cut := maxErrorMessage
		for cut > 0 && !utf8.RuneStart(message[cut]) {
			cut--
		}
		message = message[:cut]
	}
	return r.transition(ctx, jobID, []string{model.JobStatusPending, model.JobStatusProcessing}, map[string]interface{}{
		"status":        model.JobStatusFailed,
		"stage":         model.JobStageFailed,
		"error_kind":    kind,
		"error_message": message,
		"finished_at":   time.Now(),
	})
}

func (r *jobRepo) MarkExpired(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, []string{model.JobStatusSucceeded, model.JobStatusFailed}, map[string]interface{}{
		"status":      model.JobStatusExpired,
		"locator_uri": "",
	})
}

func (r *jobRepo) ListFinishedBefore(ctx context.Context, before time.Time, limit int) ([]model.GenerationJob, error) {
	var jobs []model.GenerationJob
	query := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.JobStatusSucceeded, model.JobStatusFailed}).
		Where("finished_at < ?", before).
		Order("finished_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

func (r *jobRepo) FailStale(ctx context.Context, before time.Time, message string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&model.GenerationJob{}).
		Where(r.db.Where("status = ? AND created_at < ?", model.JobStatusPending, before).
			Or("status = ? AND started_at < ?", model.JobStatusProcessing, before).
			Or("status = ? AND started_at IS NULL AND created_at < ?", model.JobStatusProcessing, before)).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"stage":         model.JobStageFailed,
			"error_kind":    "timeout",
			"error_message": message,
			"finished_at":   time.Now(),
		})
	return result.RowsAffected, result.Error
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := r.db.WithContext(ctx).Model(&model.GenerationJob{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// transition 仅当任务处于 from 状态之一时更新字段
// 任务不存在或状态不匹配时返回 gorm.ErrRecordNotFound
func (r *jobRepo) transition(ctx context.Context, jobID string, from []string, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).Model(&model.GenerationJob{}).
		Where("job_id = ? AND status IN ?", jobID, from).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
