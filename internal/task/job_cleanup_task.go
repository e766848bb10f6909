package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"lp_gen_v1_202610/internal/repository"
)

// ==================== 任务清理 ====================

// ArchiveRemover 删除已上传归档，由 service.DeliverySink 实现
type ArchiveRemover interface {
	Remove(ctx context.Context, key string) error
}

// JobCleanupConfig 清理参数
type JobCleanupConfig struct {
	Spec         string        // cron 表达式 (秒级)
	Retention    time.Duration // 结束多久后过期
	StaleAfter   time.Duration // pending/processing 超过该时长视为遗留任务
	LogRetention time.Duration // 调用日志保留时长，0 表示不清理
	BatchSize    int
}

// CleanupResult 单次清理结果
type CleanupResult struct {
	Expired     int
	StaleFailed int64
	LogsDeleted int64
}

// JobCleanupTask 定时过期已结束任务并删除其归档
type JobCleanupTask struct {
	jobRepo     repository.JobRepository
	callLogRepo repository.AICallLogRepository
	remover     ArchiveRemover
	cfg         JobCleanupConfig
	log         *zap.Logger

	Cron *cron.Cron
	now  func() time.Time

	running bool
	mutex   sync.Mutex
}

func NewJobCleanupTask(
	jobRepo repository.JobRepository,
	callLogRepo repository.AICallLogRepository,
	remover ArchiveRemover,
	cfg JobCleanupConfig,
	log *zap.Logger,
) *JobCleanupTask {
	if cfg.Spec == "" {
		cfg.Spec = "0 0 * * * *"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &JobCleanupTask{
		jobRepo:     jobRepo,
		callLogRepo: callLogRepo,
		remover:     remover,
		cfg:         cfg,
		log:         log.Named("job_cleanup"),
		Cron:        cron.New(cron.WithSeconds()),
		now:         time.Now,
	}
}

// Start 启动定时任务
func (t *JobCleanupTask) Start() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.running {
		return nil
	}

	_, err := t.Cron.AddFunc(t.cfg.Spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		if _, err := t.RunOnce(ctx); err != nil {
			t.log.Warn("任务清理部分失败", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("无法启动任务清理: %w", err)
	}

	t.Cron.Start()
	t.running = true
	t.log.Info("任务清理已启动", zap.String("spec", t.cfg.Spec), zap.Duration("retention", t.cfg.Retention))
	return nil
}

// Stop 停止定时任务，等待正在执行的清理结束
func (t *JobCleanupTask) Stop() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if !t.running {
		return
	}
	<-t.Cron.Stop().Done()
	t.running = false
}

// RunOnce 执行一次清理，单条失败不影响其余任务，错误合并返回
func (t *JobCleanupTask) RunOnce(ctx context.Context) (*CleanupResult, error) {
	now := t.now()
	result := &CleanupResult{}
	var errs *multierror.Error

	// 1. 进程重启遗留的任务
	stale, err := t.jobRepo.FailStale(ctx, now.Add(-t.cfg.StaleAfter), "任务执行超时或服务重启")
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("标记遗留任务失败: %w", err))
	}
	result.StaleFailed = stale

	// 2. 过期任务
	jobs, err := t.jobRepo.ListFinishedBefore(ctx, now.Add(-t.cfg.Retention), t.cfg.BatchSize)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("查询过期任务失败: %w", err))
	}
	for _, job := range jobs {
		if job.StorageKey != "" && t.remover != nil {
			if err := t.remover.Remove(ctx, job.StorageKey); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("删除任务 %s 归档失败: %w", job.JobID, err))
				continue
			}
		}
		if err := t.jobRepo.MarkExpired(ctx, job.JobID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("标记任务 %s 过期失败: %w", job.JobID, err))
			continue
		}
		result.Expired++
	}

	// 3. 调用日志
	if t.cfg.LogRetention > 0 && t.callLogRepo != nil {
		deleted, err := t.callLogRepo.DeleteBefore(ctx, now.Add(-t.cfg.LogRetention))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("清理调用日志失败: %w", err))
		}
		result.LogsDeleted = deleted
	}

	t.log.Info("任务清理完成",
		zap.Int("expired", result.Expired),
		zap.Int64("stale_failed", result.StaleFailed),
		zap.Int64("logs_deleted", result.LogsDeleted),
	)
	return result, errs.ErrorOrNil()
}
