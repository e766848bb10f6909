package task

import (
	"context"
	"time"

	"go.uber.org/zap"

	"lp_gen_v1_202610/internal/repository"
	"lp_gen_v1_202610/internal/service"
)

// ==================== TaskManager 后台任务管理器 ====================

// TaskManager 统一管理后台任务
// 管理范围：生成任务执行器、过期任务清理
type TaskManager struct {
	pool    *WorkerPool
	cleanup *JobCleanupTask
	log     *zap.Logger
}

// TaskManagerDeps 任务管理器依赖
type TaskManagerDeps struct {
	JobRepo     repository.JobRepository
	CallLogRepo repository.AICallLogRepository
	Remover     ArchiveRemover
}

// TaskManagerConfig 任务管理器配置
type TaskManagerConfig struct {
	// 执行器
	Workers   int
	QueueSize int

	// 清理
	CleanupEnabled bool
	CleanupSpec    string
	Retention      time.Duration
	StaleAfter     time.Duration
	LogRetention   time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *TaskManagerConfig {
	return &TaskManagerConfig{
		Workers:   2,
		QueueSize: 32,

		CleanupEnabled: true,
		CleanupSpec:    "0 0 * * * *",
		Retention:      24 * time.Hour,
		StaleAfter:     time.Hour,
		LogRetention:   30 * 24 * time.Hour,
	}
}

// NewTaskManager 创建任务管理器
func NewTaskManager(deps *TaskManagerDeps, cfg *TaskManagerConfig, log *zap.Logger) *TaskManager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	tm := &TaskManager{
		pool: NewWorkerPool(cfg.Workers, cfg.QueueSize, log),
		log:  log.Named("task_manager"),
	}

	if cfg.CleanupEnabled && deps != nil && deps.JobRepo != nil {
		tm.cleanup = NewJobCleanupTask(deps.JobRepo, deps.CallLogRepo, deps.Remover, JobCleanupConfig{
			Spec:         cfg.CleanupSpec,
			Retention:    cfg.Retention,
			StaleAfter:   cfg.StaleAfter,
			LogRetention: cfg.LogRetention,
		}, log)
	}

	return tm
}

// Executor 供服务层提交后台任务
func (tm *TaskManager) Executor() service.Executor {
	return tm.pool
}

// ==================== 生命周期管理 ====================

// Start 启动所有任务
func (tm *TaskManager) Start() error {
	tm.log.Info("正在启动后台任务...")

	tm.pool.Start()
	if tm.cleanup != nil {
		if err := tm.cleanup.Start(); err != nil {
			return err
		}
	}

	tm.log.Info("后台任务已全部启动")
	return nil
}

// Stop 停止所有任务，ctx 控制等待执行中任务的时长
func (tm *TaskManager) Stop(ctx context.Context) error {
	tm.log.Info("正在停止后台任务...")

	if tm.cleanup != nil {
		tm.cleanup.Stop()
	}
	err := tm.pool.Stop(ctx)

	tm.log.Info("后台任务已全部停止")
	return err
}

// ==================== 手动触发接口 ====================

// TriggerCleanup 立即执行一次清理
func (tm *TaskManager) TriggerCleanup(ctx context.Context) (*CleanupResult, error) {
	if tm.cleanup == nil {
		return nil, ErrTaskDisabled
	}
	return tm.cleanup.RunOnce(ctx)
}

// ==================== 状态查询 ====================

// Status 获取任务状态
func (tm *TaskManager) Status() map[string]interface{} {
	return map[string]interface{}{
		"cleanup":       tm.cleanup != nil,
		"queue_pending": tm.pool.Pending(),
	}
}

// ==================== 错误定义 ====================

type TaskError string

func (e TaskError) Error() string { return string(e) }

const (
	ErrTaskDisabled TaskError = "task is disabled"
	ErrPoolStopped  TaskError = "worker pool is stopped"
)
