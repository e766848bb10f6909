package task

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"lp_gen_v1_202610/internal/service"
)

// ==================== WorkerPool 后台任务执行器 ====================

// WorkerPool 固定数量的工作协程 + 有界队列
// 队列满时 Submit 立即返回 service.ErrQueueFull，不阻塞请求
type WorkerPool struct {
	workers int
	queue   chan func(ctx context.Context)
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mutex   sync.RWMutex
	started bool
	stopped bool
}

// NewWorkerPool 创建执行器，需调用 Start 启动
func NewWorkerPool(workers, queueSize int, log *zap.Logger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		workers: workers,
		queue:   make(chan func(ctx context.Context), queueSize),
		log:     log.Named("worker_pool"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start 启动工作协程，重复调用无效
func (p *WorkerPool) Start() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i + 1)
	}
	p.log.Info("工作协程已启动", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
}

// Submit 提交任务
func (p *WorkerPool) Submit(work func(ctx context.Context)) error {
	if work == nil {
		return fmt.Errorf("work 不能为空")
	}

	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		return nil
	default:
		return service.ErrQueueFull
	}
}

// Pending 队列中等待执行的任务数
func (p *WorkerPool) Pending() int {
	return len(p.queue)
}

// Stop 停止接收新任务并等待队列清空
// ctx 到期后取消正在执行的任务，并等待工作协程退出
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mutex.Lock()
	if p.stopped {
		p.mutex.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	started := p.started
	p.mutex.Unlock()

	if !started {
		p.cancel()
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("工作协程已全部退出")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.log.Warn("停止超时，已取消执行中的任务", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for work := range p.queue {
		p.run(id, work)
	}
}

func (p *WorkerPool) run(id int, work func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("任务执行 panic", zap.Int("worker", id), zap.Any("panic", r))
		}
	}()
	work(p.ctx)
}
