package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lp_gen_v1_202610/internal/service"
)

func TestWorkerPool_RunsAllWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(3, 10, nil)
	pool.Start()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(10), count.Load())
}

func TestWorkerPool_QueueFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 1, nil)
	pool.Start()

	release := make(chan struct{})
	running := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(running)
		<-release
	}))
	<-running

	// 工作协程占用中，队列容量 1
	require.NoError(t, pool.Submit(func(ctx context.Context) {}))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), service.ErrQueueFull)
	assert.Equal(t, 1, pool.Pending())

	close(release)
	require.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerPool_StopDrainsQueue(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 5, nil)

	var count atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(func(ctx context.Context) { count.Add(1) }))
	}
	pool.Start()

	require.NoError(t, pool.Stop(context.Background()))
	assert.Equal(t, int32(5), count.Load())

	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrPoolStopped)
	// 重复停止无副作用
	assert.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerPool_StopTimeoutCancelsWork(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 1, nil)
	pool.Start()

	started := make(chan struct{})
	canceled := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(canceled)
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-canceled:
	default:
		t.Fatal("执行中的任务未收到取消信号")
	}
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(1, 2, nil)
	pool.Start()

	done := make(chan struct{})
	require.NoError(t, pool.Submit(func(ctx context.Context) { panic("boom") }))
	require.NoError(t, pool.Submit(func(ctx context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("panic 后工作协程未继续执行")
	}
	require.NoError(t, pool.Stop(context.Background()))
}

func TestWorkerPool_StopBeforeStart(t *testing.T) {
	defer goleak.VerifyNone(t)

	pool := NewWorkerPool(2, 2, nil)
	assert.NoError(t, pool.Stop(context.Background()))
	assert.ErrorIs(t, pool.Submit(func(ctx context.Context) {}), ErrPoolStopped)
}
