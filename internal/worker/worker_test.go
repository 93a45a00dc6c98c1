package worker

// ============================================================================
// Worker Pool 測試檔案
// 職責：驗證並發執行、超時、panic 隔離、Evaluate 與優雅關閉
// ============================================================================

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func sleeper(d time.Duration) func(context.Context) error {
	return func(ctx context.Context) error {
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func startedPool(t *testing.T, buffer, workers int) *Pool {
	t.Helper()
	pool := NewPool(buffer)
	require.NoError(t, pool.Start(workers))
	t.Cleanup(pool.Stop)
	return pool
}

// ============================================================================
// Basic Functionality Tests
// ============================================================================

func TestNewPool(t *testing.T) {
	pool := NewPool(10)
	assert.NotNil(t, pool)
	assert.Equal(t, 0, pool.GetWorkerCount())
	assert.False(t, pool.IsStarted())
}

func TestPoolStart(t *testing.T) {
	pool := startedPool(t, 10, 8)
	assert.Equal(t, 8, pool.GetWorkerCount())
	assert.True(t, pool.IsStarted())

	assert.ErrorIs(t, pool.Start(4), ErrPoolStarted)
}

func TestWorkerExecution(t *testing.T) {
	pool := startedPool(t, 10, 1)

	var ran atomic.Int64
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: i, Timeout: time.Second, Fn: func(ctx context.Context) error {
			ran.Add(1)
			return sleeper(time.Millisecond)(ctx)
		}}
	}
	require.NoError(t, pool.Evaluate(context.Background(), tasks))
	assert.Equal(t, int64(10), ran.Load())
}

func TestTimeout(t *testing.T) {
	pool := startedPool(t, 10, 1)

	err := pool.Evaluate(context.Background(), []Task{{ID: 1, Fn: sleeper(time.Second), Timeout: time.Millisecond}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "task 1")
}

func TestPanicIsIsolated(t *testing.T) {
	pool := startedPool(t, 10, 1)

	err := pool.Evaluate(context.Background(), []Task{{ID: 7, Fn: func(context.Context) error { panic("bad chunk") }}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad chunk")

	// the worker is still alive
	assert.NoError(t, pool.Evaluate(context.Background(), []Task{{ID: 8, Fn: sleeper(0)}}))
}

// ============================================================================
// Evaluate Tests
// ============================================================================

func TestEvaluateRunsAllTasks(t *testing.T) {
	pool := startedPool(t, 4, 4)

	out := make([]int, 100)
	tasks := make([]Task, len(out))
	for i := range tasks {
		i := i
		tasks[i] = Task{ID: i, Fn: func(context.Context) error {
			out[i] = i * i
			return nil
		}}
	}
	require.NoError(t, pool.Evaluate(context.Background(), tasks))

	for i, v := range out {
		assert.Equal(t, i*i, v)
	}
}

func TestEvaluateJoinsErrors(t *testing.T) {
	pool := startedPool(t, 4, 2)
	boom := errors.New("boom")

	tasks := []Task{
		{ID: 1, Fn: sleeper(0)},
		{ID: 2, Fn: func(context.Context) error { return boom }},
		{ID: 3, Fn: func(context.Context) error { return boom }},
	}
	err := pool.Evaluate(context.Background(), tasks)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "task 2")
	assert.Contains(t, err.Error(), "task 3")
}

func TestEvaluateHonorsContext(t *testing.T) {
	pool := startedPool(t, 1, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Evaluate(ctx, []Task{{ID: 1, Fn: sleeper(time.Second)}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentEvaluate(t *testing.T) {
	pool := startedPool(t, 16, 4)

	var total atomic.Int64
	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tasks := make([]Task, 25)
			for i := range tasks {
				tasks[i] = Task{ID: i, Fn: func(context.Context) error {
					total.Add(1)
					return nil
				}}
			}
			assert.NoError(t, pool.Evaluate(context.Background(), tasks))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(200), total.Load())
}

// ============================================================================
// Graceful Shutdown Tests
// ============================================================================

func TestStopBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.NotPanics(t, pool.Stop)
}

func TestEvaluateBeforeStart(t *testing.T) {
	pool := NewPool(10)
	assert.ErrorIs(t, pool.Evaluate(context.Background(), []Task{{Fn: sleeper(0)}}), ErrPoolNotStarted)
}

func TestEvaluateAfterStop(t *testing.T) {
	pool := NewPool(10)
	require.NoError(t, pool.Start(2))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Evaluate(context.Background(), []Task{{Fn: sleeper(0)}}), ErrPoolClosed)
}

func TestStopUnblocksEvaluate(t *testing.T) {
	pool := NewPool(0)
	require.NoError(t, pool.Start(1))

	// occupy the only worker so the unbuffered send blocks
	release := make(chan struct{})
	running := make(chan struct{})
	go pool.Evaluate(context.Background(), []Task{{Fn: func(context.Context) error {
		close(running)
		<-release
		return nil
	}}})
	<-running

	errCh := make(chan error, 1)
	go func() { errCh <- pool.Evaluate(context.Background(), []Task{{Fn: sleeper(0)}}) }()
	time.Sleep(10 * time.Millisecond)

	go pool.Stop()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("Evaluate stayed blocked after Stop")
	}
	close(release)
}

// ============================================================================
// Benchmark Tests
// ============================================================================

func BenchmarkEvaluate(b *testing.B) {
	pool := NewPool(64)
	pool.Start(8)
	defer pool.Stop()

	tasks := make([]Task, 64)
	for i := range tasks {
		tasks[i] = Task{ID: i, Fn: func(context.Context) error { return nil }}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pool.Evaluate(context.Background(), tasks)
	}
}
