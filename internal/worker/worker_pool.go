// ============================================================================
// evorun Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和任務分發，
//       供適應度評估等可平行化的模組使用
//
// 架構組件:
//   ┌─────────────┐
//   │   Module    │ --Evaluate()--> taskCh
//   └─────────────┘
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ reply
//   │  │Worker 3│←── taskCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Evaluate(ctx, tasks) - 提交一組任務並等待全部完成
//   4. Stop() - 關閉 taskCh，等待所有 Worker 完成
//
// 並發控制:
//   - sendMu: submit 持有讀鎖送出任務，Stop 先關閉 stopCh 再取得寫鎖關閉 taskCh，
//     因此不會對已關閉的 channel 送值
//   - Evaluate 每次呼叫使用自己的結果通道，多個呼叫端不會互相搶結果
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var log = slog.Default()

// SetLogger 替換套件的 logger；須在啟動前呼叫
func SetLogger(l *slog.Logger) {
	log = l
}

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStarted Start 只能呼叫一次
	ErrPoolStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers []*Worker
	taskCh  chan Task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
	mu      sync.Mutex   // 保護 started / stopped / workers
	sendMu  sync.RWMutex // 保護 taskCh 的關閉
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務通道的緩衝大小
func NewPool(bufferSize int) *Pool {
	return &Pool{
		workers: make([]*Worker, 0),
		taskCh:  make(chan Task, bufferSize),
		stopCh:  make(chan struct{}),
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolStarted
	}
	if workerCount < 1 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	log.Debug("Worker pool started", "workers", workerCount)
	return nil
}

func (p *Pool) submit(ctx context.Context, task Task) error {
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()

	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()
	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolClosed
	}

	select {
	case p.taskCh <- task:
		return nil
	case <-p.stopCh:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evaluate 提交一組任務並等待全部完成
//
// 返回值：
//   - error: 所有失敗任務的錯誤（errors.Join），或 ctx / Pool 關閉的錯誤
func (p *Pool) Evaluate(ctx context.Context, tasks []Task) error {
	reply := make(chan Result, len(tasks))

	submitted := 0
	var submitErr error
	for _, task := range tasks {
		task.reply = reply
		if err := p.submit(ctx, task); err != nil {
			submitErr = err
			break
		}
		submitted++
	}

	var errs []error
	for i := 0; i < submitted; i++ {
		select {
		case r := <-reply:
			if r.Error != nil {
				errs = append(errs, fmt.Errorf("task %d: %w", r.ID, r.Error))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if submitErr != nil {
		return submitErr
	}
	return errors.Join(errs...)
}

// Stop 優雅地關閉 Worker Pool
//  1. 設定 stopped 標誌並關閉 stopCh（阻塞中的 Evaluate 會返回）
//  2. 取得 sendMu 寫鎖後關閉 taskCh
//  3. 等待所有 Worker 完成當前任務
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stopCh)

	p.sendMu.Lock()
	close(p.taskCh)
	p.sendMu.Unlock()

	p.wg.Wait()
	log.Debug("Worker pool stopped")
}

// GetWorkerCount 返回當前 Worker 數量
func (p *Pool) GetWorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
