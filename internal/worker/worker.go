// ============================================================================
// evorun Worker - 任務執行單元
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: 實際執行任務的工作單元，每個 Worker 在獨立 goroutine 中運行
//
// 運作方式:
//   1. 從 taskCh 接收任務（阻塞等待）
//   2. 以帶超時的 Context 執行 task.Fn
//   3. 把結果送到呼叫端的 reply 通道
//   4. 重複直到 taskCh 關閉
//
// 錯誤處理:
//   - 超時: ctx.Err() 回傳 DeadlineExceeded
//   - task.Fn 中的 panic 會被轉成錯誤，Worker 不會因此結束
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id     int         // Worker unique identifier, used for logging
	taskCh <-chan Task // Task channel (read-only)
}

func newWorker(id int, taskCh <-chan Task) *Worker {
	return &Worker{
		id:     id,
		taskCh: taskCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		ctx, cancel := context.Background(), context.CancelFunc(func() {})
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		}
		err := w.execute(ctx, task)
		cancel()

		result := Result{
			ID:       task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		if err != nil {
			log.Debug("Task failed", "worker", w.id, "task", task.ID, "error", err)
		}
		// Evaluate 的通道容量等於任務數，不會阻塞
		task.reply <- result
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %d panicked on worker %d: %v", task.ID, w.id, r)
		}
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := task.Fn(ctx); err != nil {
		return err
	}
	// 任務本身不檢查 ctx 時，超時仍然視為失敗
	return ctx.Err()
}
