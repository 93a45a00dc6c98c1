package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      int                             // 呼叫端自訂的編號（例如族群分段的索引）
	Fn      func(ctx context.Context) error // 任務內容
	Timeout time.Duration                   // 執行超時時間，<= 0 表示不限

	reply chan<- Result // 由 Evaluate 填入
}

// Result 代表任務執行結果
type Result struct {
	ID       int           // 任務 ID
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
