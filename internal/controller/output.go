package controller

import (
	"fmt"

	"github.com/ChuLiYu/evorun/internal/replay"
	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/pkg/types"
)

// Store 檢查點儲存的具體型別
type Store = replay.Store[*schedule.Schedule]

// Output Controller 的對外回呼
//
// 所有方法都在 worker goroutine 上同步呼叫，實作必須快速返回，
// 且不得在返回後繼續使用傳入的 *Schedule 或 *Store。
type Output interface {
	// AsynchronousFeedback 每次步進或 seek 之後呼叫；僅供參考，可能已過時
	AsynchronousFeedback(s *schedule.Schedule, store *Store)
	// SynchronousFeedback 載入新計算、套用編輯或調整速率之後呼叫
	SynchronousFeedback(s *schedule.Schedule, store *Store)
	// SimulationCompleted 在 seek sequence 之外所有目標都達成時呼叫一次
	SimulationCompleted(last Action)
	// SimulationException 步進失敗時呼叫
	SimulationException(err error)
	// Terminated worker goroutine 結束前的最後一次呼叫
	Terminated(last Action)
}

// NopOutput 忽略所有通知
type NopOutput struct{}

func (NopOutput) AsynchronousFeedback(*schedule.Schedule, *Store) {}
func (NopOutput) SynchronousFeedback(*schedule.Schedule, *Store)  {}
func (NopOutput) SimulationCompleted(Action)                      {}
func (NopOutput) SimulationException(error)                       {}
func (NopOutput) Terminated(Action)                               {}

// StepError 外部步進契約回傳的錯誤或 panic
type StepError struct {
	Index types.TimeIndex // 失敗時嘗試到達的位置
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step to %s failed: %v", e.Index, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
