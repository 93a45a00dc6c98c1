// ============================================================================
// evorun TimeController - 即時節流與執行時間統計
// ============================================================================
//
// Package: internal/timing
// 文件: time_controller.go
// 功能: 以「信用額度」方式把步進限制在每秒 N 個世代，並統計時間
//
// 信用演算法（每個世代呼叫一次 AwaitNextTick）:
//   credit += 1/rate - elapsed
//   credit >  0.05s  → 在 waitable 上等待 credit 秒（可被新命令打斷）
//   credit < -0.3s   → 夾回 -0.3s，慢速區段不會累積無上限的追趕速度
//
// 時間統計:
//   - run time:        StartCounting ~ StopCounting 之間的牆鐘時間
//   - processing time: run time 扣除 BeginTimeout ~ EndTimeout 的區間
//                      （節流等待本身也算 timeout）
//
// 這個元件不回報任何應用錯誤；被打斷的等待只是提早返回。
// ============================================================================

package timing

import (
	"sync"
	"time"
)

const (
	// waitThreshold 信用超過這個值才真的等待
	waitThreshold = 50 * time.Millisecond
	// minCredit 信用下限
	minCredit = -300 * time.Millisecond
)

// Clock 時間來源，測試時可替換
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Waitable 可被打斷的等待
type Waitable interface {
	// Wait 最多等待 d；被打斷時回傳 true
	Wait(d time.Duration) (interrupted bool)
}

// SleepWaitable 不可打斷的等待，用於沒有命令佇列的呼叫端
type SleepWaitable struct{}

// Wait implements Waitable.
func (SleepWaitable) Wait(d time.Duration) bool {
	time.Sleep(d)
	return false
}

// Controller 節流與計時
//
// 只由 worker goroutine 呼叫步進相關方法；
// 讀取統計值（RunTime / ProcessingTime / SpeedLimit）可以跨 goroutine。
type Controller struct {
	mu    sync.Mutex
	clock Clock

	rate     float64       // 每秒世代數，<= 0 表示不限速
	credit   time.Duration // 目前累積的信用
	ticked   bool          // 本次計數區間內是否已經 tick 過
	resumed  bool          // 上一次等待被中斷，同一世代不再加信用
	lastTick time.Time

	counting   bool
	countStart time.Time
	excluded   time.Duration // 本次計數區間內被排除的時間

	inTimeout    bool
	timeoutStart time.Time

	runTime        time.Duration
	processingTime time.Duration
}

// New 建立使用真實時鐘的 Controller
func New() *Controller {
	return NewWithClock(realClock{})
}

// NewWithClock 建立使用指定時鐘的 Controller
func NewWithClock(clock Clock) *Controller {
	return &Controller{clock: clock}
}

// StartCounting 開始一個計數區間
func (c *Controller) StartCounting() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.counting {
		return
	}
	c.counting = true
	c.countStart = c.clock.Now()
	c.excluded = 0
	c.ticked = false
	c.resumed = false
}

// StopCounting 結束計數區間並累加總計；重複呼叫無副作用
func (c *Controller) StopCounting() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.counting {
		return
	}
	now := c.clock.Now()
	if c.inTimeout {
		c.excluded += now.Sub(c.timeoutStart)
		c.inTimeout = false
	}

	period := now.Sub(c.countStart)
	c.runTime += period
	if processed := period - c.excluded; processed > 0 {
		c.processingTime += processed
	}
	c.counting = false
	c.ticked = false
}

// SetSpeedLimit 設定每秒世代數；改變速率會把信用歸零
func (c *Controller) SetSpeedLimit(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rate < 0 {
		rate = 0
	}
	c.rate = rate
	c.credit = 0
	c.resumed = false
}

// SpeedLimit 目前的速率，0 表示不限速
func (c *Controller) SpeedLimit() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Credit 目前的信用（測試與除錯用）
func (c *Controller) Credit() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credit
}

// BeginTimeout 之後的時間不計入 processing time
func (c *Controller) BeginTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beginTimeoutLocked()
}

// EndTimeout 結束排除區間
func (c *Controller) EndTimeout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endTimeoutLocked()
}

func (c *Controller) beginTimeoutLocked() {
	if c.inTimeout {
		return
	}
	c.inTimeout = true
	c.timeoutStart = c.clock.Now()
}

func (c *Controller) endTimeoutLocked() {
	if !c.inTimeout {
		return
	}
	c.excluded += c.clock.Now().Sub(c.timeoutStart)
	c.inTimeout = false
}

// AwaitNextTick 每個世代呼叫一次，必要時在 w 上等待
//
// 回傳值：
//   - bool: 等待是否被打斷
func (c *Controller) AwaitNextTick(w Waitable) bool {
	c.mu.Lock()
	now := c.clock.Now()
	if !c.ticked {
		c.ticked = true
		c.lastTick = now
		c.mu.Unlock()
		return false
	}

	elapsed := now.Sub(c.lastTick)
	c.lastTick = now
	if c.rate <= 0 {
		c.credit = 0
		c.mu.Unlock()
		return false
	}

	if c.resumed {
		c.resumed = false
		c.credit -= elapsed
	} else {
		c.credit += time.Duration(float64(time.Second)/c.rate) - elapsed
	}
	if c.credit < minCredit {
		c.credit = minCredit
	}
	if c.credit <= waitThreshold {
		c.mu.Unlock()
		return false
	}

	wait := c.credit
	c.beginTimeoutLocked()
	c.mu.Unlock()

	// 等待期間不持有鎖，統計值仍可被讀取
	interrupted := w.Wait(wait)

	c.mu.Lock()
	c.endTimeoutLocked()
	c.resumed = interrupted
	c.mu.Unlock()
	return interrupted
}

// RunTime 累計的牆鐘時間（含進行中的區間）
func (c *Controller) RunTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.runTime
	if c.counting {
		total += c.clock.Now().Sub(c.countStart)
	}
	return total
}

// ProcessingTime 累計的實際步進時間
func (c *Controller) ProcessingTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.processingTime
	if c.counting {
		now := c.clock.Now()
		excluded := c.excluded
		if c.inTimeout {
			excluded += now.Sub(c.timeoutStart)
		}
		if p := now.Sub(c.countStart) - excluded; p > 0 {
			total += p
		}
	}
	return total
}

// ResetTotals 清除累計值與信用；Controller 每次載入計算時呼叫
func (c *Controller) ResetTotals() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.runTime = 0
	c.processingTime = 0
	c.credit = 0
	if c.counting {
		c.countStart = c.clock.Now()
		c.excluded = 0
	}
}
