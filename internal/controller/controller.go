// ============================================================================
// evorun 控制器 - RunControl
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 擁有唯一的 worker goroutine，負責所有步進、seek 與檢查點讀寫；
//       其他 goroutine 只能透過指令佇列與 Controller 溝通
//
// 主循環（直到處理 Terminate 為止）:
//   1. 佇列為空時等待（等待期間停止計時）
//   2. 依序取出並套用所有指令；遇到 Terminate 立即離開
//   3. 調整目標：next 超過 seekTarget / runTarget 時清除
//   4. 沒有待完成的目標 → 回報完成（seek sequence 中不回報），回到 1
//   5. 沒有 seek 時等待節流窗口；等待期間有新指令 → 回到 2
//   6. 步進：
//        live index 在最後一個檢查點之前 → next 是檢查點就直接載入，否則正常步進
//        否則 → 正常步進並記錄檢查點
//      失敗 → SimulationException + fallback（清除目標、丟棄計算與檢查點）
//   7. 每次步進後回報 AsynchronousFeedback
//
// 並發:
//   - schedule / store / 目標欄位只由 worker goroutine 存取
//   - Send / Load / Edit / Save 只會把請求放進佇列（不阻塞 worker）
//   - Status() 讀取 worker 每輪發布的副本（statusMu 保護）
//
// 取消:
//   步進中不可中斷；Terminate 只在兩次步進之間生效。
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/evorun/internal/metrics"
	"github.com/ChuLiYu/evorun/internal/replay"
	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/internal/snapshot"
	"github.com/ChuLiYu/evorun/internal/storage/wal"
	"github.com/ChuLiYu/evorun/internal/timing"
	"github.com/ChuLiYu/evorun/pkg/types"
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
	// ErrAlreadyStarted Start 只能呼叫一次
	ErrAlreadyStarted = errors.New("controller: already started")
	// ErrNotLoaded 目前沒有載入任何計算
	ErrNotLoaded = errors.New("controller: no computation loaded")
	// ErrTerminated worker 已經結束
	ErrTerminated = errors.New("controller: terminated")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	SpeedLimit float64            // 初始速率（每秒世代數），<= 0 表示不限速
	Clock      timing.Clock       // 節流用時鐘，nil 使用真實時鐘
	Metrics    *metrics.Collector // 可選
	Journal    *wal.Journal       // 可選，記錄生命週期事件
	// KeepBackups 存檔時保留的舊版本數；0 表示直接覆寫
	KeepBackups int
}

// Status worker 發布的狀態副本
type Status struct {
	ComputationID  string
	Loaded         bool
	Current        types.TimeIndex
	Next           types.TimeIndex
	RunTarget      *types.TimeIndex
	SeekTarget     *types.TimeIndex
	InSeekSequence bool
	SpeedLimit     float64
	Checkpoints    int
	Steps          uint64
	Failures       uint64
	RunTime        time.Duration
	ProcessingTime time.Duration
	Terminated     bool
}

// Running 是否還有待完成的目標
func (s Status) Running() bool {
	return s.SeekTarget != nil || (s.RunTarget != nil && !s.InSeekSequence)
}

// Controller 執行控制核心
type Controller struct {
	cfg    Config
	out    Output
	inbox  *inbox
	timer  *timing.Controller
	ctx    context.Context
	cancel context.CancelFunc

	// 以下欄位只由 worker goroutine 存取
	schedule       *schedule.Schedule
	store          *Store
	runTarget      types.TimeIndex
	seekTarget     types.TimeIndex
	hasRun         bool
	hasSeek        bool
	inSeekSequence bool
	dirty          bool // 上次回報完成之後是否有新的進展或指令
	lastAction     Action
	steps          uint64
	failures       uint64

	statusMu sync.RWMutex
	status   Status

	startOnce sync.Once
	started   bool
	done      chan struct{}
}

// ============================================================================
// 公開介面
// ============================================================================

// New 建立 Controller；out 為 nil 時忽略所有通知
func New(cfg Config, out Output) *Controller {
	if out == nil {
		out = NopOutput{}
	}

	timer := timing.New()
	if cfg.Clock != nil {
		timer = timing.NewWithClock(cfg.Clock)
	}
	timer.SetSpeedLimit(cfg.SpeedLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		out:    out,
		inbox:  newInbox(),
		timer:  timer,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.status.SpeedLimit = cfg.SpeedLimit
	return c
}

// Start 啟動 worker goroutine
func (c *Controller) Start() error {
	err := ErrAlreadyStarted
	c.startOnce.Do(func() {
		c.started = true
		err = nil
		go c.loop()
		log.Info("Controller started", "speed_limit", c.cfg.SpeedLimit)
	})
	return err
}

// Send 依序加入指令；不阻塞、不會失敗
func (c *Controller) Send(actions ...Action) {
	reqs := make([]request, len(actions))
	for i, a := range actions {
		reqs[i] = request{action: a}
	}
	c.inbox.push(reqs...)
}

// Load 載入新的計算（在呼叫端先驗證），由 worker 接手後回報 SynchronousFeedback
//
// 參數：
//   - s: 要執行的計算；之後只能由 Controller 存取
//   - store: 既有的檢查點（例如從狀態檔恢復），nil 時建立新的
func (c *Controller) Load(s *schedule.Schedule, store *Store) error {
	if s == nil {
		return ErrNotLoaded
	}
	if err := s.Validate(); err != nil {
		return fmt.Errorf("load computation: %w", err)
	}
	c.inbox.push(request{run: func() { c.applyLoad(s, store) }})
	return nil
}

// Edit 在 worker 上修改目前的計算；目前位置之後（含）的檢查點會被捨棄
func (c *Controller) Edit(ctx context.Context, fn func(s *schedule.Schedule) error) error {
	resp := make(chan error, 1)
	c.inbox.push(request{run: func() { resp <- c.applyEdit(fn) }})
	return c.await(ctx, resp)
}

// Snapshot 在 worker 上擷取可持久化的狀態
func (c *Controller) Snapshot(ctx context.Context) (*snapshot.File, error) {
	type result struct {
		f   *snapshot.File
		err error
	}
	resp := make(chan result, 1)
	c.inbox.push(request{run: func() {
		if c.schedule == nil {
			resp <- result{err: ErrNotLoaded}
			return
		}
		f, err := snapshot.Capture(c.schedule, c.store)
		resp <- result{f: f, err: err}
	}})

	select {
	case r := <-resp:
		return r.f, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		select {
		case r := <-resp:
			return r.f, r.err
		default:
			return nil, ErrTerminated
		}
	}
}

// Save 擷取狀態並原子性寫入狀態檔；KeepBackups > 0 時先把舊檔改名備份
func (c *Controller) Save(ctx context.Context, mgr *snapshot.Manager) error {
	f, err := c.Snapshot(ctx)
	if err != nil {
		return err
	}
	if c.cfg.KeepBackups > 0 {
		err = mgr.WriteWithBackup(f, c.cfg.KeepBackups)
	} else {
		err = mgr.Write(f)
	}
	if err != nil {
		return err
	}
	log.Info("State saved", "path", mgr.GetPath(), "checkpoints", len(f.Checkpoints), "backups", c.cfg.KeepBackups)
	return nil
}

// Status 最近一次發布的狀態
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Wait 阻塞直到 worker 結束
func (c *Controller) Wait() {
	<-c.done
}

// Done worker 結束時關閉
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) await(ctx context.Context, resp <-chan error) error {
	select {
	case err := <-resp:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		select {
		case err := <-resp:
			return err
		default:
			return ErrTerminated
		}
	}
}

// ============================================================================
// 主循環
// ============================================================================

func (c *Controller) loop() {
	defer close(c.done)
	defer c.finish()

	for {
		if !c.drain() {
			return
		}
		c.reconcile()

		if c.idle() {
			c.timer.StopCounting()
			c.publish()
			if c.dirty && !c.inSeekSequence {
				c.dirty = false
				c.out.SimulationCompleted(c.lastAction)
			}
			c.inbox.wait()
			continue
		}

		c.timer.StartCounting()
		if !c.hasSeek && c.timer.AwaitNextTick(c.inbox) {
			// 等待期間有新指令
			continue
		}

		c.step()
		c.publish()
	}
}

// drain 依序套用所有請求；收到 Terminate 時回傳 false
func (c *Controller) drain() bool {
	for _, r := range c.inbox.drain() {
		if r.run != nil {
			r.run()
			continue
		}
		c.lastAction = r.action
		if r.action.Kind == ActionTerminate {
			log.Info("Terminate requested")
			return false
		}
		c.apply(r.action)
	}
	return true
}

func (c *Controller) apply(a Action) {
	log.Debug("Applying action", "action", a.String())

	switch a.Kind {
	case ActionSuspend:
		c.hasRun = false
		c.hasSeek = false
		c.dirty = true
	case ActionStart:
		if c.schedule == nil {
			log.Warn("Start ignored: no computation loaded")
			return
		}
		c.runTarget, c.hasRun = types.Last, true
		c.dirty = true
	case ActionSetSpeed:
		c.timer.SetSpeedLimit(a.Rate)
		if c.schedule != nil {
			c.out.SynchronousFeedback(c.schedule, c.store)
		}
	case ActionStartSeekSequence:
		c.inSeekSequence = true
	case ActionEndSeekSequence:
		c.inSeekSequence = false
		c.dirty = true
	default:
		if a.IsSeek() {
			c.applySeek(a)
			return
		}
		log.Warn("Unknown action ignored", "action", a.String())
	}
}

// reconcile 清除已經被 next 超過的目標
func (c *Controller) reconcile() {
	if c.schedule == nil {
		c.hasRun, c.hasSeek = false, false
		return
	}

	next := c.schedule.NextIndex()
	if next.IsEnd() {
		c.hasRun, c.hasSeek = false, false
		return
	}
	if c.hasSeek && c.seekTarget.Less(next) {
		c.hasSeek = false
	}
	if c.hasRun && c.runTarget.Less(next) {
		c.hasRun = false
	}
}

func (c *Controller) idle() bool {
	return !c.hasSeek && (!c.hasRun || c.inSeekSequence)
}

// ============================================================================
// 步進
// ============================================================================

func (c *Controller) step() {
	start := time.Now()
	if err := c.advance(); err != nil {
		c.fallback(err)
		return
	}

	c.steps++
	c.dirty = true
	c.cfg.Metrics.RecordStep(time.Since(start))
	log.Debug("Step", "index", c.schedule.Index())
	c.out.AsynchronousFeedback(c.schedule, c.store)
}

// advance 執行一次步進或檢查點跳躍；panic 轉成 StepError
func (c *Controller) advance() (err error) {
	next := c.schedule.NextIndex()
	defer func() {
		if r := recover(); r != nil {
			err = &StepError{Index: next, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if last, lerr := c.store.LastPoint(); lerr == nil && c.schedule.Index().Less(last) {
		if c.store.IsEditPoint(next) {
			return c.jump(next)
		}
		if err := c.schedule.Step(c.ctx); err != nil {
			return &StepError{Index: next, Err: err}
		}
		return nil
	}

	if err := c.schedule.Step(c.ctx); err != nil {
		return &StepError{Index: next, Err: err}
	}
	c.store.AddPoint(c.schedule, false)
	return nil
}

// jump 載入 target 之前（含）最近的檢查點
func (c *Controller) jump(target types.TimeIndex) error {
	s, err := c.store.CheckpointFor(target)
	if err != nil {
		return err
	}
	c.attach(s)
	c.schedule = s
	c.cfg.Metrics.RecordJump()
	log.Debug("Loaded checkpoint", "target", target, "index", s.Index())
	return nil
}

// fallback 回報錯誤並清除所有狀態；之後必須重新載入
func (c *Controller) fallback(err error) {
	c.failures++
	var index types.TimeIndex
	if c.schedule != nil {
		index = c.schedule.NextIndex()
	}
	log.Error("Step failed, discarding computation", "index", index, "error", err)

	c.cfg.Metrics.RecordStepError()
	c.record(wal.EventError, index, err.Error(), true)
	c.out.SimulationException(err)

	c.hasRun, c.hasSeek = false, false
	c.schedule = nil
	c.store = nil
	c.dirty = false
	c.out.AsynchronousFeedback(nil, nil)
}

// finish worker 的最後動作；Terminated 只會呼叫一次
func (c *Controller) finish() {
	c.timer.StopCounting()
	c.cancel()
	if c.cfg.Journal != nil {
		if err := c.cfg.Journal.Flush(); err != nil {
			log.Warn("Failed to flush journal", "error", err)
		}
	}

	c.statusMu.Lock()
	c.status.Terminated = true
	c.statusMu.Unlock()

	log.Info("Controller terminated", "steps", c.steps, "failures", c.failures)
	c.out.Terminated(c.lastAction)
}

// ============================================================================
// 載入與編輯
// ============================================================================

func (c *Controller) applyLoad(s *schedule.Schedule, store *Store) {
	if store == nil {
		store = replay.NewStore[*schedule.Schedule]()
	}
	c.attach(s)
	if store.Len() == 0 {
		store.AddPoint(s, true)
	}

	c.schedule = s
	c.store = store
	c.hasRun, c.hasSeek = false, false
	c.dirty = false
	c.timer.ResetTotals()

	log.Info("Computation loaded",
		"id", s.ID(),
		"index", s.Index(),
		"batches", s.Catalog().Len(),
		"checkpoints", store.Len())
	c.out.SynchronousFeedback(c.schedule, c.store)
	c.publish()
}

func (c *Controller) applyEdit(fn func(s *schedule.Schedule) error) error {
	if c.schedule == nil {
		return ErrNotLoaded
	}
	if err := fn(c.schedule); err != nil {
		return err
	}

	index := c.schedule.Index()
	c.store.RemoveAllSince(index)
	c.store.AddPoint(c.schedule, true)
	c.record(wal.EventEdit, index, "", true)

	log.Info("Computation edited", "index", index, "checkpoints", c.store.Len())
	c.out.SynchronousFeedback(c.schedule, c.store)
	c.publish()
	return nil
}

// ============================================================================
// 狀態發布與生命週期紀錄
// ============================================================================

func (c *Controller) publish() {
	st := Status{
		InSeekSequence: c.inSeekSequence,
		SpeedLimit:     c.timer.SpeedLimit(),
		Steps:          c.steps,
		Failures:       c.failures,
		RunTime:        c.timer.RunTime(),
		ProcessingTime: c.timer.ProcessingTime(),
	}
	if c.schedule != nil {
		st.Loaded = true
		st.ComputationID = c.schedule.ID()
		st.Current = c.schedule.Index()
		st.Next = c.schedule.NextIndex()
		st.Checkpoints = c.store.Len()
	}
	if c.hasRun {
		t := c.runTarget
		st.RunTarget = &t
	}
	if c.hasSeek {
		t := c.seekTarget
		st.SeekTarget = &t
	}

	c.statusMu.Lock()
	c.status = st
	c.statusMu.Unlock()

	c.cfg.Metrics.UpdateState(st.Checkpoints, st.SpeedLimit, st.ProcessingTime)
}

func (c *Controller) record(t wal.EventType, index types.TimeIndex, detail string, force bool) {
	if c.cfg.Journal == nil {
		return
	}
	if err := c.cfg.Journal.Append(t, index, detail, force); err != nil {
		log.Warn("Failed to append journal event", "type", t, "error", err)
	}
}

var journalEvents = map[schedule.Event]wal.EventType{
	schedule.EventScheduleStarted:  wal.EventScheduleStarted,
	schedule.EventBatchStarted:     wal.EventBatchStarted,
	schedule.EventRunStarted:       wal.EventRunStarted,
	schedule.EventRunCompleted:     wal.EventRunCompleted,
	schedule.EventRunAborted:       wal.EventRunAborted,
	schedule.EventBatchFinished:    wal.EventBatchFinished,
	schedule.EventScheduleFinished: wal.EventScheduleFinished,
}

const lifecycleObserver = "controller"

// attach 在計算上掛上 Controller 自己的觀察者（重複掛載只保留一個）
func (c *Controller) attach(s *schedule.Schedule) {
	s.AttachObserver(lifecycleObserver, schedule.ObserverFunc(c.onEvent))
}

func (c *Controller) onEvent(ev schedule.Event, s *schedule.Schedule) {
	switch ev {
	case schedule.EventRunCompleted, schedule.EventRunAborted:
		c.cfg.Metrics.RecordRunFinished()
	}
	if t, ok := journalEvents[ev]; ok {
		c.record(t, s.Index(), "", ev == schedule.EventScheduleFinished)
	}
}
