// ============================================================================
// evorun Schedule - 步進狀態機
// ============================================================================
//
// Package: internal/schedule
// 文件: schedule.go
// 功能: 持有目前的計算配置（模組接線、目前 / 下一個 TimeIndex、停止旗標），
//       每次 Step() 推進一個狀態轉換並觸發生命週期通知
//
// 狀態（由 current / next 與 stopRequested 推導，不另外儲存）:
//
//   not-started ──Step──▶ enterSchedule ─▶ enterBatch
//   batch-boundary ─Step─▶ enterBatch   (next.Batch != current.Batch)
//   run-boundary ───Step─▶ enterRun     (next.Run   != current.Run)
//   mid-run ────────Step─▶ advanceGeneration
//
//   每個轉換結束後：afterStep() → computeNextStepTimeIndex()
//
// 模組初始化順序（依類別）:
//   search space → fitness → mapper → operator graph → operators →
//   parameter control → stop criteria → population manager → observers → views
//
// 錯誤處理:
//   外部步進契約（types.Stepper）回傳的錯誤原樣向上傳遞，
//   由 Controller 負責捕捉並執行 fallback。
//
// 並發:
//   Schedule 只能由 Controller 的 worker goroutine 修改。
// ============================================================================

package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/google/uuid"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrFinished 計算已經到達 End
	ErrFinished = errors.New("schedule: already finished")
	// ErrReentrantInitialize 初始化過程中再次要求初始化
	ErrReentrantInitialize = errors.New("schedule: initialize called while initializing")
	// ErrUnsupportedModule 批次配置指向不支援配置的模組
	ErrUnsupportedModule = errors.New("schedule: module does not support this configuration")
	// ErrEmptyCatalog 沒有任何批次
	ErrEmptyCatalog = errors.New("schedule: batch catalog is empty")
	// ErrNoStepper 沒有實作步進契約的模組
	ErrNoStepper = errors.New("schedule: no module implements the step contract")
	// ErrDuplicateModule 模組 ID 重複
	ErrDuplicateModule = errors.New("schedule: duplicate module id")
	// ErrBatchConfig 批次配置推導失敗
	ErrBatchConfig = errors.New("schedule: batch configuration failed")
)

type phase int

const (
	phaseIdle phase = iota
	phaseInitializing
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Schedule 一個可步進、可複製的計算
type Schedule struct {
	id      string
	catalog *types.BatchCatalog
	modules []types.Module

	current types.TimeIndex
	next    types.TimeIndex

	stopRequested bool
	aborted       bool

	runsCompletedInBatch int
	generationsInBatch   int

	phase     phase
	observers []namedObserver
}

type namedObserver struct {
	name string
	Observer
}

// New 建立新的計算；ID 由 uuid 產生
func New(catalog *types.BatchCatalog, modules ...types.Module) *Schedule {
	s := &Schedule{
		id:      uuid.NewString(),
		catalog: catalog,
		modules: append([]types.Module(nil), modules...),
		current: types.Start,
	}
	s.next = s.computeNextStepTimeIndex()
	return s
}

// Validate 在開始之前檢查配置（環境 / 配置錯誤不會在步進時才出現）
func (s *Schedule) Validate() error {
	if s.catalog.Len() == 0 {
		return ErrEmptyCatalog
	}

	seen := make(map[types.ModuleID]bool, len(s.modules))
	hasStepper := false
	for _, m := range s.modules {
		if seen[m.ID()] {
			return fmt.Errorf("%w: %s", ErrDuplicateModule, m.ID())
		}
		seen[m.ID()] = true
		if _, ok := m.(types.Stepper); ok {
			hasStepper = true
		}
	}
	if !hasStepper {
		return ErrNoStepper
	}

	for n, desc := range s.catalog.Batches() {
		for id, cfg := range desc.Config {
			if err := s.validateConfig(id, cfg); err != nil {
				return fmt.Errorf("batch %d: %w", n+1, err)
			}
		}
	}
	return nil
}

func (s *Schedule) validateConfig(id types.ModuleID, cfg types.ModuleConfig) error {
	m, ok := s.Lookup(id)
	if !ok {
		return fmt.Errorf("%w: unknown module %q", ErrUnsupportedModule, id)
	}
	c, ok := m.(types.Configurable)
	if !ok {
		return fmt.Errorf("%w: %q is not configurable", ErrUnsupportedModule, id)
	}
	if err := c.Validate(cfg); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedModule, id, err)
	}
	return nil
}

// ============================================================================
// 步進
// ============================================================================

// Step 執行一個狀態轉換
func (s *Schedule) Step(ctx context.Context) error {
	if s.next.IsEnd() {
		return ErrFinished
	}

	var err error
	switch {
	case s.current.IsStart():
		err = s.enterSchedule(ctx)
	case s.next.Batch != s.current.Batch:
		err = s.enterBatch(ctx)
	case s.next.Run != s.current.Run:
		err = s.enterRun(ctx)
	default:
		err = s.advanceGeneration(ctx)
	}
	if err != nil {
		return err
	}

	s.afterStep()
	s.next = s.computeNextStepTimeIndex()
	return nil
}

func (s *Schedule) enterSchedule(ctx context.Context) error {
	s.notify(EventScheduleStarted)
	return s.enterBatch(ctx)
}

func (s *Schedule) enterBatch(ctx context.Context) error {
	s.current = s.next
	s.runsCompletedInBatch = 0
	s.generationsInBatch = 0

	desc, err := s.catalog.At(s.current.Batch)
	if err != nil {
		return err
	}
	desc.Started = true
	desc.Finished = false

	if err := s.applyBatchConfig(desc); err != nil {
		return err
	}
	if err := s.CallInitialize(); err != nil {
		return err
	}

	s.notify(EventBatchStarted)
	return s.beginRun(ctx)
}

func (s *Schedule) enterRun(ctx context.Context) error {
	s.current = s.next
	if err := s.CallInitialize(); err != nil {
		return err
	}
	return s.beginRun(ctx)
}

func (s *Schedule) beginRun(ctx context.Context) error {
	s.stopRequested = false
	s.aborted = false
	s.notify(EventRunStarted)

	for _, m := range s.ordered() {
		if p, ok := m.(types.PopulationInitializer); ok {
			if err := p.InitPopulation(ctx, s); err != nil {
				return fmt.Errorf("init population %s: %w", m.ID(), err)
			}
		}
	}

	s.generationsInBatch++
	s.notify(EventGeneration)
	s.checkStopCriteria()
	return nil
}

func (s *Schedule) advanceGeneration(ctx context.Context) error {
	s.current = s.next
	for _, m := range s.ordered() {
		if st, ok := m.(types.Stepper); ok {
			if err := st.Step(ctx, s); err != nil {
				return fmt.Errorf("step %s at %s: %w", m.ID(), s.current, err)
			}
		}
	}

	s.generationsInBatch++
	s.notify(EventGeneration)
	s.checkStopCriteria()
	return nil
}

func (s *Schedule) checkStopCriteria() {
	for _, m := range s.ordered() {
		if c, ok := m.(types.StopCriterion); ok {
			c.Check(s)
		}
	}
}

// afterStep run 結束時觸發 completed / aborted / finalize 與批次結束通知
func (s *Schedule) afterStep() {
	if !s.stopRequested {
		return
	}

	if s.aborted {
		s.notify(EventRunAborted)
	} else {
		s.notify(EventRunCompleted)
	}
	s.notify(EventRunFinalized)
	s.runsCompletedInBatch++

	if s.isLastRunInBatch() {
		if desc, err := s.catalog.At(s.current.Batch); err == nil {
			desc.Finished = true
		}
		s.notify(EventBatchFinished)
		if s.isLastBatch() {
			s.notify(EventScheduleFinished)
		}
	}
}

// computeNextStepTimeIndex 由目前旗標推導下一個位置（純投影，不是狀態來源）
func (s *Schedule) computeNextStepTimeIndex() types.TimeIndex {
	switch {
	case s.current.IsStart():
		return types.First
	case !s.stopRequested:
		return s.current.NextGeneration()
	case !s.isLastRunInBatch():
		return s.current.NextRunStart()
	case !s.isLastBatch():
		return s.current.NextBatchStart()
	default:
		return types.End
	}
}

func (s *Schedule) isLastRunInBatch() bool {
	desc, err := s.catalog.At(s.current.Batch)
	if err != nil {
		return true
	}
	return s.current.Run >= desc.Runs
}

func (s *Schedule) isLastBatch() bool {
	return s.current.Batch >= s.catalog.Len()
}

// TriggerStopCriterion 停止條件成立：本世代結束後 run 以 completed 結束
func (s *Schedule) TriggerStopCriterion() {
	s.stopRequested = true
	s.aborted = false
}

// TriggerSkip 在步進中要求以 aborted 結束目前的 run
func (s *Schedule) TriggerSkip() {
	s.stopRequested = true
	s.aborted = true
}

// Skip 在步進之外立即結束目前的 run（視同被中止），不再執行任何世代
//
// 返回值：
//   - bool: 是否真的跳過（未開始、已結束或 run 已停止時為 false）
func (s *Schedule) Skip() bool {
	if s.current.IsStart() || s.next.IsEnd() || s.stopRequested {
		return false
	}
	s.TriggerSkip()
	s.afterStep()
	s.next = s.computeNextStepTimeIndex()
	return true
}

// Reset 回到 Start，清除批次旗標
func (s *Schedule) Reset() {
	s.current = types.Start
	s.stopRequested = false
	s.aborted = false
	s.runsCompletedInBatch = 0
	s.generationsInBatch = 0
	s.catalog.Reset()
	s.next = s.computeNextStepTimeIndex()
}

// ============================================================================
// 模組初始化
// ============================================================================

// CallInitialize 依類別順序重新初始化所有模組；不可重入
func (s *Schedule) CallInitialize() error {
	if s.phase == phaseInitializing {
		return ErrReentrantInitialize
	}
	s.phase = phaseInitializing
	defer func() { s.phase = phaseIdle }()

	for _, m := range s.ordered() {
		if in, ok := m.(types.Initializer); ok {
			if err := in.Initialize(s); err != nil {
				return fmt.Errorf("initialize %s: %w", m.ID(), err)
			}
		}
	}
	return nil
}

func (s *Schedule) applyBatchConfig(desc *types.BatchDescriptor) error {
	merged := make(map[types.ModuleID]types.ModuleConfig, len(desc.Config))
	for id, cfg := range desc.Config {
		merged[id] = cfg
	}

	for _, m := range s.ordered() {
		bc, ok := m.(types.BatchConfigurer)
		if !ok {
			continue
		}
		derived, err := bc.ConfigureBatch(s.current.Batch, desc)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBatchConfig, m.ID(), err)
		}
		for id, cfg := range derived {
			merged[id] = cfg
		}
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)

	for _, id := range ids {
		cfg := merged[types.ModuleID(id)]
		if err := s.validateConfig(types.ModuleID(id), cfg); err != nil {
			return err
		}
		m, _ := s.Lookup(types.ModuleID(id))
		if err := m.(types.Configurable).SetConfig(cfg.Clone()); err != nil {
			return fmt.Errorf("configure %s: %w", id, err)
		}
	}
	return nil
}

// ordered 依類別排序的模組（穩定排序，同類別保持加入順序）
func (s *Schedule) ordered() []types.Module {
	out := append([]types.Module(nil), s.modules...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Category() < out[j].Category()
	})
	return out
}

func (s *Schedule) notify(ev Event) {
	for _, o := range s.observers {
		o.OnEvent(ev, s)
	}
}

// ============================================================================
// types.Context 實作
// ============================================================================

// Index 目前的位置
func (s *Schedule) Index() types.TimeIndex { return s.current }

// Batch 目前批次的描述
func (s *Schedule) Batch() *types.BatchDescriptor {
	desc, err := s.catalog.At(s.current.Batch)
	if err != nil {
		return nil
	}
	return desc
}

// Lookup 依 ID 取得模組
func (s *Schedule) Lookup(id types.ModuleID) (types.Module, bool) {
	for _, m := range s.modules {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}

// Find 取得指定類別的第一個模組
func (s *Schedule) Find(c types.Category) (types.Module, bool) {
	for _, m := range s.modules {
		if m.Category() == c {
			return m, true
		}
	}
	return nil, false
}

// ============================================================================
// 存取與複製
// ============================================================================

// ID 計算識別碼
func (s *Schedule) ID() string { return s.id }

// CurrentIndex 目前的位置（replay.Snapshot）
func (s *Schedule) CurrentIndex() types.TimeIndex { return s.current }

// NextIndex 下一次 Step 會到達的位置
func (s *Schedule) NextIndex() types.TimeIndex { return s.next }

// Finished 是否已經到達 End
func (s *Schedule) Finished() bool { return s.next.IsEnd() }

// StopRequested 目前的 run 是否已要求停止
func (s *Schedule) StopRequested() bool { return s.stopRequested }

// Aborted 目前的 run 是否被中止
func (s *Schedule) Aborted() bool { return s.aborted }

// Catalog 批次目錄
func (s *Schedule) Catalog() *types.BatchCatalog { return s.catalog }

// Modules 模組列表的副本
func (s *Schedule) Modules() []types.Module {
	return append([]types.Module(nil), s.modules...)
}

// RunsCompletedInBatch 目前批次已完成的 run 數
func (s *Schedule) RunsCompletedInBatch() int { return s.runsCompletedInBatch }

// GenerationsInBatch 目前批次累計的世代數
func (s *Schedule) GenerationsInBatch() int { return s.generationsInBatch }

// AttachObserver 以名稱加入觀察者；同名的觀察者會被取代，重複呼叫不會重複通知
func (s *Schedule) AttachObserver(name string, o Observer) {
	for i, existing := range s.observers {
		if existing.name == name {
			s.observers[i].Observer = o
			return
		}
	}
	s.observers = append(s.observers, namedObserver{name: name, Observer: o})
}

// Clone 結構上獨立的副本：目錄深拷貝、每個模組呼叫 Snapshot()；觀察者沿用
func (s *Schedule) Clone() *Schedule {
	c := &Schedule{
		id:                   s.id,
		catalog:              s.catalog.Clone(),
		modules:              make([]types.Module, len(s.modules)),
		current:              s.current,
		next:                 s.next,
		stopRequested:        s.stopRequested,
		aborted:              s.aborted,
		runsCompletedInBatch: s.runsCompletedInBatch,
		generationsInBatch:   s.generationsInBatch,
		observers:            append([]namedObserver(nil), s.observers...),
	}
	for i, m := range s.modules {
		c.modules[i] = m.Snapshot()
	}
	return c
}

// Edit 對目前的計算套用修改函式（由 Controller 在 worker goroutine 上呼叫）
func (s *Schedule) Edit(fn func(catalog *types.BatchCatalog, modules []types.Module) error) error {
	return fn(s.catalog, s.modules)
}
