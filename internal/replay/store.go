// ============================================================================
// evorun Replay - 檢查點儲存（時間旅行）
// ============================================================================
//
// Package: internal/replay
// 文件: store.go
// 功能: 記錄每個造訪過的 TimeIndex 與對應的完整快照，讓 Controller
//       可以跳回任何造訪過的位置而不必重新計算
//
// 不變式:
//   - entries 依 TimeIndex 嚴格遞增
//   - 存入與取出都會複製快照，呼叫端永遠拿不到 store 內部的實例
//   - 查詢只回傳曾經存入的快照，不會憑空產生
//
// 覆寫規則 (AddPoint, forceNewEntry=false):
//   最新 entry 與新位置在同一個 run、新位置正好是下一代、
//   且最新 entry 不是 run 起點也不是編輯點 → 覆寫最新 entry
//   其他情況一律追加
//
//   因此一個 run 只會留下「起點」和「最新一代」兩個檢查點，
//   中間世代由 Controller 從起點重新步進得到。
//
// 並發:
//   Store 不是執行緒安全的，只能由 Controller 的 worker goroutine 存取。
// ============================================================================

package replay

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrNoCheckpoint 目標早於第一個檢查點，或 store 為空
	ErrNoCheckpoint = errors.New("replay: no checkpoint at or before target")
	// ErrEmptyStore store 中沒有任何檢查點
	ErrEmptyStore = errors.New("replay: store is empty")
	// ErrNotIncreasing 以 NewStoreFromEntries 載入時順序不正確
	ErrNotIncreasing = errors.New("replay: checkpoints are not strictly increasing")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Snapshot 可存入 Store 的快照：以 TimeIndex 比較，並能產生獨立副本
type Snapshot[S any] interface {
	CurrentIndex() types.TimeIndex
	Clone() S
}

// Entry 一個檢查點
type Entry[S Snapshot[S]] struct {
	Index types.TimeIndex
	State S
	Edit  bool // 編輯後或跳過後強制追加的檢查點
}

// Store 檢查點儲存
type Store[S Snapshot[S]] struct {
	entries []Entry[S]
}

// NewStore 建立空的 Store
func NewStore[S Snapshot[S]]() *Store[S] {
	return &Store[S]{}
}

// NewStoreFromEntries 由持久化的 entries 重建 Store
func NewStoreFromEntries[S Snapshot[S]](entries []Entry[S]) (*Store[S], error) {
	s := &Store[S]{entries: make([]Entry[S], 0, len(entries))}
	for i, e := range entries {
		if i > 0 && !entries[i-1].Index.Less(e.Index) {
			return nil, fmt.Errorf("%w: %s after %s", ErrNotIncreasing, e.Index, entries[i-1].Index)
		}
		s.entries = append(s.entries, e)
	}
	return s, nil
}

// ============================================================================
// 寫入
// ============================================================================

// AddPoint 在快照目前的 TimeIndex 記錄一個檢查點
//
// 參數：
//   - snapshot: 要記錄的快照（會被複製）
//   - forceNewEntry: true 時一定追加（編輯或跳過之後使用）
func (s *Store[S]) AddPoint(snapshot S, forceNewEntry bool) {
	idx := snapshot.CurrentIndex()
	entry := Entry[S]{Index: idx, State: snapshot.Clone(), Edit: forceNewEntry}

	if n := len(s.entries); n > 0 && !s.entries[n-1].Index.Less(idx) {
		// 新位置不在最後面：先截斷，維持嚴格遞增
		s.RemoveAllSince(idx)
	}

	n := len(s.entries)
	if !forceNewEntry && n > 0 && s.canOverwrite(s.entries[n-1], idx) {
		s.entries[n-1] = entry
		return
	}
	s.entries = append(s.entries, entry)
}

func (s *Store[S]) canOverwrite(last Entry[S], idx types.TimeIndex) bool {
	if last.Edit || last.Index.IsStart() {
		return false
	}
	if last.Index.Generation <= 1 {
		return false
	}
	return last.Index.SameRun(idx) && last.Index.NextGeneration() == idx
}

// RemoveAllSince 移除所有 TimeIndex >= index 的檢查點
func (s *Store[S]) RemoveAllSince(index types.TimeIndex) {
	i := s.search(index)
	for j := i; j < len(s.entries); j++ {
		var zero S
		s.entries[j].State = zero
	}
	s.entries = s.entries[:i]
}

// Clear 移除所有檢查點
func (s *Store[S]) Clear() {
	s.entries = nil
}

// ============================================================================
// 查詢
// ============================================================================

// search 第一個 Index >= index 的位置
func (s *Store[S]) search(index types.TimeIndex) int {
	return sort.Search(len(s.entries), func(i int) bool {
		return !s.entries[i].Index.Less(index)
	})
}

// floor 最後一個 Index <= target 的位置，沒有時回傳 -1
func (s *Store[S]) floor(target types.TimeIndex) int {
	i := sort.Search(len(s.entries), func(i int) bool {
		return target.Less(s.entries[i].Index)
	})
	return i - 1
}

// CheckpointFor 回傳 TimeIndex <= target 中最大者的快照副本
func (s *Store[S]) CheckpointFor(target types.TimeIndex) (S, error) {
	i := s.floor(target)
	if i < 0 {
		var zero S
		return zero, fmt.Errorf("%w: %s", ErrNoCheckpoint, target)
	}
	return s.entries[i].State.Clone(), nil
}

// CheckpointIndexFor 與 CheckpointFor 相同，但只回傳位置
func (s *Store[S]) CheckpointIndexFor(target types.TimeIndex) (types.TimeIndex, bool) {
	i := s.floor(target)
	if i < 0 {
		return types.Start, false
	}
	return s.entries[i].Index, true
}

// IsEditPoint target 是否正好是一個檢查點
func (s *Store[S]) IsEditPoint(target types.TimeIndex) bool {
	return s.ContainsPoint(target)
}

// ContainsPoint 是否有位於 index 的檢查點
func (s *Store[S]) ContainsPoint(index types.TimeIndex) bool {
	i := s.search(index)
	return i < len(s.entries) && s.entries[i].Index == index
}

// LastPoint 最後一個檢查點的位置
func (s *Store[S]) LastPoint() (types.TimeIndex, error) {
	if len(s.entries) == 0 {
		return types.Start, ErrEmptyStore
	}
	return s.entries[len(s.entries)-1].Index, nil
}

// FirstPoint 第一個檢查點的位置
func (s *Store[S]) FirstPoint() (types.TimeIndex, error) {
	if len(s.entries) == 0 {
		return types.Start, ErrEmptyStore
	}
	return s.entries[0].Index, nil
}

// LastPointInBatch 批次內最後一個檢查點
func (s *Store[S]) LastPointInBatch(batch int) (types.TimeIndex, bool) {
	next := types.TimeIndex{Batch: batch + 1}
	i := s.search(next) - 1
	if i < 0 || s.entries[i].Index.Batch != batch {
		return types.Start, false
	}
	return s.entries[i].Index, true
}

// PrevPoint 嚴格早於 index 的最後一個檢查點
func (s *Store[S]) PrevPoint(index types.TimeIndex) (types.TimeIndex, bool) {
	i := s.search(index) - 1
	if i < 0 {
		return types.Start, false
	}
	return s.entries[i].Index, true
}

// NextPointAfter 嚴格晚於 index 的第一個檢查點
func (s *Store[S]) NextPointAfter(index types.TimeIndex) (types.TimeIndex, bool) {
	i := s.floor(index) + 1
	if i >= len(s.entries) {
		return types.Start, false
	}
	return s.entries[i].Index, true
}

// Len 檢查點數量
func (s *Store[S]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.entries)
}

// Points 所有檢查點的位置（遞增）
func (s *Store[S]) Points() []types.TimeIndex {
	out := make([]types.TimeIndex, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Index
	}
	return out
}

// Entries 回傳 entries 的副本（快照未複製，僅供持久化時唯讀使用）
func (s *Store[S]) Entries() []Entry[S] {
	return append([]Entry[S](nil), s.entries...)
}
