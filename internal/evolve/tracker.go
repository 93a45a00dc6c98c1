package evolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// RunSummary 一個已開始的 run 目前為止的最佳結果
type RunSummary struct {
	Index       types.TimeIndex `json:"index"` // run 起點
	Best        int             `json:"best"`
	Generations int             `json:"generations"`
}

// BestTracker 記錄每一代的最佳分數（觀察者類別，在所有運算子之後執行）
type BestTracker struct {
	id   types.ModuleID
	runs []RunSummary
}

func NewBestTracker(id types.ModuleID) *BestTracker {
	return &BestTracker{id: id}
}

func (t *BestTracker) ID() types.ModuleID       { return t.id }
func (t *BestTracker) Category() types.Category { return types.CategoryObserver }
func (t *BestTracker) Snapshot() types.Module {
	cp := *t
	cp.runs = append([]RunSummary(nil), t.runs...)
	return &cp
}

func (t *BestTracker) InitPopulation(_ context.Context, c types.Context) error {
	t.runs = append(t.runs, RunSummary{Index: c.Index().RunStart(), Best: -1})
	return t.record(c)
}

func (t *BestTracker) Step(_ context.Context, c types.Context) error {
	return t.record(c)
}

func (t *BestTracker) record(c types.Context) error {
	if len(t.runs) == 0 {
		return fmt.Errorf("tracker %s: step before any run started", t.id)
	}
	pop, err := population(c)
	if err != nil {
		return err
	}
	cur := &t.runs[len(t.runs)-1]
	if _, best := pop.Best(); best > cur.Best {
		cur.Best = best
	}
	cur.Generations = c.Index().Generation
	return nil
}

// Runs 每個 run 的摘要（依開始順序）
func (t *BestTracker) Runs() []RunSummary {
	return append([]RunSummary(nil), t.runs...)
}

// Best 所有 run 中的最佳分數；尚未開始時為 -1
func (t *BestTracker) Best() int {
	best := -1
	for _, r := range t.runs {
		best = max(best, r.Best)
	}
	return best
}

func (t *BestTracker) Kind() string                           { return KindBestTracker }
func (t *BestTracker) MarshalState() (json.RawMessage, error) { return json.Marshal(t.runs) }
func (t *BestTracker) UnmarshalState(data json.RawMessage) error {
	return json.Unmarshal(data, &t.runs)
}
func (t *BestTracker) DecodeConfig(json.RawMessage) (types.ModuleConfig, error) {
	return nil, fmt.Errorf("%w: %s is not configurable", ErrInvalidConfig, t.id)
}
