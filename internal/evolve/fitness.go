package evolve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/evorun/internal/worker"
	"github.com/ChuLiYu/evorun/pkg/types"
)

// defaultChunk 每個評估任務處理的個體數
const defaultChunk = 32

// OneMax 適應度 = 基因中 1 的數量；有 worker pool 時分段平行評估
type OneMax struct {
	id    types.ModuleID
	pool  *worker.Pool
	chunk int
}

// NewOneMax pool 為 nil 時在呼叫端 goroutine 上直接評估
func NewOneMax(id types.ModuleID, pool *worker.Pool) *OneMax {
	return &OneMax{id: id, pool: pool, chunk: defaultChunk}
}

func (m *OneMax) ID() types.ModuleID       { return m.id }
func (m *OneMax) Category() types.Category { return types.CategoryFitness }

// Snapshot 沒有可變狀態；pool 是共用的基礎設施
func (m *OneMax) Snapshot() types.Module {
	cp := *m
	return &cp
}

// InitPopulation 評估新建立的族群
func (m *OneMax) InitPopulation(ctx context.Context, c types.Context) error {
	pop, err := population(c)
	if err != nil {
		return err
	}
	return m.Evaluate(ctx, pop.Genomes(), pop.Scores())
}

// Evaluate 把 genomes[i] 的分數寫入 out[i]
func (m *OneMax) Evaluate(ctx context.Context, genomes [][]byte, out []int) error {
	if len(out) < len(genomes) {
		return fmt.Errorf("evaluate: %d genomes but %d score slots", len(genomes), len(out))
	}
	if m.pool == nil || len(genomes) <= m.chunk {
		score(genomes, out)
		return nil
	}

	tasks := make([]worker.Task, 0, (len(genomes)+m.chunk-1)/m.chunk)
	for lo := 0; lo < len(genomes); lo += m.chunk {
		hi := min(lo+m.chunk, len(genomes))
		g, o := genomes[lo:hi], out[lo:hi]
		tasks = append(tasks, worker.Task{
			ID: lo,
			Fn: func(context.Context) error {
				score(g, o)
				return nil
			},
		})
	}
	return m.pool.Evaluate(ctx, tasks)
}

func score(genomes [][]byte, out []int) {
	for i, g := range genomes {
		n := 0
		for _, bit := range g {
			n += int(bit)
		}
		out[i] = n
	}
}

func (m *OneMax) Kind() string { return KindOneMax }

func (m *OneMax) MarshalState() (json.RawMessage, error) {
	return json.Marshal(map[string]int{"chunk": m.chunk})
}

func (m *OneMax) UnmarshalState(data json.RawMessage) error {
	var st map[string]int
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if c := st["chunk"]; c > 0 {
		m.chunk = c
	}
	return nil
}

func (m *OneMax) DecodeConfig(json.RawMessage) (types.ModuleConfig, error) {
	return nil, fmt.Errorf("%w: %s is not configurable", ErrInvalidConfig, m.id)
}

// evaluator 取得計算中的適應度模組
func evaluator(c types.Context) (*OneMax, error) {
	m, ok := c.Find(types.CategoryFitness)
	if !ok {
		return nil, fmt.Errorf("%w: fitness", ErrMissingModule)
	}
	f, ok := m.(*OneMax)
	if !ok {
		return nil, fmt.Errorf("%w: fitness is %T", ErrMissingModule, m)
	}
	return f, nil
}
