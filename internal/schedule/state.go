package schedule

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/evorun/pkg/types"
)

var (
	// ErrNotPersistent 模組不支援持久化
	ErrNotPersistent = errors.New("schedule: module is not persistent")
	// ErrUnknownModule 配置指向不存在的模組
	ErrUnknownModule = errors.New("schedule: unknown module")
)

// State 可序列化的 Schedule 表示
type State struct {
	ID                   string          `json:"id"`
	Current              types.TimeIndex `json:"current"`
	Next                 types.TimeIndex `json:"next"`
	StopRequested        bool            `json:"stop_requested"`
	Aborted              bool            `json:"aborted"`
	RunsCompletedInBatch int             `json:"runs_completed_in_batch"`
	GenerationsInBatch   int             `json:"generations_in_batch"`
	Batches              []BatchState    `json:"batches"`
	Modules              []ModuleState   `json:"modules"`
}

// BatchState 批次描述；配置以模組自己的 JSON 格式保存
type BatchState struct {
	Runs     int                                `json:"runs"`
	Started  bool                               `json:"started"`
	Finished bool                               `json:"finished"`
	Config   map[types.ModuleID]json.RawMessage `json:"config,omitempty"`
}

// ModuleState 一個模組的種類與內部狀態
type ModuleState struct {
	ID    types.ModuleID  `json:"id"`
	Kind  string          `json:"kind"`
	State json.RawMessage `json:"state"`
}

// MarshalState 把 Schedule 轉成可序列化的 State；所有模組都必須實作 types.Persistent
func (s *Schedule) MarshalState() (*State, error) {
	st := &State{
		ID:                   s.id,
		Current:              s.current,
		Next:                 s.next,
		StopRequested:        s.stopRequested,
		Aborted:              s.aborted,
		RunsCompletedInBatch: s.runsCompletedInBatch,
		GenerationsInBatch:   s.generationsInBatch,
	}

	for _, m := range s.modules {
		p, ok := m.(types.Persistent)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotPersistent, m.ID())
		}
		data, err := p.MarshalState()
		if err != nil {
			return nil, fmt.Errorf("marshal module %s: %w", m.ID(), err)
		}
		st.Modules = append(st.Modules, ModuleState{ID: m.ID(), Kind: p.Kind(), State: data})
	}

	for _, b := range s.catalog.Batches() {
		bs := BatchState{Runs: b.Runs, Started: b.Started, Finished: b.Finished}
		if len(b.Config) > 0 {
			bs.Config = make(map[types.ModuleID]json.RawMessage, len(b.Config))
			for id, cfg := range b.Config {
				data, err := json.Marshal(cfg)
				if err != nil {
					return nil, fmt.Errorf("marshal config %s: %w", id, err)
				}
				bs.Config[id] = data
			}
		}
		st.Batches = append(st.Batches, bs)
	}
	return st, nil
}

// Restore 由 State 與模組註冊表重建 Schedule（不含觀察者）
func Restore(st *State, reg types.Registry) (*Schedule, error) {
	s := &Schedule{
		id:                   st.ID,
		current:              st.Current,
		next:                 st.Next,
		stopRequested:        st.StopRequested,
		aborted:              st.Aborted,
		runsCompletedInBatch: st.RunsCompletedInBatch,
		generationsInBatch:   st.GenerationsInBatch,
	}

	persistent := make(map[types.ModuleID]types.Persistent, len(st.Modules))
	for _, ms := range st.Modules {
		m, err := reg.New(ms.Kind, ms.ID)
		if err != nil {
			return nil, fmt.Errorf("create module %s: %w", ms.ID, err)
		}
		p, ok := m.(types.Persistent)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotPersistent, ms.ID)
		}
		if err := p.UnmarshalState(ms.State); err != nil {
			return nil, fmt.Errorf("restore module %s: %w", ms.ID, err)
		}
		s.modules = append(s.modules, m)
		persistent[ms.ID] = p
	}

	catalog := types.NewCatalog()
	for n, bs := range st.Batches {
		desc, err := types.NewBatch(bs.Runs, nil)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", n+1, err)
		}
		desc.Started = bs.Started
		desc.Finished = bs.Finished
		for id, raw := range bs.Config {
			p, ok := persistent[id]
			if !ok {
				return nil, fmt.Errorf("batch %d: %w: %s", n+1, ErrUnknownModule, id)
			}
			cfg, err := p.DecodeConfig(raw)
			if err != nil {
				return nil, fmt.Errorf("batch %d: decode config %s: %w", n+1, id, err)
			}
			desc.Config[id] = cfg
		}
		catalog.Append(desc)
	}
	s.catalog = catalog
	return s, nil
}
