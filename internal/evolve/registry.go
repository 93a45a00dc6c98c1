package evolve

// ============================================================================
// 模組註冊表與計算組裝
// ============================================================================
//
// 註冊表是靜態的種類 → 工廠對照表，持久化狀態恢復時以 kind 建立空模組，
// 再由 UnmarshalState 填入內容。不做任何動態掃描。
// ============================================================================

import (
	"fmt"
	"sort"

	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/internal/worker"
	"github.com/ChuLiYu/evorun/pkg/types"
)

// 模組種類
const (
	KindPopulation     = "bitstring-population"
	KindOneMax         = "one-max"
	KindMutation       = "bit-flip-mutation"
	KindRateDecay      = "rate-decay"
	KindMaxGenerations = "max-generations"
	KindTargetFitness  = "target-fitness"
	KindBestTracker    = "best-tracker"
)

// 預設組裝使用的模組 ID
const (
	SpaceID    types.ModuleID = "space"
	FitnessID  types.ModuleID = "fitness"
	MutationID types.ModuleID = "mutation"
	DecayID    types.ModuleID = "decay"
	LimitID    types.ModuleID = "max-generations"
	TargetID   types.ModuleID = "target"
	TrackerID  types.ModuleID = "tracker"
)

// Factory 建立指定 ID 的空模組
type Factory func(id types.ModuleID) types.Module

// Registry 實作 types.Registry
type Registry struct {
	factories map[string]Factory
}

// NewRegistry 註冊本套件的所有模組；pool 供適應度模組平行評估使用，可為 nil
func NewRegistry(pool *worker.Pool) *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindPopulation, func(id types.ModuleID) types.Module { return NewPopulation(id, SpaceConfig{}) })
	r.Register(KindOneMax, func(id types.ModuleID) types.Module { return NewOneMax(id, pool) })
	r.Register(KindMutation, func(id types.ModuleID) types.Module { return NewMutation(id, MutationConfig{}) })
	r.Register(KindRateDecay, func(id types.ModuleID) types.Module { return NewRateDecay(id, MutationID, 0, 1) })
	r.Register(KindMaxGenerations, func(id types.ModuleID) types.Module { return NewMaxGenerations(id, 0) })
	r.Register(KindTargetFitness, func(id types.ModuleID) types.Module { return NewTargetFitness(id, 0) })
	r.Register(KindBestTracker, func(id types.ModuleID) types.Module { return NewBestTracker(id) })
	return r
}

// Register 加入或取代一個種類
func (r *Registry) Register(kind string, f Factory) {
	r.factories[kind] = f
}

// New 建立模組
func (r *Registry) New(kind string, id types.ModuleID) (types.Module, error) {
	f, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f(id), nil
}

// Kinds 已註冊的種類（排序）
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ============================================================================
// 組裝
// ============================================================================

// BatchSpec 一個批次的參數
type BatchSpec struct {
	Runs           int     `yaml:"runs"`
	Population     int     `yaml:"population"`
	GenomeLength   int     `yaml:"genome_length"`
	MutationRate   float64 `yaml:"mutation_rate"` // 0 時由 RateDecay 推導（若有），否則 1/length
	MaxGenerations int     `yaml:"max_generations"`
	TargetFitness  int     `yaml:"target_fitness"`
	Seed           uint64  `yaml:"seed"`
}

// Options 整個計算共用的選項
type Options struct {
	Pool        *worker.Pool
	DecayBase   float64 // > 0 時加入 RateDecay
	DecayFactor float64
}

// NewSchedule 依批次參數組裝 one-max 計算並驗證
func NewSchedule(specs []BatchSpec, opts Options) (*schedule.Schedule, error) {
	catalog := types.NewCatalog()
	for n, spec := range specs {
		cfg := map[types.ModuleID]types.ModuleConfig{
			SpaceID:  &SpaceConfig{Size: spec.Population, Length: spec.GenomeLength, Seed: spec.Seed},
			LimitID:  &LimitConfig{Limit: spec.MaxGenerations},
			TargetID: &TargetConfig{Fitness: spec.TargetFitness},
		}
		if spec.MutationRate > 0 || opts.DecayBase <= 0 {
			cfg[MutationID] = &MutationConfig{Rate: spec.MutationRate}
		}
		desc, err := types.NewBatch(spec.Runs, cfg)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", n+1, err)
		}
		catalog.Append(desc)
	}

	modules := []types.Module{
		NewPopulation(SpaceID, SpaceConfig{}),
		NewOneMax(FitnessID, opts.Pool),
		NewMutation(MutationID, MutationConfig{}),
		NewMaxGenerations(LimitID, 0),
		NewTargetFitness(TargetID, 0),
		NewBestTracker(TrackerID),
	}
	if opts.DecayBase > 0 {
		factor := opts.DecayFactor
		if factor <= 0 {
			factor = 1
		}
		modules = append(modules, NewRateDecay(DecayID, MutationID, opts.DecayBase, factor))
	}

	s := schedule.New(catalog, modules...)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Tracker 取得計算中的 BestTracker
func Tracker(s *schedule.Schedule) (*BestTracker, bool) {
	m, ok := s.Lookup(TrackerID)
	if !ok {
		return nil, false
	}
	t, ok := m.(*BestTracker)
	return t, ok
}
