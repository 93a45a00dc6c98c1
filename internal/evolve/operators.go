package evolve

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// ============================================================================
// Mutation - 步進運算子
// ============================================================================

// MutationConfig 每個位元翻轉的機率；0 表示 1/length
type MutationConfig struct {
	Rate float64 `json:"rate" yaml:"rate"`
}

func (c *MutationConfig) Clone() types.ModuleConfig {
	cp := *c
	return &cp
}

// Mutation 每個個體產生一個突變子代，不比父代差就取代（(1+1) EA）
type Mutation struct {
	id  types.ModuleID
	cfg MutationConfig
}

func NewMutation(id types.ModuleID, cfg MutationConfig) *Mutation {
	return &Mutation{id: id, cfg: cfg}
}

func (m *Mutation) ID() types.ModuleID       { return m.id }
func (m *Mutation) Category() types.Category { return types.CategoryOperator }
func (m *Mutation) Snapshot() types.Module {
	cp := *m
	return &cp
}

func (m *Mutation) Config() types.ModuleConfig { return m.cfg.Clone() }

func (m *Mutation) Validate(cfg types.ModuleConfig) error {
	c, ok := cfg.(*MutationConfig)
	if !ok {
		return fmt.Errorf("%w: expected *MutationConfig, got %T", ErrInvalidConfig, cfg)
	}
	if c.Rate < 0 || c.Rate > 1 || math.IsNaN(c.Rate) {
		return fmt.Errorf("%w: mutation rate %v outside [0, 1]", ErrInvalidConfig, c.Rate)
	}
	return nil
}

func (m *Mutation) SetConfig(cfg types.ModuleConfig) error {
	if err := m.Validate(cfg); err != nil {
		return err
	}
	m.cfg = *cfg.(*MutationConfig)
	return nil
}

// Step 推進一個世代
func (m *Mutation) Step(ctx context.Context, c types.Context) error {
	pop, err := population(c)
	if err != nil {
		return err
	}
	fit, err := evaluator(c)
	if err != nil {
		return err
	}

	rate := m.cfg.Rate
	if rate == 0 && pop.Length() > 0 {
		rate = 1 / float64(pop.Length())
	}

	rng := pop.rand()
	parents := pop.Genomes()
	children := make([][]byte, len(parents))
	for i, parent := range parents {
		child := append([]byte(nil), parent...)
		for j := range child {
			if rng.Float64() < rate {
				child[j] ^= 1
			}
		}
		children[i] = child
	}

	scores := make([]int, len(children))
	if err := fit.Evaluate(ctx, children, scores); err != nil {
		return fmt.Errorf("evaluate offspring: %w", err)
	}

	current := pop.Scores()
	for i := range children {
		if scores[i] >= current[i] {
			parents[i] = children[i]
			current[i] = scores[i]
		}
	}
	return nil
}

func (m *Mutation) Kind() string { return KindMutation }

func (m *Mutation) MarshalState() (json.RawMessage, error) { return json.Marshal(m.cfg) }

func (m *Mutation) UnmarshalState(data json.RawMessage) error {
	return json.Unmarshal(data, &m.cfg)
}

func (m *Mutation) DecodeConfig(data json.RawMessage) (types.ModuleConfig, error) {
	var c MutationConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ============================================================================
// RateDecay - 依批次推導突變率
// ============================================================================

// RateDecay 第 b 個批次的突變率為 base * factor^(b-1)；
// 批次已明確指定突變率時不覆寫
type RateDecay struct {
	id     types.ModuleID
	target types.ModuleID
	base   float64
	factor float64
}

func NewRateDecay(id, target types.ModuleID, base, factor float64) *RateDecay {
	return &RateDecay{id: id, target: target, base: base, factor: factor}
}

func (d *RateDecay) ID() types.ModuleID       { return d.id }
func (d *RateDecay) Category() types.Category { return types.CategoryParameterControl }
func (d *RateDecay) Snapshot() types.Module {
	cp := *d
	return &cp
}

func (d *RateDecay) ConfigureBatch(batch int, desc *types.BatchDescriptor) (map[types.ModuleID]types.ModuleConfig, error) {
	if _, explicit := desc.Config[d.target]; explicit {
		return nil, nil
	}
	rate := d.base * math.Pow(d.factor, float64(batch-1))
	if rate < 0 || rate > 1 {
		return nil, fmt.Errorf("%w: derived mutation rate %v for batch %d", ErrInvalidConfig, rate, batch)
	}
	return map[types.ModuleID]types.ModuleConfig{d.target: &MutationConfig{Rate: rate}}, nil
}

type rateDecayState struct {
	Target types.ModuleID `json:"target"`
	Base   float64        `json:"base"`
	Factor float64        `json:"factor"`
}

func (d *RateDecay) Kind() string { return KindRateDecay }

func (d *RateDecay) MarshalState() (json.RawMessage, error) {
	return json.Marshal(rateDecayState{Target: d.target, Base: d.base, Factor: d.factor})
}

func (d *RateDecay) UnmarshalState(data json.RawMessage) error {
	var st rateDecayState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	d.target, d.base, d.factor = st.Target, st.Base, st.Factor
	return nil
}

func (d *RateDecay) DecodeConfig(json.RawMessage) (types.ModuleConfig, error) {
	return nil, fmt.Errorf("%w: %s is not configurable", ErrInvalidConfig, d.id)
}
