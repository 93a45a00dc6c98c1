package evolve

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// LimitConfig 每個 run 的世代上限；0 表示不限
type LimitConfig struct {
	Limit int `json:"limit" yaml:"limit"`
}

func (c *LimitConfig) Clone() types.ModuleConfig {
	cp := *c
	return &cp
}

// MaxGenerations 世代數達到上限時停止
type MaxGenerations struct {
	id  types.ModuleID
	cfg LimitConfig
}

func NewMaxGenerations(id types.ModuleID, limit int) *MaxGenerations {
	return &MaxGenerations{id: id, cfg: LimitConfig{Limit: limit}}
}

func (m *MaxGenerations) ID() types.ModuleID       { return m.id }
func (m *MaxGenerations) Category() types.Category { return types.CategoryStopCriterion }
func (m *MaxGenerations) Snapshot() types.Module {
	cp := *m
	return &cp
}

func (m *MaxGenerations) Config() types.ModuleConfig { return m.cfg.Clone() }

func (m *MaxGenerations) Validate(cfg types.ModuleConfig) error {
	c, ok := cfg.(*LimitConfig)
	if !ok {
		return fmt.Errorf("%w: expected *LimitConfig, got %T", ErrInvalidConfig, cfg)
	}
	if c.Limit < 0 {
		return fmt.Errorf("%w: negative generation limit %d", ErrInvalidConfig, c.Limit)
	}
	return nil
}

func (m *MaxGenerations) SetConfig(cfg types.ModuleConfig) error {
	if err := m.Validate(cfg); err != nil {
		return err
	}
	m.cfg = *cfg.(*LimitConfig)
	return nil
}

func (m *MaxGenerations) Check(c types.Context) {
	if m.cfg.Limit > 0 && c.Index().Generation >= m.cfg.Limit {
		c.TriggerStopCriterion()
	}
}

func (m *MaxGenerations) Kind() string                           { return KindMaxGenerations }
func (m *MaxGenerations) MarshalState() (json.RawMessage, error) { return json.Marshal(m.cfg) }
func (m *MaxGenerations) UnmarshalState(data json.RawMessage) error {
	return json.Unmarshal(data, &m.cfg)
}
func (m *MaxGenerations) DecodeConfig(data json.RawMessage) (types.ModuleConfig, error) {
	var c LimitConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// TargetConfig 目標分數；0 表示基因長度（全部為 1）
type TargetConfig struct {
	Fitness int `json:"fitness" yaml:"fitness"`
}

func (c *TargetConfig) Clone() types.ModuleConfig {
	cp := *c
	return &cp
}

// TargetFitness 最佳個體達到目標分數時停止
type TargetFitness struct {
	id  types.ModuleID
	cfg TargetConfig
}

func NewTargetFitness(id types.ModuleID, fitness int) *TargetFitness {
	return &TargetFitness{id: id, cfg: TargetConfig{Fitness: fitness}}
}

func (m *TargetFitness) ID() types.ModuleID       { return m.id }
func (m *TargetFitness) Category() types.Category { return types.CategoryStopCriterion }
func (m *TargetFitness) Snapshot() types.Module {
	cp := *m
	return &cp
}

func (m *TargetFitness) Config() types.ModuleConfig { return m.cfg.Clone() }

func (m *TargetFitness) Validate(cfg types.ModuleConfig) error {
	c, ok := cfg.(*TargetConfig)
	if !ok {
		return fmt.Errorf("%w: expected *TargetConfig, got %T", ErrInvalidConfig, cfg)
	}
	if c.Fitness < 0 {
		return fmt.Errorf("%w: negative target fitness %d", ErrInvalidConfig, c.Fitness)
	}
	return nil
}

func (m *TargetFitness) SetConfig(cfg types.ModuleConfig) error {
	if err := m.Validate(cfg); err != nil {
		return err
	}
	m.cfg = *cfg.(*TargetConfig)
	return nil
}

func (m *TargetFitness) Check(c types.Context) {
	pop, err := population(c)
	if err != nil {
		return
	}
	target := m.cfg.Fitness
	if target == 0 {
		target = pop.Length()
	}
	if _, best := pop.Best(); best >= target {
		c.TriggerStopCriterion()
	}
}

func (m *TargetFitness) Kind() string                           { return KindTargetFitness }
func (m *TargetFitness) MarshalState() (json.RawMessage, error) { return json.Marshal(m.cfg) }
func (m *TargetFitness) UnmarshalState(data json.RawMessage) error {
	return json.Unmarshal(data, &m.cfg)
}
func (m *TargetFitness) DecodeConfig(data json.RawMessage) (types.ModuleConfig, error) {
	var c TargetConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
