// Package evolve 提供一組示範模組（one-max 基因演算法），
// 用來驅動 controller 的完整生命週期：搜尋空間、適應度、突變運算子、停止條件與紀錄器。
//
// 所有隨機性都來自 Population 內保存的 PCG 狀態，種子由 (seed, batch, run) 決定，
// 因此從檢查點重播會得到完全相同的結果。
package evolve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrInvalidConfig 模組配置不合法
	ErrInvalidConfig = errors.New("evolve: invalid module config")
	// ErrMissingModule 依賴的模組不存在或型別不符
	ErrMissingModule = errors.New("evolve: required module missing")
	// ErrUnknownKind 註冊表中沒有這個種類
	ErrUnknownKind = errors.New("evolve: unknown module kind")
)

// ============================================================================
// Population - 搜尋空間
// ============================================================================

// SpaceConfig 族群大小與基因長度
type SpaceConfig struct {
	Size   int    `json:"size" yaml:"size"`
	Length int    `json:"length" yaml:"length"`
	Seed   uint64 `json:"seed" yaml:"seed"`
}

func (c *SpaceConfig) Clone() types.ModuleConfig {
	cp := *c
	return &cp
}

// Population 位元字串族群與本 run 的亂數狀態
type Population struct {
	id      types.ModuleID
	cfg     SpaceConfig
	genomes [][]byte // 每個位元為 0 或 1
	scores  []int
	src     rand.PCG
}

// NewPopulation 建立搜尋空間模組
func NewPopulation(id types.ModuleID, cfg SpaceConfig) *Population {
	return &Population{id: id, cfg: cfg}
}

func (p *Population) ID() types.ModuleID       { return p.id }
func (p *Population) Category() types.Category { return types.CategorySearchSpace }

func (p *Population) Snapshot() types.Module {
	cp := *p
	cp.genomes = make([][]byte, len(p.genomes))
	for i, g := range p.genomes {
		cp.genomes[i] = append([]byte(nil), g...)
	}
	cp.scores = append([]int(nil), p.scores...)
	return &cp
}

func (p *Population) Config() types.ModuleConfig { return p.cfg.Clone() }

func (p *Population) Validate(cfg types.ModuleConfig) error {
	c, ok := cfg.(*SpaceConfig)
	if !ok {
		return fmt.Errorf("%w: expected *SpaceConfig, got %T", ErrInvalidConfig, cfg)
	}
	if c.Size < 1 || c.Length < 1 {
		return fmt.Errorf("%w: size and length must be positive (size=%d length=%d)", ErrInvalidConfig, c.Size, c.Length)
	}
	return nil
}

func (p *Population) SetConfig(cfg types.ModuleConfig) error {
	if err := p.Validate(cfg); err != nil {
		return err
	}
	p.cfg = *cfg.(*SpaceConfig)
	return nil
}

// InitPopulation 以 (seed, batch, run) 重設亂數並產生隨機族群；分數由適應度模組填入
func (p *Population) InitPopulation(_ context.Context, c types.Context) error {
	idx := c.Index()
	p.src = *rand.NewPCG(p.cfg.Seed, uint64(idx.Batch)<<32|uint64(idx.Run))
	rng := p.rand()

	p.genomes = make([][]byte, p.cfg.Size)
	for i := range p.genomes {
		g := make([]byte, p.cfg.Length)
		for j := range g {
			g[j] = byte(rng.IntN(2))
		}
		p.genomes[i] = g
	}
	p.scores = make([]int, p.cfg.Size)
	return nil
}

// rand 以族群保存的 PCG 狀態產生亂數；呼叫會推進該狀態
func (p *Population) rand() *rand.Rand {
	return rand.New(&p.src)
}

// Size 族群大小
func (p *Population) Size() int { return len(p.genomes) }

// Length 基因長度
func (p *Population) Length() int { return p.cfg.Length }

// Genomes 族群內部切片（只在步進中由其他模組修改）
func (p *Population) Genomes() [][]byte { return p.genomes }

// Scores 與 Genomes 對應的適應度
func (p *Population) Scores() []int { return p.scores }

// Best 最佳個體的索引與分數；族群為空時回傳 -1
func (p *Population) Best() (int, int) {
	best, score := -1, -1
	for i, s := range p.scores {
		if s > score {
			best, score = i, s
		}
	}
	return best, score
}

// ============================================================================
// 持久化
// ============================================================================

type populationState struct {
	Config  SpaceConfig `json:"config"`
	Genomes []string    `json:"genomes"`
	Scores  []int       `json:"scores"`
	RNG     []byte      `json:"rng"`
}

func (p *Population) Kind() string { return KindPopulation }

func (p *Population) MarshalState() (json.RawMessage, error) {
	rng, err := p.src.MarshalBinary()
	if err != nil {
		return nil, err
	}
	st := populationState{Config: p.cfg, Scores: p.scores, RNG: rng}
	for _, g := range p.genomes {
		st.Genomes = append(st.Genomes, encodeGenome(g))
	}
	return json.Marshal(st)
}

func (p *Population) UnmarshalState(data json.RawMessage) error {
	var st populationState
	if err := json.Unmarshal(data, &st); err != nil {
		return err
	}
	if len(st.RNG) > 0 {
		if err := p.src.UnmarshalBinary(st.RNG); err != nil {
			return fmt.Errorf("restore rng: %w", err)
		}
	}
	p.cfg = st.Config
	p.scores = st.Scores
	p.genomes = make([][]byte, len(st.Genomes))
	for i, s := range st.Genomes {
		g, err := decodeGenome(s)
		if err != nil {
			return err
		}
		p.genomes[i] = g
	}
	return nil
}

func (p *Population) DecodeConfig(data json.RawMessage) (types.ModuleConfig, error) {
	var c SpaceConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeGenome(g []byte) string {
	b := make([]byte, len(g))
	for i, bit := range g {
		b[i] = '0' + bit
	}
	return string(b)
}

func decodeGenome(s string) ([]byte, error) {
	g := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0', '1':
			g[i] = s[i] - '0'
		default:
			return nil, fmt.Errorf("invalid genome %q", s)
		}
	}
	return g, nil
}

// population 取得計算中的搜尋空間
func population(c types.Context) (*Population, error) {
	m, ok := c.Find(types.CategorySearchSpace)
	if !ok {
		return nil, fmt.Errorf("%w: search space", ErrMissingModule)
	}
	p, ok := m.(*Population)
	if !ok {
		return nil, fmt.Errorf("%w: search space is %T", ErrMissingModule, m)
	}
	return p, nil
}
