package types

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRunCount run 數量必須大於 0
	ErrInvalidRunCount = errors.New("batch run count must be positive")
	// ErrBatchOutOfRange 批次編號超出範圍
	ErrBatchOutOfRange = errors.New("batch number out of range")
)

// BatchDescriptor 一個批次：共享同一份配置的多個 run
type BatchDescriptor struct {
	Runs     int
	Config   map[ModuleID]ModuleConfig
	Started  bool
	Finished bool
}

// NewBatch 建立批次描述
func NewBatch(runs int, config map[ModuleID]ModuleConfig) (*BatchDescriptor, error) {
	if runs <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidRunCount, runs)
	}
	if config == nil {
		config = make(map[ModuleID]ModuleConfig)
	}
	return &BatchDescriptor{Runs: runs, Config: config}, nil
}

// Clone 深拷貝，每一份 ModuleConfig 都會被複製
func (d *BatchDescriptor) Clone() *BatchDescriptor {
	if d == nil {
		return nil
	}
	cfg := make(map[ModuleID]ModuleConfig, len(d.Config))
	for id, c := range d.Config {
		if c != nil {
			cfg[id] = c.Clone()
		}
	}
	return &BatchDescriptor{
		Runs:     d.Runs,
		Config:   cfg,
		Started:  d.Started,
		Finished: d.Finished,
	}
}

// BatchCatalog 有序的批次列表；批次編號從 1 開始
type BatchCatalog struct {
	batches []*BatchDescriptor
}

// NewCatalog 以給定的批次建立目錄
func NewCatalog(batches ...*BatchDescriptor) *BatchCatalog {
	return &BatchCatalog{batches: append([]*BatchDescriptor(nil), batches...)}
}

// Len 批次數量
func (c *BatchCatalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.batches)
}

// At 取得第 n 個批次（1-based）
func (c *BatchCatalog) At(n int) (*BatchDescriptor, error) {
	if n < 1 || n > c.Len() {
		return nil, fmt.Errorf("%w: %d (have %d)", ErrBatchOutOfRange, n, c.Len())
	}
	return c.batches[n-1], nil
}

// TotalRuns 所有批次 run 數量總和
func (c *BatchCatalog) TotalRuns() int {
	total := 0
	for _, b := range c.batches {
		total += b.Runs
	}
	return total
}

// Append 加到最後
func (c *BatchCatalog) Append(d *BatchDescriptor) {
	c.batches = append(c.batches, d)
}

// Insert 插入到第 n 個位置（1-based），n == Len()+1 等同 Append
func (c *BatchCatalog) Insert(n int, d *BatchDescriptor) error {
	if n < 1 || n > c.Len()+1 {
		return fmt.Errorf("%w: %d", ErrBatchOutOfRange, n)
	}
	c.batches = append(c.batches, nil)
	copy(c.batches[n:], c.batches[n-1:])
	c.batches[n-1] = d
	return nil
}

// Replace 取代第 n 個批次
func (c *BatchCatalog) Replace(n int, d *BatchDescriptor) error {
	if n < 1 || n > c.Len() {
		return fmt.Errorf("%w: %d", ErrBatchOutOfRange, n)
	}
	c.batches[n-1] = d
	return nil
}

// Remove 移除第 n 個批次
func (c *BatchCatalog) Remove(n int) error {
	if n < 1 || n > c.Len() {
		return fmt.Errorf("%w: %d", ErrBatchOutOfRange, n)
	}
	c.batches = append(c.batches[:n-1], c.batches[n:]...)
	return nil
}

// Reset 清除所有 started / finished 標記
func (c *BatchCatalog) Reset() {
	for _, b := range c.batches {
		b.Started = false
		b.Finished = false
	}
}

// Clone 深拷貝整個目錄
func (c *BatchCatalog) Clone() *BatchCatalog {
	if c == nil {
		return nil
	}
	out := &BatchCatalog{batches: make([]*BatchDescriptor, len(c.batches))}
	for i, b := range c.batches {
		out.batches[i] = b.Clone()
	}
	return out
}

// Batches 回傳內部切片的副本（元素仍為同一指標）
func (c *BatchCatalog) Batches() []*BatchDescriptor {
	if c == nil {
		return nil
	}
	return append([]*BatchDescriptor(nil), c.batches...)
}
