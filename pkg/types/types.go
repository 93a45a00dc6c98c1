// Package types 定義了 evorun 系統中使用的核心領域模型
//
// 模組系統（搜尋空間、適應度、運算子……）對控制核心而言是外部協作者，
// 這裡只定義控制核心需要的最小能力介面。
package types

import (
	"context"
	"encoding/json"
)

// ModuleID 模組唯一識別碼
type ModuleID string

// Category 模組類別，決定 (重新) 初始化的順序
type Category int

// 初始化順序：依賴者排在被依賴者之後
const (
	CategorySearchSpace Category = iota
	CategoryFitness
	CategoryMapper
	CategoryOperatorGraph
	CategoryOperator
	CategoryParameterControl
	CategoryStopCriterion
	CategoryPopulationManager
	CategoryObserver
	CategoryView
)

var categoryNames = [...]string{
	"search_space",
	"fitness",
	"mapper",
	"operator_graph",
	"operator",
	"parameter_control",
	"stop_criterion",
	"population_manager",
	"observer",
	"view",
}

func (c Category) String() string {
	if c < 0 || int(c) >= len(categoryNames) {
		return "unknown"
	}
	return categoryNames[c]
}

// Context 模組在初始化與步進時看到的計算環境
type Context interface {
	// Index 目前的 TimeIndex
	Index() TimeIndex
	// Batch 目前批次的描述（未開始時為 nil）
	Batch() *BatchDescriptor
	// Lookup 依 ID 取得模組
	Lookup(id ModuleID) (Module, bool)
	// Find 取得指定類別的第一個模組
	Find(c Category) (Module, bool)
	// TriggerStopCriterion 停止條件成立時呼叫
	TriggerStopCriterion()
	// CallInitialize 重新初始化所有模組；初始化過程中再次呼叫會回傳錯誤
	CallInitialize() error
}

// Module 所有模組共用的最小能力
type Module interface {
	ID() ModuleID
	Category() Category
	// Snapshot 產生結構上獨立的副本（不得與原模組共享可變狀態）
	Snapshot() Module
}

// ModuleConfig 模組的型別化配置
type ModuleConfig interface {
	Clone() ModuleConfig
}

// Configurable 可由批次配置改寫的模組
type Configurable interface {
	Config() ModuleConfig
	Validate(cfg ModuleConfig) error
	SetConfig(cfg ModuleConfig) error
}

// Initializer 在 CallInitialize 時被呼叫
type Initializer interface {
	Initialize(ctx Context) error
}

// PopulationInitializer 每個 run 開始時建立初始族群
type PopulationInitializer interface {
	InitPopulation(ctx context.Context, c Context) error
}

// Stepper 外部步進契約：把計算推進一個世代
type Stepper interface {
	Step(ctx context.Context, c Context) error
}

// StopCriterion 每個世代結束後檢查，成立時呼叫 c.TriggerStopCriterion()
type StopCriterion interface {
	Check(c Context)
}

// BatchConfigurer 依批次編號推導配置（取代內嵌腳本）
type BatchConfigurer interface {
	ConfigureBatch(batch int, desc *BatchDescriptor) (map[ModuleID]ModuleConfig, error)
}

// Persistent 支援持久化的模組
type Persistent interface {
	Kind() string
	MarshalState() (json.RawMessage, error)
	UnmarshalState(data json.RawMessage) error
	DecodeConfig(data json.RawMessage) (ModuleConfig, error)
}

// Registry 靜態註冊的模組工廠表
type Registry interface {
	New(kind string, id ModuleID) (Module, error)
}
