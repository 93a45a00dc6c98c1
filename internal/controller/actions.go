package controller

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// ErrUnknownAction 無法解析的文字指令
var ErrUnknownAction = errors.New("controller: unknown action")

// ActionKind 指令種類
type ActionKind int

const (
	ActionSuspend ActionKind = iota + 1
	ActionStart
	ActionSetSpeed
	ActionStartSeekSequence
	ActionEndSeekSequence
	ActionSeekToLastBatch
	ActionSeekToNextBatch
	ActionSeekToLastRun
	ActionSeekToNextRun
	ActionSeekToLastGeneration
	ActionSeekToNextGeneration
	ActionStepBack
	ActionStepForward
	ActionSeekToReplayEnd
	ActionSeekToStart
	ActionSeekToTarget
	ActionTerminate
)

var actionNames = map[ActionKind]string{
	ActionSuspend:              "suspend",
	ActionStart:                "start",
	ActionSetSpeed:             "speed",
	ActionStartSeekSequence:    "seek-begin",
	ActionEndSeekSequence:      "seek-end",
	ActionSeekToLastBatch:      "last-batch",
	ActionSeekToNextBatch:      "next-batch",
	ActionSeekToLastRun:        "last-run",
	ActionSeekToNextRun:        "next-run",
	ActionSeekToLastGeneration: "last-gen",
	ActionSeekToNextGeneration: "next-gen",
	ActionStepBack:             "back",
	ActionStepForward:          "forward",
	ActionSeekToReplayEnd:      "replay-end",
	ActionSeekToStart:          "rewind",
	ActionSeekToTarget:         "seek",
	ActionTerminate:            "terminate",
}

func (k ActionKind) String() string {
	if name, ok := actionNames[k]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(k))
}

// Action 送進 Controller 的指令；只有 SetSpeed 與 SeekToTarget 帶參數
type Action struct {
	Kind   ActionKind
	Rate   float64
	Target types.TimeIndex
}

// 無參數指令
var (
	Suspend              = Action{Kind: ActionSuspend}
	Start                = Action{Kind: ActionStart}
	StartSeekSequence    = Action{Kind: ActionStartSeekSequence}
	EndSeekSequence      = Action{Kind: ActionEndSeekSequence}
	SeekToLastBatch      = Action{Kind: ActionSeekToLastBatch}
	SeekToNextBatch      = Action{Kind: ActionSeekToNextBatch}
	SeekToLastRun        = Action{Kind: ActionSeekToLastRun}
	SeekToNextRun        = Action{Kind: ActionSeekToNextRun}
	SeekToLastGeneration = Action{Kind: ActionSeekToLastGeneration}
	SeekToNextGeneration = Action{Kind: ActionSeekToNextGeneration}
	StepBack             = Action{Kind: ActionStepBack}
	StepForward          = Action{Kind: ActionStepForward}
	SeekToReplayEnd      = Action{Kind: ActionSeekToReplayEnd}
	SeekToStart          = Action{Kind: ActionSeekToStart}
	Terminate            = Action{Kind: ActionTerminate}
)

// SetSpeed 設定每秒世代數，<= 0 表示不限速
func SetSpeed(rate float64) Action {
	return Action{Kind: ActionSetSpeed, Rate: rate}
}

// SeekToTarget 移動到任意位置
func SeekToTarget(t types.TimeIndex) Action {
	return Action{Kind: ActionSeekToTarget, Target: t}
}

// IsSeek 是否為 seek 類指令
func (a Action) IsSeek() bool {
	switch a.Kind {
	case ActionSeekToLastBatch, ActionSeekToNextBatch,
		ActionSeekToLastRun, ActionSeekToNextRun,
		ActionSeekToLastGeneration, ActionSeekToNextGeneration,
		ActionStepBack, ActionStepForward,
		ActionSeekToReplayEnd, ActionSeekToStart, ActionSeekToTarget:
		return true
	}
	return false
}

func (a Action) String() string {
	switch a.Kind {
	case ActionSetSpeed:
		return fmt.Sprintf("%s %g", a.Kind, a.Rate)
	case ActionSeekToTarget:
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	}
	return a.Kind.String()
}

// ParseAction 解析文字指令，格式與 Action.String() 相同
//
// 例如 "start"、"speed 10"、"seek 1/2/3"、"seek END"
func ParseAction(s string) (Action, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) == 0 {
		return Action{}, fmt.Errorf("%w: empty", ErrUnknownAction)
	}

	var kind ActionKind
	for k, name := range actionNames {
		if name == fields[0] {
			kind = k
			break
		}
	}
	if kind == 0 {
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownAction, fields[0])
	}

	switch kind {
	case ActionSetSpeed:
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("%w: speed needs a rate", ErrUnknownAction)
		}
		rate, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return Action{}, fmt.Errorf("%w: bad rate %q", ErrUnknownAction, fields[1])
		}
		return SetSpeed(rate), nil
	case ActionSeekToTarget:
		if len(fields) != 2 {
			return Action{}, fmt.Errorf("%w: seek needs a target", ErrUnknownAction)
		}
		t, err := types.ParseTimeIndex(strings.ToUpper(fields[1]))
		if err != nil {
			return Action{}, err
		}
		return SeekToTarget(t), nil
	}

	if len(fields) != 1 {
		return Action{}, fmt.Errorf("%w: %s takes no arguments", ErrUnknownAction, kind)
	}
	return Action{Kind: kind}, nil
}
