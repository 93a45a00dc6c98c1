package types

// ============================================================================
// TimeIndex - 批次 / 運行 / 世代 三層進度座標
// ============================================================================
//
// 排序規則：(Batch, Run, Generation) 字典序
//
//   Start (0,0,0)  →  First (1,1,1)  →  ... →  Last  →  End
//
//   - Start: 尚未開始任何批次的哨兵值
//   - Last:  「一直跑下去」用的開放目標，大於任何真實座標
//   - End:   整個計算結束的終點，大於 Last
//
// 所有導航函式都是純函式，並特別處理 Start，
// 讓第一次前進會落在 First 而不是非法的遞增結果。
// ============================================================================

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrInvalidTimeIndex 表示無法解析的 TimeIndex 字串
var ErrInvalidTimeIndex = errors.New("invalid time index")

// TimeIndex 計算中的一個位置
type TimeIndex struct {
	Batch      int
	Run        int
	Generation int
}

var (
	// Start 尚未開始
	Start = TimeIndex{}
	// First 第一個真實座標
	First = TimeIndex{Batch: 1, Run: 1, Generation: 1}
	// Last 開放式「跑到底」目標
	Last = TimeIndex{Batch: math.MaxInt - 1}
	// End 終點
	End = TimeIndex{Batch: math.MaxInt}
)

// Compare returns -1, 0 or +1.
func (t TimeIndex) Compare(o TimeIndex) int {
	switch {
	case t.Batch != o.Batch:
		return cmpInt(t.Batch, o.Batch)
	case t.Run != o.Run:
		return cmpInt(t.Run, o.Run)
	default:
		return cmpInt(t.Generation, o.Generation)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Less 嚴格小於
func (t TimeIndex) Less(o TimeIndex) bool { return t.Compare(o) < 0 }

// IsStart 是否為 Start 哨兵
func (t TimeIndex) IsStart() bool { return t.Batch == 0 }

// IsEnd 是否為 End
func (t TimeIndex) IsEnd() bool { return t == End }

// isOpen Last 與 End 不參與導航
func (t TimeIndex) isOpen() bool { return t.Batch >= Last.Batch }

// NextGeneration 同一 run 的下一個世代
func (t TimeIndex) NextGeneration() TimeIndex {
	switch {
	case t.IsStart():
		return First
	case t.isOpen():
		return t
	}
	return TimeIndex{Batch: t.Batch, Run: t.Run, Generation: t.Generation + 1}
}

// NextRunStart 同一批次下一個 run 的第一代
func (t TimeIndex) NextRunStart() TimeIndex {
	switch {
	case t.IsStart():
		return First
	case t.isOpen():
		return t
	}
	return TimeIndex{Batch: t.Batch, Run: t.Run + 1, Generation: 1}
}

// NextBatchStart 下一個批次的第一個 run 第一代
func (t TimeIndex) NextBatchStart() TimeIndex {
	switch {
	case t.IsStart():
		return First
	case t.isOpen():
		return t
	}
	return TimeIndex{Batch: t.Batch + 1, Run: 1, Generation: 1}
}

// RunStart 所在 run 的起點
func (t TimeIndex) RunStart() TimeIndex {
	if t.IsStart() || t.isOpen() {
		return t
	}
	return TimeIndex{Batch: t.Batch, Run: t.Run, Generation: 1}
}

// BatchStart 所在批次的起點
func (t TimeIndex) BatchStart() TimeIndex {
	if t.IsStart() || t.isOpen() {
		return t
	}
	return TimeIndex{Batch: t.Batch, Run: 1, Generation: 1}
}

// SameRun 兩個座標是否位於同一個 run
func (t TimeIndex) SameRun(o TimeIndex) bool {
	return t.Batch == o.Batch && t.Run == o.Run
}

// String 格式：b/r/g，或 START / LAST / END
func (t TimeIndex) String() string {
	switch {
	case t == Start:
		return "START"
	case t == Last:
		return "LAST"
	case t == End:
		return "END"
	}
	return fmt.Sprintf("%d/%d/%d", t.Batch, t.Run, t.Generation)
}

// ParseTimeIndex String 的反函式
func ParseTimeIndex(s string) (TimeIndex, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "START":
		return Start, nil
	case "LAST":
		return Last, nil
	case "END":
		return End, nil
	}

	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 3 {
		return Start, fmt.Errorf("%w: %q", ErrInvalidTimeIndex, s)
	}
	var vals [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 1 {
			return Start, fmt.Errorf("%w: %q", ErrInvalidTimeIndex, s)
		}
		vals[i] = v
	}
	return TimeIndex{Batch: vals[0], Run: vals[1], Generation: vals[2]}, nil
}

// MarshalText 讓 TimeIndex 可以作為 JSON / YAML 字串
func (t TimeIndex) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText MarshalText 的反函式
func (t *TimeIndex) UnmarshalText(b []byte) error {
	v, err := ParseTimeIndex(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}
