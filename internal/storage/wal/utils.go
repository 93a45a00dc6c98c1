package wal

// ============================================================================
// Journal 工具函式
// 職責：讀取端的輔助功能（inspect、驗證、統計）
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

const maxLineSize = 1 << 20

// scan 逐行解析日誌檔案
func scan(path string, fn func(line int, e Event) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(raw, &e); err != nil {
			return &CorruptionError{Line: line, Cause: err}
		}
		if err := fn(line, e); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// GetLastEvent 從日誌檔案讀取最後一個事件
//
// 從頭掃描到尾；日誌只記錄生命週期事件，檔案不大。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := scan(path, func(_ int, e Event) error {
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// Replay 依序重放檔案中的事件；checksum 錯誤或 handler 回傳錯誤時停止
//
// 只讀取已寫出的事件，仍在 Journal 緩衝中的不包含在內。
func Replay(path string, handler EventHandler) error {
	return scan(path, func(_ int, e Event) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		return handler(e)
	})
}

// CountEvents 計算日誌中的事件總數；遇到損壞的紀錄回傳錯誤
func CountEvents(path string) (int, error) {
	n := 0
	err := scan(path, func(_ int, _ Event) error {
		n++
		return nil
	})
	return n, err
}

// CountByType 依事件類型統計
func CountByType(path string) (map[EventType]int, error) {
	counts := make(map[EventType]int)
	err := scan(path, func(_ int, e Event) error {
		counts[e.Type]++
		return nil
	})
	return counts, err
}

// ValidateJournal 驗證日誌檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式正確
// - 所有事件的校驗和正確
// - seq 從 1 開始連續且無重複
func ValidateJournal(path string) error {
	var lastSeq uint64
	return scan(path, func(line int, e Event) error {
		if err := VerifyChecksum(e); err != nil {
			return err
		}
		if e.Seq != lastSeq+1 {
			return fmt.Errorf("%w: line %d has seq=%d after seq=%d", ErrSeqGap, line, e.Seq, lastSeq)
		}
		lastSeq = e.Seq
		return nil
	})
}
