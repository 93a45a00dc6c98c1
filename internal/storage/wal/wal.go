package wal

// ============================================================================
// Journal 核心實作
// 職責：
// 1. 追加生命週期事件到日誌檔案（append-only，JSON lines）
// 2. 支援日誌旋轉（開始新的計算時改名備份，重新編號）
// 3. 批次寫入，關閉或強制時同步到磁碟
// 讀取端（重放、驗證、統計）在 utils.go，直接讀檔案
// ============================================================================

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/evorun/pkg/types"
)

// Journal 表示一個生命週期日誌實例
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	encoder      *json.Encoder
	path         string
	seq          uint64 // 當前事件序號
	syncOnAppend bool   // 是否每次追加都強制同步
	closed       bool

	buffer        []Event
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewJournal 建立或開啟一個 Journal

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋

參數：

	path         - 日誌檔案路徑
	syncOnAppend - 每次追加都 flush + fsync
*/
func NewJournal(path string, syncOnAppend bool) (*Journal, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		seq = last.Seq
	}

	return &Journal{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, 256),
		bufferSize:    256,
		lastFlushTime: time.Now(),
		flushInterval: time.Second,
	}, nil
}

// Append 追加一個事件
//
// 參數：
//
//	eventType - 事件類型
//	index     - 事件發生的位置
//	detail    - 附加說明（可為空）
//	force     - 立即 flush
func (j *Journal) Append(eventType EventType, index types.TimeIndex, detail string, force bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrWALClosed
	}

	j.seq++
	event := Event{
		Seq:       j.seq,
		Type:      eventType,
		Index:     index,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	j.buffer = append(j.buffer, event)

	if force || j.syncOnAppend || len(j.buffer) >= j.bufferSize || time.Since(j.lastFlushTime) > j.flushInterval {
		return j.flushLocked()
	}
	return nil
}

// Flush 寫出緩衝並同步到磁碟
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrWALClosed
	}
	return j.flushLocked()
}

// Rotate 把目前的日誌改名備份，並開始新的檔案（seq 歸零）
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return ErrWALClosed
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	if err := j.file.Close(); err != nil {
		return err
	}

	backupPath := j.path + "." + time.Now().Format("20060102_150405.000")
	if err := os.Rename(j.path, backupPath); err != nil {
		return err
	}

	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	j.seq = 0
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 Journal；關閉後不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	if err := j.flushLocked(); err != nil {
		return err
	}
	j.closed = true
	return j.file.Close()
}

// GetLastSeq 取得當前的事件序號
func (j *Journal) GetLastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path 日誌檔案路徑
func (j *Journal) Path() string { return j.path }

// ============================================================================
// 內部輔助方法
// ============================================================================

// flushLocked 假設調用者已經持有 j.mu 鎖
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, event := range j.buffer {
		if err := j.encoder.Encode(event); err != nil {
			return err
		}
	}
	j.buffer = j.buffer[:0]
	j.lastFlushTime = time.Now()
	return j.file.Sync()
}
