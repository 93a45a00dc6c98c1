package snapshot

// ============================================================================
// 職責說明：
// 1. 將檢查點儲存與目前的計算序列化為單一 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本與 SHA-256 校驗和
// 4. 可選擇保留舊版本備份
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Manager 狀態檔管理器
type Manager struct {
	path string     // 狀態檔路徑
	mu   sync.Mutex // 保護檔案操作
}

// NewManager 建立管理器實例
func NewManager(path string) *Manager {
	return &Manager{
		path: path,
	}
}

// Write 原子性寫入狀態檔
//
// 使用原子性寫入流程：
// 1. 填入版本、時間與校驗和
// 2. 寫入臨時檔案（.tmp）
// 3. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(f *File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(f)
}

func (m *Manager) writeLocked(f *File) error {
	f.SchemaVer = SchemaVersion
	if f.SavedAt.IsZero() {
		f.SavedAt = time.Now().UTC()
	}
	sum, err := f.computeChecksum()
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot: %w", err)
	}
	f.Checksum = sum

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入狀態檔
//
// 行為：
//   - 檔案不存在時回傳 ErrSnapshotNotFound
//   - 驗證 schema 版本是否相容
//   - 以校驗和偵測損壞或被修改的檔案
//   - 缺少目前的計算或檢查點內容時視為損壞
func (m *Manager) Load() (*File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var f File
	if err := json.Unmarshal(jsonBytes, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	if f.SchemaVer != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, f.SchemaVer, SchemaVersion)
	}

	sum, err := f.computeChecksum()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if sum != f.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptedSnapshot)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Exists 檢查狀態檔是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得狀態檔路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入狀態檔並保留最近 keepBackups 個舊版本
func (m *Manager) WriteWithBackup(f *File, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, time.Now().Format("20060102_150405.000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}

	if err := m.writeLocked(f); err != nil {
		return err
	}
	return m.pruneBackupsLocked(keepBackups)
}

// Backups 依時間由舊到新列出備份檔
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackupsLocked(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil {
			return fmt.Errorf("failed to prune backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
