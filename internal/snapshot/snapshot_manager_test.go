package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證狀態檔的原子性寫入、載入、版本與校驗和驗證、備份
// ============================================================================

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ChuLiYu/evorun/internal/replay"
	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// tally 每代加一，第 limit 代停止
type tally struct {
	id    types.ModuleID
	n     int
	limit int
}

func (m *tally) ID() types.ModuleID       { return m.id }
func (m *tally) Category() types.Category { return types.CategoryOperator }
func (m *tally) Snapshot() types.Module   { cp := *m; return &cp }

func (m *tally) InitPopulation(context.Context, types.Context) error { m.n = 1; return nil }
func (m *tally) Step(context.Context, types.Context) error           { m.n++; return nil }
func (m *tally) Check(c types.Context) {
	if m.n >= m.limit {
		c.TriggerStopCriterion()
	}
}

func (m *tally) Kind() string { return "tally" }
func (m *tally) MarshalState() (json.RawMessage, error) {
	return json.Marshal([2]int{m.n, m.limit})
}
func (m *tally) UnmarshalState(data json.RawMessage) error {
	var v [2]int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	m.n, m.limit = v[0], v[1]
	return nil
}
func (m *tally) DecodeConfig(json.RawMessage) (types.ModuleConfig, error) {
	return nil, fmt.Errorf("tally has no config")
}

type registry struct{}

func (registry) New(kind string, id types.ModuleID) (types.Module, error) {
	if kind != "tally" {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return &tally{id: id}, nil
}

// played 執行 steps 次並記錄檢查點
func played(t *testing.T, steps int) (*schedule.Schedule, *replay.Store[*schedule.Schedule]) {
	t.Helper()
	b, err := types.NewBatch(2, nil)
	require.NoError(t, err)
	s := schedule.New(types.NewCatalog(b), &tally{id: "t", limit: 3})

	store := replay.NewStore[*schedule.Schedule]()
	store.AddPoint(s, true)
	for i := 0; i < steps; i++ {
		require.NoError(t, s.Step(context.Background()))
		store.AddPoint(s, false)
	}
	return s, store
}

// ============================================================================
// 基礎功能測試
// ============================================================================

func TestNewManager(t *testing.T) {
	manager := NewManager("state.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "state.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
	s, store := played(t, 4)

	f, err := Capture(s, store)
	require.NoError(t, err)
	require.NoError(t, manager.Write(f))
	assert.NotEmpty(t, f.Checksum)
	assert.False(t, f.SavedAt.IsZero())

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, s.ID(), loaded.ComputationID)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.Len(t, loaded.Checkpoints, store.Len())

	active, restored, err := loaded.Restore(registry{})
	require.NoError(t, err)
	assert.Equal(t, s.Index(), active.Index())
	assert.Equal(t, s.NextIndex(), active.NextIndex())
	assert.Equal(t, store.Points(), restored.Points())
	assert.True(t, restored.IsEditPoint(types.Start))

	// the restored computation continues exactly like the original
	for !s.Finished() {
		require.NoError(t, s.Step(context.Background()))
		require.NoError(t, active.Step(context.Background()))
		assert.Equal(t, s.Index(), active.Index())
	}
	assert.True(t, active.Finished())
}

func TestCaptureWithoutComputation(t *testing.T) {
	_, err := Capture(nil, nil)
	assert.ErrorIs(t, err, ErrNothingToSave)
}

func TestAtomicWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(path)

	s1, st1 := played(t, 1)
	f1, err := Capture(s1, st1)
	require.NoError(t, err)
	require.NoError(t, manager.Write(f1))

	s2, st2 := played(t, 5)
	f2, err := Capture(s2, st2)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, manager.Write(f2))
	}()

	var loaded *File
	go func() {
		defer wg.Done()
		f, err := manager.Load()
		assert.NoError(t, err)
		loaded = f
	}()
	wg.Wait()

	// 應該讀到完整的檔案（舊的或新的），不會是半成品
	require.NotNil(t, loaded)
	assert.True(t, loaded.Active.Current == s1.Index() || loaded.Active.Current == s2.Index())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
	assert.False(t, manager.Exists())

	s, store := played(t, 1)
	f, err := Capture(s, store)
	require.NoError(t, err)
	require.NoError(t, manager.Write(f))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

func TestLoadMissing(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "missing.json"))
	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 99}`), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_ver": 1, "active": {"id": `), 0644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(path)

	s, store := played(t, 2)
	f, err := Capture(s, store)
	require.NoError(t, err)
	require.NoError(t, manager.Write(f))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"stop_requested": false`, `"stop_requested": true`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestRestoreRejectsMisplacedCheckpoint(t *testing.T) {
	s, store := played(t, 2)
	f, err := Capture(s, store)
	require.NoError(t, err)

	f.Checkpoints[1].Index = types.TimeIndex{Batch: 9, Run: 9, Generation: 9}
	_, _, err = f.Restore(registry{})
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

func TestLoadRejectsMissingState(t *testing.T) {
	s, store := played(t, 2)
	withNilCheckpoint, err := Capture(s, store)
	require.NoError(t, err)
	withNilCheckpoint.Checkpoints[1].State = nil

	tests := []struct {
		name string
		file *File
	}{
		{"empty file", &File{}},
		{"nil checkpoint state", withNilCheckpoint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager(filepath.Join(t.TempDir(), "state.json"))
			// the checksum is valid, only the structure is wrong
			require.NoError(t, manager.Write(tt.file))

			_, err := manager.Load()
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
			_, _, err = tt.file.Restore(registry{})
			assert.ErrorIs(t, err, ErrCorruptedSnapshot)
		})
	}
}

func TestRestoreRejectsCheckpointsBehindCurrent(t *testing.T) {
	s, store := played(t, 3)
	f, err := Capture(s, store)
	require.NoError(t, err)
	require.Equal(t, types.TimeIndex{Batch: 1, Run: 1, Generation: 3}, f.Active.Current)

	// S, 1/1/1 only: the last checkpoint is behind 1/1/3
	f.Checkpoints = f.Checkpoints[:2]
	_, _, err = f.Restore(registry{})
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)

	// without checkpoints the store is rebuilt on load
	f.Checkpoints = nil
	active, restored, err := f.Restore(registry{})
	require.NoError(t, err)
	assert.Equal(t, s.Index(), active.Index())
	assert.Equal(t, 0, restored.Len())
}

func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0444))
	defer os.Chmod(readOnlyDir, 0755)

	s, store := played(t, 1)
	f, err := Capture(s, store)
	require.NoError(t, err)
	assert.Error(t, NewManager(filepath.Join(readOnlyDir, "state.json")).Write(f))
}

// ============================================================================
// 進階功能測試
// ============================================================================

func TestWriteWithBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	manager := NewManager(path)

	for i := 1; i <= 4; i++ {
		s, store := played(t, i)
		f, err := Capture(s, store)
		require.NoError(t, err)
		require.NoError(t, manager.WriteWithBackup(f, 2))
	}

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Checkpoints, 4)
}

func TestConcurrentWrites(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "state.json"))

	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		s, store := played(t, i%5+1)
		f, err := Capture(s, store)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, manager.Write(f))
		}()
	}
	wg.Wait()

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
}
