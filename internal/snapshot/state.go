package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/evorun/internal/replay"
	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/pkg/types"
)

// SchemaVersion 目前的檔案格式版本
const SchemaVersion = 1

// ErrNothingToSave 沒有可儲存的計算
var ErrNothingToSave = errors.New("snapshot: no active computation")

// Checkpoint 一個持久化的檢查點
type Checkpoint struct {
	Index types.TimeIndex `json:"index"`
	Edit  bool            `json:"edit,omitempty"`
	State *schedule.State `json:"state"`
}

// File 持久化單位：檢查點儲存與目前的計算，一起讀寫
type File struct {
	SchemaVer     int             `json:"schema_ver"`
	ComputationID string          `json:"computation_id"`
	SavedAt       time.Time       `json:"saved_at"`
	Checksum      string          `json:"checksum"`
	Active        *schedule.State `json:"active"`
	Checkpoints   []Checkpoint    `json:"checkpoints"`
}

type payload struct {
	Active      *schedule.State `json:"active"`
	Checkpoints []Checkpoint    `json:"checkpoints"`
}

// Capture 把目前的計算與檢查點轉成 File
//
// 只能在擁有 active / store 的 goroutine 上呼叫。
func Capture(active *schedule.Schedule, store *replay.Store[*schedule.Schedule]) (*File, error) {
	if active == nil {
		return nil, ErrNothingToSave
	}

	st, err := active.MarshalState()
	if err != nil {
		return nil, fmt.Errorf("capture active computation: %w", err)
	}

	f := &File{
		SchemaVer:     SchemaVersion,
		ComputationID: active.ID(),
		Active:        st,
	}

	if store != nil {
		for _, e := range store.Entries() {
			cst, err := e.State.MarshalState()
			if err != nil {
				return nil, fmt.Errorf("capture checkpoint %s: %w", e.Index, err)
			}
			f.Checkpoints = append(f.Checkpoints, Checkpoint{Index: e.Index, Edit: e.Edit, State: cst})
		}
	}
	return f, nil
}

// validate 結構檢查：目前的計算與每個檢查點都必須有內容
func (f *File) validate() error {
	if f.Active == nil {
		return fmt.Errorf("%w: missing active computation", ErrCorruptedSnapshot)
	}
	for i, cp := range f.Checkpoints {
		if cp.State == nil {
			return fmt.Errorf("%w: checkpoint %d (%s) has no state", ErrCorruptedSnapshot, i, cp.Index)
		}
	}
	return nil
}

// Restore 以模組註冊表重建計算與檢查點儲存
//
// 有檢查點時，最後一個檢查點不能早於目前的位置。
func (f *File) Restore(reg types.Registry) (*schedule.Schedule, *replay.Store[*schedule.Schedule], error) {
	if err := f.validate(); err != nil {
		return nil, nil, err
	}

	active, err := schedule.Restore(f.Active, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("restore active computation: %w", err)
	}

	entries := make([]replay.Entry[*schedule.Schedule], 0, len(f.Checkpoints))
	for _, cp := range f.Checkpoints {
		s, err := schedule.Restore(cp.State, reg)
		if err != nil {
			return nil, nil, fmt.Errorf("restore checkpoint %s: %w", cp.Index, err)
		}
		if s.CurrentIndex() != cp.Index {
			return nil, nil, fmt.Errorf("%w: checkpoint %s holds state at %s", ErrCorruptedSnapshot, cp.Index, s.CurrentIndex())
		}
		entries = append(entries, replay.Entry[*schedule.Schedule]{Index: cp.Index, State: s, Edit: cp.Edit})
	}

	store, err := replay.NewStoreFromEntries(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if last, err := store.LastPoint(); err == nil && last.Less(active.CurrentIndex()) {
		return nil, nil, fmt.Errorf("%w: last checkpoint %s precedes current %s", ErrCorruptedSnapshot, last, active.CurrentIndex())
	}
	return active, store, nil
}

// computeChecksum SHA-256 over the compact JSON of the payload
func (f *File) computeChecksum() (string, error) {
	data, err := json.Marshal(payload{Active: f.Active, Checkpoints: f.Checkpoints})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
