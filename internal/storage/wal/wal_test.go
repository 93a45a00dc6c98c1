package wal

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestJournal(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.log")
	j, err := NewJournal(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func idx(b, r, g int) types.TimeIndex {
	return types.TimeIndex{Batch: b, Run: r, Generation: g}
}

// ============================================================================
// Journal Tests
// ============================================================================

func TestAppendAndReplay(t *testing.T) {
	j, path := newTestJournal(t)

	require.NoError(t, j.Append(EventScheduleStarted, types.First, "", false))
	require.NoError(t, j.Append(EventRunCompleted, idx(1, 1, 7), "", false))
	require.NoError(t, j.Append(EventSeek, idx(1, 1, 3), "target=1/1/3", true))
	assert.Equal(t, uint64(3), j.GetLastSeq())

	var got []Event
	require.NoError(t, Replay(path, func(e Event) error {
		got = append(got, e)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, EventScheduleStarted, got[0].Type)
	assert.Equal(t, idx(1, 1, 7), got[1].Index)
	assert.Equal(t, "target=1/1/3", got[2].Detail)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq)
	}
}

func TestFlushMakesBufferedEventsReadable(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Append(EventRunStarted, types.First, "", false))

	count, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, j.Flush())
	n := 0
	require.NoError(t, Replay(path, func(Event) error { n++; return nil }))
	assert.Equal(t, 1, n)
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")

	j, err := NewJournal(path, true)
	require.NoError(t, err)
	require.NoError(t, j.Append(EventBatchStarted, types.First, "", false))
	require.NoError(t, j.Append(EventBatchFinished, idx(1, 2, 5), "", false))
	require.NoError(t, j.Close())

	j2, err := NewJournal(path, false)
	require.NoError(t, err)
	defer j2.Close()
	assert.Equal(t, uint64(2), j2.GetLastSeq())

	require.NoError(t, j2.Append(EventScheduleFinished, idx(1, 2, 5), "", true))
	require.NoError(t, ValidateJournal(path))

	counts, err := CountByType(path)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[EventScheduleFinished])
}

func TestAppendAfterClose(t *testing.T) {
	j, _ := newTestJournal(t)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())
	assert.ErrorIs(t, j.Append(EventError, types.First, "boom", true), ErrWALClosed)
}

func TestRotate(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Append(EventRunStarted, types.First, "", false))
	require.NoError(t, j.Rotate())
	assert.Equal(t, uint64(0), j.GetLastSeq())

	require.NoError(t, j.Append(EventRunStarted, idx(1, 2, 1), "", true))
	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last.Seq)
	assert.Equal(t, idx(1, 2, 1), last.Index)

	matches, err := filepath.Glob(path + ".*")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

// ============================================================================
// Validation Tests
// ============================================================================

func TestGetLastEventOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.log")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	_, err := GetLastEvent(path)
	assert.ErrorIs(t, err, ErrEmptyWAL)
}

func TestValidateDetectsTampering(t *testing.T) {
	j, path := newTestJournal(t)
	require.NoError(t, j.Append(EventEdit, idx(2, 1, 4), "", true))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"2/1/4"`, `"2/1/5"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0644))

	err = ValidateJournal(path)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	assert.ErrorAs(t, err, &ce)
	assert.Equal(t, uint64(1), ce.Seq)
}

func TestValidateDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.log")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0644))

	err := ValidateJournal(path)
	assert.ErrorIs(t, err, ErrCorruptedWAL)
	var ce *CorruptionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Line)
}

func TestValidateDetectsSeqGap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gap.log")
	j, err := NewJournal(path, true)
	require.NoError(t, err)
	require.NoError(t, j.Append(EventRunStarted, types.First, "", false))
	require.NoError(t, j.Close())

	// append a valid event with a skipped sequence number
	e := Event{Seq: 3, Type: EventRunAborted, Index: types.First}
	e.Checksum = CalculateChecksum(e)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":3,"type":"RUN_ABORTED","index":"1/1/1","timestamp":0,"checksum":` + strconv.FormatUint(uint64(e.Checksum), 10) + "}\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.ErrorIs(t, ValidateJournal(path), ErrSeqGap)
}
