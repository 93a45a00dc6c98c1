package replay

import (
	"math/rand"
	"testing"

	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

type state struct {
	at      types.TimeIndex
	payload []int
}

func (s *state) CurrentIndex() types.TimeIndex { return s.at }

func (s *state) Clone() *state {
	return &state{at: s.at, payload: append([]int(nil), s.payload...)}
}

func at(b, r, g int) *state {
	return &state{at: types.TimeIndex{Batch: b, Run: r, Generation: g}, payload: []int{b, r, g}}
}

func idx(b, r, g int) types.TimeIndex {
	return types.TimeIndex{Batch: b, Run: r, Generation: g}
}

func assertIncreasing(t *testing.T, s *Store[*state]) {
	t.Helper()
	points := s.Points()
	for i := 1; i < len(points); i++ {
		require.True(t, points[i-1].Less(points[i]), "%s !< %s", points[i-1], points[i])
	}
}

// ============================================================================
// AddPoint
// ============================================================================

func TestAddPointOverwritesWithinRun(t *testing.T) {
	s := NewStore[*state]()
	s.AddPoint(&state{at: types.Start}, true)
	for g := 1; g <= 5; g++ {
		s.AddPoint(at(1, 1, g), false)
	}

	// start, run start, latest generation
	assert.Equal(t, []types.TimeIndex{types.Start, idx(1, 1, 1), idx(1, 1, 5)}, s.Points())

	s.AddPoint(at(1, 2, 1), false)
	s.AddPoint(at(1, 2, 2), false)
	s.AddPoint(at(1, 2, 3), false)
	assert.Equal(t, []types.TimeIndex{types.Start, idx(1, 1, 1), idx(1, 1, 5), idx(1, 2, 1), idx(1, 2, 3)}, s.Points())
}

func TestAddPointForceAlwaysAppends(t *testing.T) {
	s := NewStore[*state]()
	s.AddPoint(at(1, 1, 1), false)
	s.AddPoint(at(1, 1, 2), false)
	s.AddPoint(at(1, 1, 3), true)
	s.AddPoint(at(1, 1, 4), false)

	// edit point at 1/1/3 is never overwritten
	assert.Equal(t, []types.TimeIndex{idx(1, 1, 1), idx(1, 1, 2), idx(1, 1, 3), idx(1, 1, 4)}, s.Points())
	assert.True(t, s.IsEditPoint(idx(1, 1, 3)))
}

func TestAddPointBehindLastTruncates(t *testing.T) {
	s := NewStore[*state]()
	s.AddPoint(at(1, 1, 1), false)
	s.AddPoint(at(1, 2, 1), false)
	s.AddPoint(at(2, 1, 1), false)

	s.AddPoint(at(1, 2, 1), true)
	assert.Equal(t, []types.TimeIndex{idx(1, 1, 1), idx(1, 2, 1)}, s.Points())
}

func TestMonotonicityUnderRandomAdds(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	s := NewStore[*state]()
	for i := 0; i < 500; i++ {
		s.AddPoint(at(1+rng.Intn(3), 1+rng.Intn(3), 1+rng.Intn(5)), rng.Intn(4) == 0)
		assertIncreasing(t, s)
	}
}

func TestStoredSnapshotsAreIsolated(t *testing.T) {
	s := NewStore[*state]()
	live := at(1, 1, 1)
	s.AddPoint(live, false)
	live.payload[0] = 99

	got, err := s.CheckpointFor(idx(1, 1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, got.payload[0])

	got.payload[0] = 42
	again, _ := s.CheckpointFor(idx(1, 1, 1))
	assert.Equal(t, 1, again.payload[0])
}

// ============================================================================
// Queries
// ============================================================================

func TestCheckpointForReturnsFloor(t *testing.T) {
	s := NewStore[*state]()
	s.AddPoint(at(1, 1, 1), true)
	s.AddPoint(at(1, 1, 4), true)
	s.AddPoint(at(1, 2, 1), true)

	tests := []struct {
		target types.TimeIndex
		want   types.TimeIndex
	}{
		{idx(1, 1, 1), idx(1, 1, 1)},
		{idx(1, 1, 3), idx(1, 1, 1)},
		{idx(1, 1, 4), idx(1, 1, 4)},
		{idx(1, 1, 99), idx(1, 1, 4)},
		{idx(1, 2, 7), idx(1, 2, 1)},
		{types.Last, idx(1, 2, 1)},
	}
	for _, tt := range tests {
		got, err := s.CheckpointFor(tt.target)
		require.NoError(t, err, tt.target.String())
		assert.Equal(t, tt.want, got.CurrentIndex(), tt.target.String())
	}

	_, err := s.CheckpointFor(types.Start)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestRemoveAllSince(t *testing.T) {
	s := NewStore[*state]()
	for _, p := range []*state{at(1, 1, 1), at(1, 1, 3), at(1, 2, 1), at(2, 1, 1)} {
		s.AddPoint(p, true)
	}

	s.RemoveAllSince(idx(1, 2, 1))
	assert.Equal(t, []types.TimeIndex{idx(1, 1, 1), idx(1, 1, 3)}, s.Points())
	assert.False(t, s.ContainsPoint(idx(1, 2, 1)))

	got, err := s.CheckpointFor(idx(1, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, idx(1, 1, 3), got.CurrentIndex())

	s.RemoveAllSince(types.Start)
	assert.Equal(t, 0, s.Len())
	_, err = s.LastPoint()
	assert.ErrorIs(t, err, ErrEmptyStore)
}

func TestBoundaryQueries(t *testing.T) {
	s := NewStore[*state]()
	for _, p := range []*state{at(1, 1, 1), at(1, 1, 3), at(1, 2, 1), at(1, 2, 6), at(3, 1, 1)} {
		s.AddPoint(p, true)
	}

	last, err := s.LastPoint()
	require.NoError(t, err)
	assert.Equal(t, idx(3, 1, 1), last)

	first, err := s.FirstPoint()
	require.NoError(t, err)
	assert.Equal(t, idx(1, 1, 1), first)

	p, ok := s.LastPointInBatch(1)
	assert.True(t, ok)
	assert.Equal(t, idx(1, 2, 6), p)

	_, ok = s.LastPointInBatch(2)
	assert.False(t, ok)

	p, ok = s.PrevPoint(idx(1, 2, 1))
	assert.True(t, ok)
	assert.Equal(t, idx(1, 1, 3), p)

	_, ok = s.PrevPoint(idx(1, 1, 1))
	assert.False(t, ok)

	p, ok = s.NextPointAfter(idx(1, 1, 2))
	assert.True(t, ok)
	assert.Equal(t, idx(1, 1, 3), p)

	_, ok = s.NextPointAfter(idx(3, 1, 1))
	assert.False(t, ok)

	cp, ok := s.CheckpointIndexFor(idx(1, 2, 5))
	assert.True(t, ok)
	assert.Equal(t, idx(1, 2, 1), cp)
}

func TestNewStoreFromEntries(t *testing.T) {
	entries := []Entry[*state]{
		{Index: idx(1, 1, 1), State: at(1, 1, 1)},
		{Index: idx(1, 1, 2), State: at(1, 1, 2), Edit: true},
	}
	s, err := NewStoreFromEntries(entries)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Len())
	assert.True(t, s.Entries()[1].Edit)

	_, err = NewStoreFromEntries([]Entry[*state]{entries[1], entries[0]})
	assert.ErrorIs(t, err, ErrNotIncreasing)
}
