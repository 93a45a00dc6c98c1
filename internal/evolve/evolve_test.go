package evolve

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ChuLiYu/evorun/internal/schedule"
	"github.com/ChuLiYu/evorun/internal/worker"
	"github.com/ChuLiYu/evorun/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

var twoBatches = []BatchSpec{
	{Runs: 2, Population: 8, GenomeLength: 16, MaxGenerations: 5, TargetFitness: 99, Seed: 7},
	{Runs: 1, Population: 4, GenomeLength: 8, MaxGenerations: 3, TargetFitness: 99, Seed: 7},
}

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(8)
	require.NoError(t, pool.Start(4))
	t.Cleanup(pool.Stop)
	return pool
}

func finish(t *testing.T, s *schedule.Schedule) {
	t.Helper()
	for i := 0; i < 100000 && !s.Finished(); i++ {
		require.NoError(t, s.Step(context.Background()))
	}
	require.True(t, s.Finished())
}

func genomes(t *testing.T, s *schedule.Schedule) [][]byte {
	t.Helper()
	m, ok := s.Lookup(SpaceID)
	require.True(t, ok)
	return m.(*Population).Genomes()
}

func runs(t *testing.T, s *schedule.Schedule) []RunSummary {
	t.Helper()
	tr, ok := Tracker(s)
	require.True(t, ok)
	return tr.Runs()
}

// ============================================================================
// Lifecycle Tests
// ============================================================================

func TestRunsEveryBatch(t *testing.T) {
	s, err := NewSchedule(twoBatches, Options{Pool: newPool(t)})
	require.NoError(t, err)
	finish(t, s)

	got := runs(t, s)
	require.Len(t, got, 3)
	assert.Equal(t, types.First, got[0].Index)
	assert.Equal(t, types.TimeIndex{Batch: 1, Run: 2, Generation: 1}, got[1].Index)
	assert.Equal(t, types.TimeIndex{Batch: 2, Run: 1, Generation: 1}, got[2].Index)
	assert.Equal(t, []int{5, 5, 3}, []int{got[0].Generations, got[1].Generations, got[2].Generations})
	for _, r := range got {
		assert.GreaterOrEqual(t, r.Best, 0)
	}
	assert.LessOrEqual(t, got[2].Best, 8)
}

func TestTargetFitnessStopsRun(t *testing.T) {
	s, err := NewSchedule([]BatchSpec{{Runs: 1, Population: 16, GenomeLength: 4, Seed: 3}}, Options{})
	require.NoError(t, err)
	finish(t, s)

	tr, _ := Tracker(s)
	assert.Equal(t, 4, tr.Best())
}

func TestFitnessNeverDecreases(t *testing.T) {
	s, err := NewSchedule([]BatchSpec{{Runs: 1, Population: 10, GenomeLength: 32, MaxGenerations: 30, TargetFitness: 99}}, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Step(ctx))
	m, _ := s.Lookup(SpaceID)
	pop := m.(*Population)
	prev := append([]int(nil), pop.Scores()...)
	for !s.Finished() {
		require.NoError(t, s.Step(ctx))
		if s.Index().Generation == 1 {
			break
		}
		for i, sc := range pop.Scores() {
			assert.GreaterOrEqual(t, sc, prev[i])
		}
		prev = append(prev[:0], pop.Scores()...)
	}
}

func TestInvalidSpecIsRejected(t *testing.T) {
	_, err := NewSchedule([]BatchSpec{{Runs: 1, Population: 0, GenomeLength: 8}}, Options{})
	assert.ErrorIs(t, err, schedule.ErrUnsupportedModule)

	_, err = NewSchedule([]BatchSpec{{Runs: 1, Population: 4, GenomeLength: 8, MutationRate: 2}}, Options{})
	assert.ErrorIs(t, err, schedule.ErrUnsupportedModule)

	_, err = NewSchedule([]BatchSpec{{Runs: 0, Population: 4, GenomeLength: 8}}, Options{})
	assert.ErrorIs(t, err, types.ErrInvalidRunCount)
}

// ============================================================================
// Determinism Tests
// ============================================================================

func TestSameSeedSameResult(t *testing.T) {
	a, err := NewSchedule(twoBatches, Options{Pool: newPool(t)})
	require.NoError(t, err)
	b, err := NewSchedule(twoBatches, Options{})
	require.NoError(t, err)

	finish(t, a)
	finish(t, b)
	assert.Equal(t, runs(t, a), runs(t, b))
	assert.Equal(t, genomes(t, a), genomes(t, b))
}

func TestCloneReplaysIdentically(t *testing.T) {
	s, err := NewSchedule(twoBatches, Options{})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Step(ctx))
	}
	cp := s.Clone()

	for !s.Finished() {
		require.NoError(t, s.Step(ctx))
		require.NoError(t, cp.Step(ctx))
		require.Equal(t, s.Index(), cp.Index())
		require.Equal(t, genomes(t, s), genomes(t, cp))
	}
	assert.Equal(t, runs(t, s), runs(t, cp))
}

func TestMarshalAndRestore(t *testing.T) {
	s, err := NewSchedule(twoBatches, Options{DecayBase: 0.2, DecayFactor: 0.5})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Step(ctx))
	}

	st, err := s.MarshalState()
	require.NoError(t, err)
	data, err := json.Marshal(st)
	require.NoError(t, err)

	var decoded schedule.State
	require.NoError(t, json.Unmarshal(data, &decoded))
	restored, err := schedule.Restore(&decoded, NewRegistry(newPool(t)))
	require.NoError(t, err)
	assert.Equal(t, genomes(t, s), genomes(t, restored))

	finish(t, s)
	finish(t, restored)
	assert.Equal(t, runs(t, s), runs(t, restored))
}

// ============================================================================
// Module Tests
// ============================================================================

func TestParallelEvaluationMatchesSerial(t *testing.T) {
	pop := NewPopulation(SpaceID, SpaceConfig{Size: 200, Length: 64, Seed: 11})
	s := schedule.New(types.NewCatalog(), pop)
	// only Index is needed by InitPopulation
	require.NoError(t, pop.InitPopulation(context.Background(), s))

	serial := make([]int, pop.Size())
	parallel := make([]int, pop.Size())
	require.NoError(t, NewOneMax(FitnessID, nil).Evaluate(context.Background(), pop.Genomes(), serial))

	fit := NewOneMax(FitnessID, newPool(t))
	fit.chunk = 7
	require.NoError(t, fit.Evaluate(context.Background(), pop.Genomes(), parallel))
	assert.Equal(t, serial, parallel)

	assert.Error(t, fit.Evaluate(context.Background(), pop.Genomes(), make([]int, 1)))
}

func TestRateDecay(t *testing.T) {
	d := NewRateDecay(DecayID, MutationID, 0.4, 0.5)
	desc, err := types.NewBatch(1, nil)
	require.NoError(t, err)

	cfg, err := d.ConfigureBatch(3, desc)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, cfg[MutationID].(*MutationConfig).Rate, 1e-12)

	desc.Config[MutationID] = &MutationConfig{Rate: 0.3}
	cfg, err = d.ConfigureBatch(3, desc)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = NewRateDecay(DecayID, MutationID, 2, 1).ConfigureBatch(1, &types.BatchDescriptor{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRateDecayAppliedPerBatch(t *testing.T) {
	specs := []BatchSpec{
		{Runs: 1, Population: 2, GenomeLength: 4, MaxGenerations: 1, TargetFitness: 99},
		{Runs: 1, Population: 2, GenomeLength: 4, MaxGenerations: 1, TargetFitness: 99},
	}
	s, err := NewSchedule(specs, Options{DecayBase: 0.2, DecayFactor: 0.5})
	require.NoError(t, err)

	ctx := context.Background()
	m, _ := s.Lookup(MutationID)
	require.NoError(t, s.Step(ctx))
	assert.InDelta(t, 0.2, m.(*Mutation).Config().(*MutationConfig).Rate, 1e-12)
	require.NoError(t, s.Step(ctx))
	assert.Equal(t, 2, s.Index().Batch)
	assert.InDelta(t, 0.1, m.(*Mutation).Config().(*MutationConfig).Rate, 1e-12)
}

func TestMissingDependencies(t *testing.T) {
	mut := NewMutation(MutationID, MutationConfig{})
	s := schedule.New(types.NewCatalog(), mut)
	assert.ErrorIs(t, mut.Step(context.Background(), s), ErrMissingModule)
}

func TestGenomeEncoding(t *testing.T) {
	g := []byte{1, 0, 1, 1}
	assert.Equal(t, "1011", encodeGenome(g))

	back, err := decodeGenome("1011")
	require.NoError(t, err)
	assert.Equal(t, g, back)

	_, err = decodeGenome("10x1")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil)
	assert.Len(t, r.Kinds(), 7)

	m, err := r.New(KindMutation, "m")
	require.NoError(t, err)
	assert.Equal(t, types.ModuleID("m"), m.ID())

	_, err = r.New("tabu-search", "x")
	assert.ErrorIs(t, err, ErrUnknownKind)
}
