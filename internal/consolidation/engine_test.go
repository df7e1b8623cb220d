package consolidation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"koopmem/internal/activation"
	"koopmem/internal/vault"
	"koopmem/internal/weightgraph"
)

func mustActivation(t *testing.T, width int, ids ...int) *activation.ConceptActivation {
	t.Helper()
	ca, err := activation.NewSparse(width, ids, nil)
	require.NoError(t, err)
	return ca
}

func episode(id string, act *activation.ConceptActivation) *vault.Episode {
	return &vault.Episode{
		ID:         id,
		CreatedAt:  time.Now().UTC(),
		Source:     vault.SourceDescriptor{Type: "test"},
		Activation: act,
	}
}

// An edge below the cycle's PruneThreshold but above the graph's own
// Set-time threshold survives replay and is removed by the cycle's final
// Prune call.
func TestRunCyclePrunesBelowThreshold(t *testing.T) {
	g := weightgraph.New(8, 0.05)
	require.NoError(t, g.Set(1, 2, 0.4))
	require.NoError(t, g.Set(2, 3, 0.099))
	e := NewEngine(g, nil)

	params := DefaultReplayParameters()
	params.LearningRate = 0 // isolate pruning from gradient updates
	params.AnnealingSteps = 3
	params.PruneThreshold = 0.1

	ctx := context.Background()
	_, stats, err := e.RunCycle(ctx, "job-1", []*vault.Episode{episode("a", mustActivation(t, 8, 1, 2))}, params)
	require.NoError(t, err)
	require.Equal(t, 1, stats.EdgesPruned)
	require.Equal(t, 0.0, g.Get(2, 3))
	require.Equal(t, 0.4, g.Get(1, 2))
}

func TestRunCycleIsDeterministicForSameSeed(t *testing.T) {
	params := DefaultReplayParameters()
	params.AnnealingSteps = 10

	g1 := weightgraph.New(16, 0.01)
	e1 := NewEngine(g1, nil)
	_, _, err := e1.RunCycle(context.Background(), "job-x", []*vault.Episode{episode("ep1", mustActivation(t, 16, 1, 2, 3))}, params)
	require.NoError(t, err)

	g2 := weightgraph.New(16, 0.01)
	e2 := NewEngine(g2, nil)
	_, _, err = e2.RunCycle(context.Background(), "job-x", []*vault.Episode{episode("ep1", mustActivation(t, 16, 1, 2, 3))}, params)
	require.NoError(t, err)

	require.Equal(t, g1.Get(1, 2), g2.Get(1, 2))
	require.Equal(t, g1.Get(2, 3), g2.Get(2, 3))
	require.Equal(t, g1.Get(1, 3), g2.Get(1, 3))
}

func TestRunCycleProducesConceptDeltasWithSourceEpisode(t *testing.T) {
	g := weightgraph.New(16, 0.0)
	e := NewEngine(g, nil)
	params := DefaultReplayParameters()
	params.AnnealingSteps = 5

	deltas, _, err := e.RunCycle(context.Background(), "job-2", []*vault.Episode{episode("ep-z", mustActivation(t, 16, 4, 5))}, params)
	require.NoError(t, err)
	require.NotEmpty(t, deltas)
	for _, d := range deltas {
		require.Contains(t, d.SourceEpisodeIDs, "ep-z")
		require.NotEmpty(t, d.NeighborDeltas)
	}
}

// A context cancelled before replay starts leaves the graph untouched and
// reports Cancelled.
func TestRunCycleRespectsCancellation(t *testing.T) {
	g := weightgraph.New(16, 0.0)
	e := NewEngine(g, nil)
	params := DefaultReplayParameters()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, stats, err := e.RunCycle(ctx, "job-3", []*vault.Episode{episode("ep-1", mustActivation(t, 16, 1, 2))}, params)
	require.NoError(t, err)
	require.True(t, stats.Cancelled)
	require.Equal(t, 0, g.EdgeCount())
}

func TestRunCycleRejectsZeroAnnealingSteps(t *testing.T) {
	g := weightgraph.New(8, 0.0)
	e := NewEngine(g, nil)
	params := DefaultReplayParameters()
	params.AnnealingSteps = 0

	_, _, err := e.RunCycle(context.Background(), "job-4", []*vault.Episode{episode("a", mustActivation(t, 8, 1, 2))}, params)
	require.Error(t, err)
}

func TestRunCycleEmptyEpisodesIsNoop(t *testing.T) {
	g := weightgraph.New(8, 0.0)
	e := NewEngine(g, nil)
	deltas, stats, err := e.RunCycle(context.Background(), "job-5", nil, DefaultReplayParameters())
	require.NoError(t, err)
	require.Nil(t, deltas)
	require.Equal(t, CycleStats{}, stats)
}
