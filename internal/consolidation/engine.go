// Package consolidation implements the Replay/Consolidation Engine
//: simulated-annealing wake-sleep updates of
// the weight graph driven by replayed episodes.
package consolidation

import (
	"context"
	"hash/fnv"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
	"koopmem/internal/trace"
	"koopmem/internal/vault"
	"koopmem/internal/weightgraph"
)

// ConceptDelta is the per-concept record a consolidation cycle emits
//.
type ConceptDelta struct {
	Concept             int
	SourceEpisodeIDs     []string
	NeighborDeltas       map[int]float64
	ResultingActivation  *activation.ConceptActivation
	EnergyImprovement    float64
}

// CycleStats summarises one RunCycle invocation, used both for the job
// status and for the `GetReplayStats` boundary operation.
type CycleStats struct {
	EpisodesProcessed int
	EpisodesFailed    int
	EdgesPruned       int
	TotalEnergyImprovement float64
	FinalTemperature  float64
	Cancelled         bool
}

// Engine mutates a single WeightGraph via simulated-annealing replay.
// Per, the engine is the exclusive single writer of the graph
// during a job; other readers must use Graph.Snapshot.
type Engine struct {
	Graph  *weightgraph.Graph
	Traces *trace.Buffer // replay also emits traces for the spectral learner (C5)
}

// NewEngine creates a consolidation engine bound to a graph and an
// optional trace sink.
func NewEngine(g *weightgraph.Graph, traces *trace.Buffer) *Engine {
	return &Engine{Graph: g, Traces: traces}
}

// RunCycle replays a batch of episodes against the graph, selected and
// ordered by the caller (the scheduler applies its filter and selection
// policy before calling in). Updates are applied in episode iteration
// order, deterministically for a given (episode, job) seed pair.
func (e *Engine) RunCycle(ctx context.Context, jobID string, episodes []*vault.Episode, params ReplayParameters) ([]ConceptDelta, CycleStats, error) {
	if len(episodes) == 0 {
		return nil, CycleStats{}, nil
	}
	if params.AnnealingSteps <= 0 {
		return nil, CycleStats{}, apperr.Invalid("annealing_steps must be positive")
	}

	deltaByConcept := map[int]*ConceptDelta{}
	var stats CycleStats
	var snapshotsForTrace []*activation.ConceptActivation

	for _, ep := range episodes {
		select {
		case <-ctx.Done():
			stats.Cancelled = true
			return finalizeDeltas(deltaByConcept), stats, nil
		default:
		}

		improvement, err := e.replayEpisode(ctx, jobID, ep, params, deltaByConcept)
		if err != nil {
			stats.EpisodesFailed++
			log.Printf("🔥 [CONSOLIDATION] episode %s gradient error, skipping: %v", ep.ID, err)
			failureFrac := float64(stats.EpisodesFailed) / float64(len(episodes))
			if params.MaxFailureFraction > 0 && failureFrac > params.MaxFailureFraction {
				return finalizeDeltas(deltaByConcept), stats, apperr.New(apperr.Internal, "consolidation cycle exceeded max failure fraction")
			}
			continue
		}
		stats.EpisodesProcessed++
		stats.TotalEnergyImprovement += improvement
		snapshotsForTrace = append(snapshotsForTrace, ep.Activation)
	}

	stats.EdgesPruned = e.Graph.Prune(params.PruneThreshold)

	if e.Traces != nil && len(snapshotsForTrace) > 1 {
		e.Traces.Append(trace.BuildFromActivations(snapshotsForTrace, 0))
	}

	return finalizeDeltas(deltaByConcept), stats, nil
}

func finalizeDeltas(m map[int]*ConceptDelta) []ConceptDelta {
	concepts := make([]int, 0, len(m))
	for c := range m {
		concepts = append(concepts, c)
	}
	sort.Ints(concepts)
	out := make([]ConceptDelta, 0, len(concepts))
	for _, c := range concepts {
		cd := m[c]
		for _, change := range cd.NeighborDeltas {
			cd.EnergyImprovement += math.Abs(change)
		}
		out = append(out, *cd)
	}
	return out
}

// replayEpisode runs the annealing loop for a single episode and folds
// weight updates into the graph and the running ConceptDelta map.
func (e *Engine) replayEpisode(ctx context.Context, jobID string, ep *vault.Episode, params ReplayParameters, deltaByConcept map[int]*ConceptDelta) (float64, error) {
	if ep.Activation == nil {
		return 0, apperr.Invalid("episode %s has no activation", ep.ID)
	}
	rng := rand.New(rand.NewSource(seedFor(ep.ID, jobID)))

	pos := ep.Activation
	width := pos.Width
	density := pos.Density()

	T := params.InitialTemperature
	ageHours := ep.Age(time.Now()).Hours()
	var totalImprovement float64
	window := make([]float64, 0, 5)

	for step := 0; step < params.AnnealingSteps; step++ {
		if step%8 == 0 {
			select {
			case <-ctx.Done():
				return totalImprovement, nil
			default:
			}
		}

		negatives := make([]*activation.ConceptActivation, params.NegativeSamples)
		for k := range negatives {
			negatives[k] = sampleNegative(rng, width, density)
		}

		stepImprovement := e.applyGradientStep(pos, negatives, ep, params, T, deltaByConcept)
		totalImprovement += stepImprovement

		window = append(window, stepImprovement)
		if len(window) > 5 {
			window = window[1:]
		}
		if len(window) == 5 {
			sum := 0.0
			for _, v := range window {
				sum += math.Abs(v)
			}
			if sum < params.MinEnergyImprovement {
				break
			}
		}

		T = anneal(T, params, step, ageHours)
	}

	return totalImprovement, nil
}

// applyGradientStep computes the wake-sleep gradient for one annealing
// step and applies it to the graph, returning the summed magnitude of the
// change (used as the step's energy-improvement proxy): wij += eta*(g -
// lambda*sign(wij)). Temperature only drives the annealing schedule
// (see anneal); it does not scale the learning rate itself.
func (e *Engine) applyGradientStep(pos *activation.ConceptActivation, negatives []*activation.ConceptActivation, ep *vault.Episode, params ReplayParameters, temperature float64, deltaByConcept map[int]*ConceptDelta) float64 {
	posPairs := pairwiseStrengths(pos)
	K := float64(len(negatives))
	negPairs := map[weightgraph.Edge]float64{}
	if K > 0 {
		for _, neg := range negatives {
			for edge, v := range pairwiseStrengths(neg) {
				negPairs[edge] += v / K
			}
		}
	}

	touched := map[weightgraph.Edge]bool{}
	for edge := range posPairs {
		touched[edge] = true
	}
	for edge := range negPairs {
		touched[edge] = true
	}

	var totalAbsChange float64
	for edge := range touched {
		g := posPairs[edge] - negPairs[edge]
		w := e.Graph.Get(edge.CI, edge.CJ)
		eta := params.LearningRate
		if params.PrioritizeThresholdEdges && isNearThreshold(w, params.PruneThreshold) {
			eta *= 1.5
		}
		change := eta * (g - params.L1Strength*sign(w))
		_ = e.Graph.Add(edge.CI, edge.CJ, change)
		totalAbsChange += math.Abs(change)

		recordDelta(deltaByConcept, edge.CI, ep.ID, edge.CJ, change)
		recordDelta(deltaByConcept, edge.CJ, ep.ID, edge.CI, change)
	}
	return totalAbsChange
}

func recordDelta(m map[int]*ConceptDelta, concept int, episodeID string, neighbor int, change float64) {
	cd, ok := m[concept]
	if !ok {
		cd = &ConceptDelta{Concept: concept, NeighborDeltas: map[int]float64{}}
		m[concept] = cd
	}
	cd.NeighborDeltas[neighbor] += change
	for _, id := range cd.SourceEpisodeIDs {
		if id == episodeID {
			return
		}
	}
	cd.SourceEpisodeIDs = append(cd.SourceEpisodeIDs, episodeID)
}

func pairwiseStrengths(ca *activation.ConceptActivation) map[weightgraph.Edge]float64 {
	out := map[weightgraph.Edge]float64{}
	ids := ca.ActiveIDs
	for i := 0; i < len(ids); i++ {
		si := 1.0
		if ca.Strengths != nil {
			si = ca.Strengths[i]
		}
		for j := i + 1; j < len(ids); j++ {
			sj := 1.0
			if ca.Strengths != nil {
				sj = ca.Strengths[j]
			}
			ci, cj := ids[i], ids[j]
			if ci > cj {
				ci, cj = cj, ci
			}
			out[weightgraph.Edge{CI: ci, CJ: cj}] = si * sj
		}
	}
	return out
}

func sampleNegative(rng *rand.Rand, width int, density float64) *activation.ConceptActivation {
	count := int(math.Round(density * float64(width)))
	if count <= 0 {
		count = 1
	}
	if count > width {
		count = width
	}
	perm := rng.Perm(width)
	ids := append([]int(nil), perm[:count]...)
	sort.Ints(ids)
	ca, err := activation.NewSparse(width, ids, nil)
	if err != nil {
		// width/count are both derived from a valid activation, so this
		// cannot fail; fall back to a minimal single-concept activation.
		ca, _ = activation.NewSparse(width, []int{ids[0]}, nil)
	}
	return ca
}

func isNearThreshold(w, threshold float64) bool {
	if threshold <= 0 {
		return false
	}
	return math.Abs(math.Abs(w)-threshold) <= threshold
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func anneal(T float64, params ReplayParameters, step int, episodeAgeHours float64) float64 {
	switch params.Schedule {
	case ScheduleLogarithmic:
		return params.InitialTemperature / math.Log(math.E+float64(step))
	case ScheduleCalendar:
		for _, cal := range params.Calendars {
			if episodeAgeHours >= cal.MinAgeHours && episodeAgeHours < cal.MaxAgeHours {
				return cal.Temperature
			}
		}
		return T * params.CoolingRate
	default: // geometric
		return T * params.CoolingRate
	}
}

// seedFor deterministically derives an RNG seed from (episode id, job id),
// so replaying the same job is reproducible.
func seedFor(episodeID, jobID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(episodeID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(jobID))
	return int64(h.Sum64())
}
