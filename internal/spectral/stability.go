package spectral

import (
	"math"
	"math/cmplx"
)

// RecommendedAction is an advisory hint attached to a stability report;
// the caller (the oscillator coupling map or an operator dashboard)
// decides whether to act on it.
type RecommendedAction string

const (
	ActionNone             RecommendedAction = "none"
	ActionDampenCoupling   RecommendedAction = "dampen_coupling"
	ActionIncreasePruning  RecommendedAction = "increase_pruning"
	ActionFreezeLearning   RecommendedAction = "freeze_learning"
)

// GroupStability reports stability for one named group of modes.
type GroupStability struct {
	Group          string
	UnstableCount  int
	MaxStability   float64
	MeanDamping    float64
	RecommendedAction RecommendedAction
}

// StabilityReport is the result of `GetStabilityAnalysis`.
type StabilityReport struct {
	TotalModes      int
	UnstableModes   []Mode
	MaxStabilityIndex float64
	Groups          []GroupStability
	RecommendedAction RecommendedAction
}

// AnalyzeStability classifies a model's modes and proposes an action.
// groups is an optional assignment from mode index to a caller-defined
// group name; modes without an assignment are reported under "default".
// Recommended actions are graded on the largest eigenvalue magnitude.
func (m *Model) AnalyzeStability(groups map[int]string) StabilityReport {
	report := StabilityReport{TotalModes: len(m.Modes)}
	groupAgg := map[string]*GroupStability{}
	groupCount := map[string]int{}
	groupMaxMag := map[string]float64{}
	var maxMag float64

	for i, mode := range m.Modes {
		mag := cmplx.Abs(mode.Eigenvalue)
		if mag > maxMag {
			maxMag = mag
		}
		if mode.StabilityIndex > report.MaxStabilityIndex {
			report.MaxStabilityIndex = mode.StabilityIndex
		}
		if !mode.Stable() {
			report.UnstableModes = append(report.UnstableModes, mode)
		}

		groupName, ok := groups[i]
		if !ok {
			groupName = "default"
		}
		g, ok := groupAgg[groupName]
		if !ok {
			g = &GroupStability{Group: groupName}
			groupAgg[groupName] = g
		}
		if !mode.Stable() {
			g.UnstableCount++
		}
		if mode.StabilityIndex > g.MaxStability {
			g.MaxStability = mode.StabilityIndex
		}
		g.MeanDamping += mode.Damping
		groupCount[groupName]++
		if mag > groupMaxMag[groupName] {
			groupMaxMag[groupName] = mag
		}
	}

	for name, g := range groupAgg {
		if groupCount[name] > 0 {
			g.MeanDamping /= float64(groupCount[name])
		}
		g.RecommendedAction = recommendAction(groupMaxMag[name], g.UnstableCount)
		report.Groups = append(report.Groups, *g)
	}

	report.RecommendedAction = recommendAction(maxMag, len(report.UnstableModes))
	return report
}

func recommendAction(maxMagnitude float64, unstableCount int) RecommendedAction {
	switch {
	case unstableCount == 0:
		return ActionNone
	case maxMagnitude > 1.5:
		return ActionFreezeLearning
	case maxMagnitude > 1.2:
		return ActionDampenCoupling
	default:
		return ActionIncreasePruning
	}
}

// lyapunovSum is a simple aggregate Lyapunov-spectrum estimate: the sum of
// the positive per-mode Lyapunov estimates, an indicator of overall
// trajectory divergence.
func (m *Model) lyapunovSum() float64 {
	var sum float64
	for _, mode := range m.Modes {
		if mode.LyapunovEstimate > 0 && !math.IsInf(mode.LyapunovEstimate, 0) {
			sum += mode.LyapunovEstimate
		}
	}
	return sum
}
