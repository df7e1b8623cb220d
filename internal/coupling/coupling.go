// Package coupling implements the Oscillator Coupling Map: a derived view that turns spectral modes into pairwise
// oscillator coupling strengths, rejecting updates that would push the
// system into an unstable regime.
package coupling

import (
	"math"
	"math/cmplx"
	"sort"
	"sync"
	"time"

	"koopmem/internal/apperr"
	"koopmem/internal/spectral"
)

// Coupling is one derived pairwise oscillator coupling strength.
type Coupling struct {
	CI, CJ           int
	Strength         float64
	PreviousStrength float64
	PhaseShift       float64 // arg(Σ_modes Φ_ci·Φ̄_cj·|λ|)
	SourceMode       int     // the mode (index into the model's Modes) that most dominantly contributed this pair
	UpdatedAt        time.Time
}

// Map holds the current coupling strengths, keyed by ordered concept pair.
type Map struct {
	mu                  sync.RWMutex
	couplings           map[[2]int]Coupling
	maxCouplingStrength float64 // default ceiling a stored Strength is clamped to
	stabilityEpsilon    float64 // enforce_stability rejects a drop larger than this
}

// New creates an empty coupling map. maxCouplingStrength bounds the
// magnitude of any stored coupling strength when a request doesn't supply
// its own ceiling.
func New(maxCouplingStrength float64) *Map {
	if maxCouplingStrength <= 0 {
		maxCouplingStrength = 1.0
	}
	return &Map{
		couplings:           map[[2]int]Coupling{},
		maxCouplingStrength: maxCouplingStrength,
		stabilityEpsilon:    0.05,
	}
}

func key(ci, cj int) [2]int {
	if ci > cj {
		ci, cj = cj, ci
	}
	return [2]int{ci, cj}
}

// ProposedUpdate is one candidate coupling change derived from the current
// spectral model, produced before stability filtering.
type ProposedUpdate struct {
	CI, CJ       int
	NewStrength  float64
	PhaseShift   float64
	SourceMode   int
	Rejected     bool
	RejectReason string
}

// UpdateRequest parameterizes how coupling updates are derived from a
// spectral model. Concept pairs are never caller-supplied: they come from
// each retained mode's own dominant-concept list.
type UpdateRequest struct {
	Gain                   float64 // multiplies the raw cross-term sum; 0 defaults to 1
	MaxPairs               int     // 0 = unlimited; else keep the MaxPairs strongest by |strength|
	MinEigenvalueMagnitude float64 // modes with |eigenvalue| below this don't contribute pairs
	MaxCouplingStrength    float64 // 0 = use the map's configured ceiling
	EnforceStability       bool    // reject the whole update if it would worsen system stability beyond epsilon
}

func (r UpdateRequest) gain() float64 {
	if r.Gain == 0 {
		return 1
	}
	return r.Gain
}

type pairAccum struct {
	sum           complex128
	bestMode      int
	bestDominance float64
}

// ProposeFromSpectrum derives coupling updates from a model's modes without
// applying them, for the dry-run variant of UpdateFromSpectrum. Candidate
// pairs are the union, over every mode passing MinEigenvalueMagnitude, of
// that mode's own dominant-concept co-occurrences; each candidate pair's
// strength and phase shift are then the full cross-term sum over all
// modes: strength = gain * Re(Σ_modes Φ_ci·Φ̄_cj·|λ|), phase = arg(Σ...).
func (cm *Map) ProposeFromSpectrum(model *spectral.Model, req UpdateRequest) []ProposedUpdate {
	maxStrength := req.MaxCouplingStrength
	if maxStrength <= 0 {
		cm.mu.RLock()
		maxStrength = cm.maxCouplingStrength
		cm.mu.RUnlock()
	}

	accum := map[[2]int]*pairAccum{}
	var order [][2]int

	for _, mode := range model.Modes {
		if cmplx.Abs(mode.Eigenvalue) < req.MinEigenvalueMagnitude {
			continue
		}
		concepts := mode.DominantConcepts
		for a := 0; a < len(concepts); a++ {
			for b := a + 1; b < len(concepts); b++ {
				k := key(concepts[a], concepts[b])
				if _, ok := accum[k]; !ok {
					accum[k] = &pairAccum{bestMode: -1}
					order = append(order, k)
				}
			}
		}
	}

	for k, pa := range accum {
		ci, cj := k[0], k[1]
		for i, mode := range model.Modes {
			if cmplx.Abs(mode.Eigenvalue) < req.MinEigenvalueMagnitude {
				continue
			}
			if ci >= len(mode.Vector) || cj >= len(mode.Vector) {
				continue
			}
			lambdaMag := complex(cmplx.Abs(mode.Eigenvalue), 0)
			pa.sum += mode.Vector[ci] * cmplx.Conj(mode.Vector[cj]) * lambdaMag

			if modeDominatesPair(mode, ci, cj) {
				if d := mode.Dominance(); d > pa.bestDominance {
					pa.bestDominance = d
					pa.bestMode = i
				}
			}
		}
	}

	out := make([]ProposedUpdate, 0, len(order))
	for _, k := range order {
		pa := accum[k]
		strength := clamp(req.gain()*real(pa.sum), maxStrength)
		sourceMode := pa.bestMode
		if sourceMode < 0 {
			sourceMode = 0
		}
		upd := ProposedUpdate{
			CI:          k[0],
			CJ:          k[1],
			NewStrength: strength,
			PhaseShift:  cmplx.Phase(pa.sum),
			SourceMode:  sourceMode,
		}
		if sourceMode < len(model.Modes) && !model.Modes[sourceMode].Stable() {
			upd.Rejected = true
			upd.RejectReason = "source mode is unstable"
		}
		out = append(out, upd)
	}

	sort.Slice(out, func(i, j int) bool {
		return math.Abs(out[i].NewStrength) > math.Abs(out[j].NewStrength)
	})
	if req.MaxPairs > 0 && len(out) > req.MaxPairs {
		out = out[:req.MaxPairs]
	}
	return out
}

// modeDominatesPair reports whether both concepts of a pair sit in a mode's
// own dominant-concept list, making that mode a candidate source for the
// pair's provenance.
func modeDominatesPair(mode spectral.Mode, ci, cj int) bool {
	hasCI, hasCJ := false, false
	for _, c := range mode.DominantConcepts {
		if c == ci {
			hasCI = true
		}
		if c == cj {
			hasCJ = true
		}
	}
	return hasCI && hasCJ
}

func clamp(v, limit float64) float64 {
	if limit <= 0 {
		return v
	}
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}

// UpdateFromSpectrum derives and applies coupling updates from the current
// spectral model, returning the full proposal list (including anything
// rejected) so callers can audit what was skipped. When req.EnforceStability
// is set, the system stability index — the minimum StabilityIndex among
// modes currently referenced by stored couplings' SourceMode, including the
// modes this update would newly reference — is compared before and after
// the tentative update; if it would drop by more than the map's epsilon,
// every update is rejected and a StabilityViolation error is returned.
func (cm *Map) UpdateFromSpectrum(model *spectral.Model, now time.Time, req UpdateRequest) ([]ProposedUpdate, error) {
	proposals := cm.ProposeFromSpectrum(model, req)

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if req.EnforceStability {
		before := cm.systemStabilityIndexLocked(model)
		var candidateModes []int
		for _, p := range proposals {
			if !p.Rejected {
				candidateModes = append(candidateModes, p.SourceMode)
			}
		}
		after := cm.systemStabilityIndexLocked(model, candidateModes...)
		if after < before-cm.stabilityEpsilon {
			for i := range proposals {
				if !proposals[i].Rejected {
					proposals[i].Rejected = true
					proposals[i].RejectReason = "would reduce system stability index beyond epsilon"
				}
			}
			return proposals, apperr.New(apperr.StabilityViolation, "oscillator coupling update would reduce system stability index beyond epsilon")
		}
	}

	for _, p := range proposals {
		if p.Rejected {
			continue
		}
		k := key(p.CI, p.CJ)
		prev := cm.couplings[k]
		cm.couplings[k] = Coupling{
			CI:               k[0],
			CJ:               k[1],
			Strength:         p.NewStrength,
			PreviousStrength: prev.Strength,
			PhaseShift:       p.PhaseShift,
			SourceMode:       p.SourceMode,
			UpdatedAt:        now,
		}
	}
	return proposals, nil
}

// systemStabilityIndexLocked is the minimum StabilityIndex among modes
// referenced by currently stored couplings plus any extra mode indices
// (used to evaluate a tentative post-update set). Callers must hold cm.mu.
// An empty reference set reports 1.0 (perfectly stable), the neutral
// baseline before any coupling has been derived from a mode.
func (cm *Map) systemStabilityIndexLocked(model *spectral.Model, extraModes ...int) float64 {
	referenced := map[int]bool{}
	for _, c := range cm.couplings {
		referenced[c.SourceMode] = true
	}
	for _, m := range extraModes {
		referenced[m] = true
	}
	if len(referenced) == 0 {
		return 1.0
	}
	min := math.Inf(1)
	for idx := range referenced {
		if idx < 0 || idx >= len(model.Modes) {
			continue
		}
		if si := model.Modes[idx].StabilityIndex; si < min {
			min = si
		}
	}
	if math.IsInf(min, 1) {
		return 1.0
	}
	return min
}

// Get returns the current coupling for a concept pair, or false if none
// has been set.
func (cm *Map) Get(ci, cj int) (Coupling, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	c, ok := cm.couplings[key(ci, cj)]
	return c, ok
}

// ForEach calls fn for every coupling currently stored. The callback must
// not mutate the map.
func (cm *Map) ForEach(fn func(Coupling)) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, c := range cm.couplings {
		fn(c)
	}
}

// Reset clears every coupling, used by the `ResetSystem` boundary
// operation.
func (cm *Map) Reset() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.couplings = map[[2]int]Coupling{}
}
