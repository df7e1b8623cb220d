// Package spectral implements the Koopman Spectral Learner: Dynamic Mode Decomposition over activation traces,
// producing spectral modes with stability, damping and frequency
// attributes, plus prediction and stability-analysis helpers.
//
// Linear algebra (thin SVD, reduced eigendecomposition) is done with
// gonum/mat, the de facto numerical library in the Go ecosystem; see
// DESIGN.md for why this dependency is used here.
package spectral

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/mat"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
	"koopmem/internal/trace"
)

// Mode is one Koopman/DMD spectral mode.
type Mode struct {
	Eigenvalue      complex128
	Frequency       float64 // cycles per sample, derived from the eigenvalue's phase
	Damping         float64 // growth/decay rate per sample, from the eigenvalue's magnitude
	StabilityIndex  float64 // 1 - 2*max(0, |eigenvalue|-1); 1 when stable, falling below 0 as |eigenvalue| grows past 1.5
	LyapunovEstimate float64
	Sparsity        float64      // fraction of |Vector_i| below a small absolute threshold
	Vector          []complex128 // spatial mode shape, length = state dimension

	// DominantConcepts/DominantWeights/DominantPhases are the sparse
	// subset of this mode's spatial shape that carries most of its
	// magnitude: concept ids ordered by descending |Vector_i|, each
	// concept's magnitude, and the phase arg(Vector_i).
	DominantConcepts []int
	DominantWeights  []float64
	DominantPhases   []float64
}

// Stable reports whether the mode's eigenvalue magnitude keeps it from
// growing without bound. StabilityIndex is 1 for every |eigenvalue| <= 1
// and falls linearly, without a lower bound, beyond that, so stability is
// judged against the raw eigenvalue.
func (m Mode) Stable() bool {
	return cmplx.Abs(m.Eigenvalue) <= 1.0+1e-9
}

// Dominance orders modes for retention and pairing: |eigenvalue| * ||Φ||.
func (m Mode) Dominance() float64 {
	return cmplx.Abs(m.Eigenvalue) * vectorNorm(m.Vector)
}

func vectorNorm(v []complex128) float64 {
	var sumSq float64
	for _, c := range v {
		sumSq += real(c)*real(c) + imag(c)*imag(c)
	}
	return math.Sqrt(sumSq)
}

// dominantConcepts picks up to maxCount concept ids ordered by descending
// |Vector_i|, stopping once a concept's magnitude falls below
// minRelWeight of the mode's largest magnitude.
func dominantConcepts(vec []complex128, maxCount int, minRelWeight float64) ([]int, []float64, []float64) {
	type entry struct {
		idx int
		mag float64
	}
	entries := make([]entry, len(vec))
	maxMag := 0.0
	for i, v := range vec {
		mag := cmplx.Abs(v)
		entries[i] = entry{idx: i, mag: mag}
		if mag > maxMag {
			maxMag = mag
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].mag > entries[j].mag })

	var ids []int
	var weights []float64
	var phases []float64
	for _, e := range entries {
		if len(ids) >= maxCount {
			break
		}
		if maxMag > 0 && e.mag < minRelWeight*maxMag {
			break
		}
		ids = append(ids, e.idx)
		weights = append(weights, e.mag)
		phases = append(phases, cmplx.Phase(vec[e.idx]))
	}
	return ids, weights, phases
}

// sparsity is the fraction of a mode's spatial components whose magnitude
// falls below a small absolute threshold.
func sparsity(vec []complex128, epsilon float64) float64 {
	if len(vec) == 0 {
		return 0
	}
	below := 0
	for _, v := range vec {
		if cmplx.Abs(v) < epsilon {
			below++
		}
	}
	return float64(below) / float64(len(vec))
}

// EigenvalueSummary is a JSON-serializable view of a mode's eigenvalue,
// since complex128 cannot be marshalled directly.
type EigenvalueSummary struct {
	Real      float64 `json:"real"`
	Imag      float64 `json:"imag"`
	Magnitude float64 `json:"magnitude"`
}

// DominantEigenvalues returns up to n eigenvalues from the model's most
// dominant modes (already sorted by dominance at fit time).
func (m *Model) DominantEigenvalues(n int) []EigenvalueSummary {
	if n <= 0 || n > len(m.Modes) {
		n = len(m.Modes)
	}
	out := make([]EigenvalueSummary, n)
	for i := 0; i < n; i++ {
		lambda := m.Modes[i].Eigenvalue
		out[i] = EigenvalueSummary{Real: real(lambda), Imag: imag(lambda), Magnitude: cmplx.Abs(lambda)}
	}
	return out
}

// MeanSparsity averages Sparsity across every fitted mode.
func (m *Model) MeanSparsity() float64 {
	if len(m.Modes) == 0 {
		return 0
	}
	var sum float64
	for _, mo := range m.Modes {
		sum += mo.Sparsity
	}
	return sum / float64(len(m.Modes))
}

// Model is a fitted Koopman/DMD model: a set of modes plus the basis used
// to lift observed activations into the modeled state space.
type Model struct {
	Width int
	Modes []Mode
}

// FitBatch runs exact (non-incremental) DMD over a batch of traces,
// concatenating their snapshots into one time-ordered state sequence.
// Width is the activation width all traces share.
func FitBatch(traces []trace.Trace, rank int) (*Model, error) {
	var series []*activation.ConceptActivation
	for _, tr := range traces {
		for _, snap := range tr.Snapshots {
			series = append(series, snap.Activation)
		}
	}
	if len(series) < 2 {
		return nil, apperr.Invalid("DMD requires at least 2 activation samples, got %d", len(series))
	}

	width := series[0].Width
	n := len(series)

	// X holds columns 0..n-2, Y holds the one-step-shifted columns 1..n-1
	// (the standard DMD data matrix pair).
	X := mat.NewDense(width, n-1, nil)
	Y := mat.NewDense(width, n-1, nil)
	for col := 0; col < n-1; col++ {
		xd := series[col].Dense()
		yd := series[col+1].Dense()
		for row := 0; row < width; row++ {
			X.Set(row, col, xd[row])
			Y.Set(row, col, yd[row])
		}
	}

	return fit(X, Y, width, rank)
}

// fit computes the DMD operator's eigendecomposition from data matrices X
// (state at t) and Y (state at t+1), via thin SVD truncated to rank.
func fit(X, Y *mat.Dense, width, rank int) (*Model, error) {
	var svd mat.SVD
	if ok := svd.Factorize(X, mat.SVDThin); !ok {
		return nil, apperr.New(apperr.Internal, "SVD factorization failed")
	}
	svals := svd.Values(nil)
	if rank <= 0 || rank > len(svals) {
		rank = effectiveRank(svals)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	ur := u.Slice(0, width, 0, rank).(*mat.Dense)
	vr := v.Slice(0, v.RawMatrix().Rows, 0, rank).(*mat.Dense)

	sigmaInv := mat.NewDiagDense(rank, nil)
	for i := 0; i < rank; i++ {
		if svals[i] > 1e-12 {
			sigmaInv.SetDiag(i, 1/svals[i])
		}
	}

	// Atilde = U_r^T Y V_r Sigma_r^-1, the reduced Koopman operator.
	var uty, utyv, atilde mat.Dense
	uty.Mul(ur.T(), Y)
	utyv.Mul(&uty, vr)
	atilde.Mul(&utyv, sigmaInv)

	var eig mat.Eigen
	if ok := eig.Factorize(&atilde, mat.EigenBoth); !ok {
		return nil, apperr.New(apperr.Internal, "eigendecomposition of reduced operator failed")
	}
	values := eig.Values(nil)
	var eigVecs mat.CDense
	eig.VectorsTo(&eigVecs)

	// Project the reduced eigenvectors back to the full state space:
	// phi_k = Y V_r Sigma_r^-1 w_k (the "exact DMD mode" construction).
	modes := modesFromEigen(values, func(k int) []complex128 {
		w := mat.NewCDense(rank, 1, nil)
		for r := 0; r < rank; r++ {
			w.Set(r, 0, eigVecs.At(r, k))
		}
		return projectMode(Y, vr, sigmaInv, w, width, rank)
	}, rank, rank)

	return &Model{Width: width, Modes: modes}, nil
}

// modesFromEigen builds Mode structs from an eigendecomposition's values and
// a per-mode full-state-space eigenvector, shared by the exact batch fit
// (vectors projected back from the reduced operator) and the online
// incremental fit (vectors read directly off the running operator). It
// builds total modes, then retains the keep most dominant by |lambda|*||Phi||.
func modesFromEigen(values []complex128, vectorAt func(k int) []complex128, total, keep int) []Mode {
	modes := make([]Mode, 0, total)
	for k := 0; k < total; k++ {
		lambda := values[k]
		mag := cmplx.Abs(lambda)

		var damping, lyap float64
		if mag > 0 {
			damping = math.Log(mag)
			lyap = damping
		} else {
			damping = math.Inf(-1)
			lyap = math.Inf(-1)
		}

		vec := vectorAt(k)
		domIDs, domWeights, domPhases := dominantConcepts(vec, 6, 0.05)

		modes = append(modes, Mode{
			Eigenvalue:       lambda,
			Frequency:        cmplx.Phase(lambda) / (2 * math.Pi),
			Damping:          damping,
			StabilityIndex:   1 - 2*math.Max(0, mag-1),
			LyapunovEstimate: lyap,
			Sparsity:         sparsity(vec, 1e-6),
			Vector:           vec,
			DominantConcepts: domIDs,
			DominantWeights:  domWeights,
			DominantPhases:   domPhases,
		})
	}

	// Retain modes ordered by dominance (|lambda| * ||Phi||), per the
	// spectral learner's mode-combination/retention step.
	sort.Slice(modes, func(i, j int) bool {
		return modes[i].Dominance() > modes[j].Dominance()
	})
	if keep < len(modes) {
		modes = modes[:keep]
	}
	return modes
}

func projectMode(Y *mat.Dense, vr *mat.Dense, sigmaInv *mat.DiagDense, w *mat.CDense, width, rank int) []complex128 {
	realPart := mat.NewDense(width, rank, nil)
	var tmp mat.Dense
	tmp.Mul(Y, vr)
	var scaled mat.Dense
	scaled.Mul(&tmp, sigmaInv)
	realPart.Copy(&scaled)

	out := make([]complex128, width)
	for row := 0; row < width; row++ {
		var sum complex128
		for col := 0; col < rank; col++ {
			sum += complex(realPart.At(row, col), 0) * w.At(col, 0)
		}
		out[row] = sum
	}
	return out
}

// effectiveRank truncates singular values at 1% of the largest, a simple
// energy-based cutoff.
func effectiveRank(svals []float64) int {
	if len(svals) == 0 {
		return 0
	}
	threshold := svals[0] * 0.01
	r := 0
	for _, s := range svals {
		if s >= threshold {
			r++
		}
	}
	if r == 0 {
		r = 1
	}
	return r
}

// UnstableModes returns modes whose eigenvalue magnitude exceeds 1 (see
// Stable), in the model's dominance order.
func (m *Model) UnstableModes() []Mode {
	var out []Mode
	for _, mode := range m.Modes {
		if !mode.Stable() {
			out = append(out, mode)
		}
	}
	return out
}
