package spectral

import (
	"math"
	"math/cmplx"

	"koopmem/internal/activation"
	"koopmem/internal/apperr"
)

// Coefficients projects an initial real-valued state onto the model's mode
// vectors, returning the per-mode amplitude used to advance or reconstruct
// the trajectory.
func (m *Model) Coefficients(initial []float64) ([]complex128, error) {
	if len(initial) != m.Width {
		return nil, apperr.Invalid("state width %d does not match model width %d", len(initial), m.Width)
	}
	// Solve the (generally overdetermined / underdetermined) least-squares
	// projection b such that sum_k b_k * vector_k ≈ initial, via a simple
	// normal-equation solve against the mode matrix's conjugate inner
	// products — sufficient since modes are typically near-orthogonal.
	coeffs := make([]complex128, len(m.Modes))
	for k, mode := range m.Modes {
		var num, den complex128
		for i, v := range mode.Vector {
			conj := cmplx.Conj(v)
			num += conj * complex(initial[i], 0)
			den += conj * v
		}
		if cmplx.Abs(den) < 1e-12 {
			continue
		}
		coeffs[k] = num / den
	}
	return coeffs, nil
}

// Advance projects the state forward by steps using the fitted Koopman
// operator's eigenvalues.
func (m *Model) Advance(coeffs []complex128, steps int) []float64 {
	out := make([]complex128, m.Width)
	for k, mode := range m.Modes {
		if k >= len(coeffs) {
			break
		}
		factor := cmplx.Pow(mode.Eigenvalue, complex(float64(steps), 0))
		amp := coeffs[k] * factor
		for i, v := range mode.Vector {
			out[i] += amp * v
		}
	}
	projected := make([]float64, m.Width)
	for i, c := range out {
		projected[i] = math.Max(0, math.Round(real(c)))
	}
	return projected
}

// PredictionError measures the model's average per-step L2 reconstruction
// error against an observed trajectory, projecting series[0] onto the
// modes and comparing the reconstructed trajectory to the remaining
// observed snapshots.
func (m *Model) PredictionError(series []*activation.ConceptActivation) (float64, error) {
	if len(series) < 2 {
		return 0, nil
	}
	coeffs, err := m.Coefficients(series[0].Dense())
	if err != nil {
		return 0, err
	}
	trajectory := m.Reconstruct(coeffs, len(series))

	var sum float64
	for t := 1; t < len(series); t++ {
		actual := series[t].Dense()
		predicted := trajectory[t]
		var sq float64
		for i := range actual {
			d := actual[i] - predicted[i]
			sq += d * d
		}
		sum += math.Sqrt(sq)
	}
	return sum / float64(len(series)-1), nil
}

// PredictionUncertainty estimates a per-concept uncertainty band for a
// prediction at the given horizon. A mode whose eigenvalue magnitude sits
// at exactly 1 neither grows nor decays and contributes no uncertainty; a
// growing or decaying mode widens the band geometrically with the horizon,
// weighted by how much that mode contributes to the projected state.
func (m *Model) PredictionUncertainty(coeffs []complex128, steps int) []float64 {
	band := make([]float64, m.Width)
	for k, mode := range m.Modes {
		if k >= len(coeffs) {
			break
		}
		mag := cmplx.Abs(mode.Eigenvalue)
		spread := math.Abs(math.Pow(mag, float64(steps)) - 1)
		amp := cmplx.Abs(coeffs[k])
		for i, v := range mode.Vector {
			band[i] += amp * cmplx.Abs(v) * spread
		}
	}
	return band
}

// Reconstruct rebuilds the observed trajectory over the given number of
// steps starting from coeffs at t=0, used to validate a fit against the
// training data.
func (m *Model) Reconstruct(coeffs []complex128, steps int) [][]float64 {
	out := make([][]float64, steps)
	for t := 0; t < steps; t++ {
		out[t] = m.Advance(coeffs, t)
	}
	return out
}
