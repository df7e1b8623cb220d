// Package activation implements the sparse/binary concept-activation
// representation shared across the vault, replay engine, trace buffer and
// spectral learner.
package activation

import (
	"math"
	"sort"

	"koopmem/internal/apperr"
)

// Form tags which underlying representation a ConceptActivation was built
// from. The source system let a value be ambiguously "either sparse ids or
// a binary vector"; this spec requires a canonical form, so every
// ConceptActivation carries one.
type Form int

const (
	FormSparseIDs Form = iota
	FormBinaryVector
	FormSparseIDsWithStrengths
)

// ConceptActivation is the canonical representation of which concepts are
// active, optionally with per-concept strengths.
//
// Precedence when both an active-id list and a binary vector are supplied
// at construction time: ActiveIDs wins. The
// binary vector is treated as a convenience encoding of the same fact and
// is derived from ActiveIDs rather than consulted independently, because
// the active-id list is the richer representation (it preserves ordering
// and carries strengths) and BinaryVec alone cannot distinguish
// "inactive" from "never observed" once Width changes. Canonicalize
// rebuilds BinaryVec from ActiveIDs whenever the two disagree.
type ConceptActivation struct {
	Form       Form
	Width      int       // fixed width W of the concept basis
	ActiveIDs  []int     // ordered, ascending, unique concept ids
	Strengths  []float64 // parallel to ActiveIDs when non-nil, each in [0,1]
	BinaryVec  []bool    // length Width when present
}

// NewSparse builds a canonical activation from an explicit id set.
func NewSparse(width int, ids []int, strengths []float64) (*ConceptActivation, error) {
	ca := &ConceptActivation{
		Form:      FormSparseIDs,
		Width:     width,
		ActiveIDs: append([]int(nil), ids...),
		Strengths: append([]float64(nil), strengths...),
	}
	if strengths != nil {
		ca.Form = FormSparseIDsWithStrengths
	}
	return ca, ca.Canonicalize()
}

// NewBinary builds a canonical activation from a packed binary vector.
func NewBinary(vec []bool) (*ConceptActivation, error) {
	ca := &ConceptActivation{
		Form:      FormBinaryVector,
		Width:     len(vec),
		BinaryVec: append([]bool(nil), vec...),
	}
	return ca, ca.Canonicalize()
}

// Canonicalize enforces the invariants from
// ActiveIDs/BinaryVec precedence: ActiveIDs is authoritative whenever
// present, BinaryVec is (re)derived from it. When only BinaryVec was
// supplied (FormBinaryVector), ActiveIDs is derived from it instead.
func (ca *ConceptActivation) Canonicalize() error {
	if ca.Width <= 0 {
		return apperr.Invalid("activation width must be positive")
	}
	if ca.Strengths != nil && len(ca.Strengths) != len(ca.ActiveIDs) {
		return apperr.Invalid("strengths length %d does not match active id count %d", len(ca.Strengths), len(ca.ActiveIDs))
	}
	for _, s := range ca.Strengths {
		if s < 0 || s > 1 {
			return apperr.Invalid("strength %f out of [0,1]", s)
		}
	}

	switch {
	case ca.Form == FormBinaryVector && len(ca.ActiveIDs) == 0:
		if len(ca.BinaryVec) != ca.Width {
			return apperr.Invalid("binary vector length %d does not match width %d", len(ca.BinaryVec), ca.Width)
		}
		ids := make([]int, 0, len(ca.BinaryVec))
		for i, b := range ca.BinaryVec {
			if b {
				ids = append(ids, i)
			}
		}
		ca.ActiveIDs = ids
	default:
		seen := make(map[int]bool, len(ca.ActiveIDs))
		for _, id := range ca.ActiveIDs {
			if id < 0 || id >= ca.Width {
				return apperr.Invalid("active id %d out of range [0,%d)", id, ca.Width)
			}
			if seen[id] {
				return apperr.Invalid("duplicate active id %d", id)
			}
			seen[id] = true
		}
		if !sort.IntsAreSorted(ca.ActiveIDs) {
			idx := make([]int, len(ca.ActiveIDs))
			for i := range idx {
				idx[i] = i
			}
			sort.Slice(idx, func(a, b int) bool { return ca.ActiveIDs[idx[a]] < ca.ActiveIDs[idx[b]] })
			newIDs := make([]int, len(ca.ActiveIDs))
			var newStrengths []float64
			if ca.Strengths != nil {
				newStrengths = make([]float64, len(ca.Strengths))
			}
			for i, j := range idx {
				newIDs[i] = ca.ActiveIDs[j]
				if newStrengths != nil {
					newStrengths[i] = ca.Strengths[j]
				}
			}
			ca.ActiveIDs = newIDs
			ca.Strengths = newStrengths
		}
		bv := make([]bool, ca.Width)
		for _, id := range ca.ActiveIDs {
			bv[id] = true
		}
		ca.BinaryVec = bv
	}
	return nil
}

// Dense expands the activation to a dense float64 vector over the concept
// basis, using strengths when present and 1.0 otherwise.
func (ca *ConceptActivation) Dense() []float64 {
	out := make([]float64, ca.Width)
	for i, id := range ca.ActiveIDs {
		if ca.Strengths != nil {
			out[id] = ca.Strengths[i]
		} else {
			out[id] = 1.0
		}
	}
	return out
}

// Density returns the fraction of active concepts.
func (ca *ConceptActivation) Density() float64 {
	if ca.Width == 0 {
		return 0
	}
	return float64(len(ca.ActiveIDs)) / float64(ca.Width)
}

// Similarity computes cosine similarity between two activations over the
// same basis width.
func Similarity(a, b *ConceptActivation) (float64, error) {
	if a.Width != b.Width {
		return 0, apperr.Invalid("activation width mismatch: %d vs %d", a.Width, b.Width)
	}
	da, db := a.Dense(), b.Dense()
	var dot, na, nb float64
	for i := range da {
		dot += da[i] * db[i]
		na += da[i] * da[i]
		nb += db[i] * db[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// Merge combines two activations by unioning active ids and averaging
// strengths on overlap.
func Merge(a, b *ConceptActivation) (*ConceptActivation, error) {
	if a.Width != b.Width {
		return nil, apperr.Invalid("activation width mismatch: %d vs %d", a.Width, b.Width)
	}
	strength := make(map[int]float64, len(a.ActiveIDs)+len(b.ActiveIDs))
	count := make(map[int]int)
	add := func(ca *ConceptActivation) {
		for i, id := range ca.ActiveIDs {
			s := 1.0
			if ca.Strengths != nil {
				s = ca.Strengths[i]
			}
			strength[id] += s
			count[id]++
		}
	}
	add(a)
	add(b)
	ids := make([]int, 0, len(strength))
	for id := range strength {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	strengths := make([]float64, len(ids))
	for i, id := range ids {
		strengths[i] = strength[id] / float64(count[id])
	}
	return NewSparse(a.Width, ids, strengths)
}
