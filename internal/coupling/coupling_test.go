package coupling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"koopmem/internal/apperr"
	"koopmem/internal/spectral"
)

// modeWithVector builds a Mode whose Vector and DominantConcepts are
// consistent, for tests that need to drive ProposeFromSpectrum's
// cross-term computation directly.
func modeWithVector(eigenvalue complex128, stability float64, vec []complex128) spectral.Mode {
	ids := make([]int, 0, len(vec))
	for i, v := range vec {
		if v != 0 {
			ids = append(ids, i)
		}
	}
	return spectral.Mode{
		Eigenvalue:       eigenvalue,
		StabilityIndex:   stability,
		Vector:           vec,
		DominantConcepts: ids,
	}
}

func TestProposeFromSpectrumDerivesPairsFromDominantConcepts(t *testing.T) {
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.9, 0), 0.8, []complex128{1, 1, 0, 0}),
		},
	}
	cm := New(1.0)
	proposals := cm.ProposeFromSpectrum(model, UpdateRequest{})
	require.Len(t, proposals, 1)
	require.Equal(t, 0, proposals[0].CI)
	require.Equal(t, 1, proposals[0].CJ)
	require.False(t, proposals[0].Rejected)
	require.InDelta(t, 0.9, proposals[0].NewStrength, 1e-9)
}

func TestProposeFromSpectrumAppliesGainAndClamp(t *testing.T) {
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(1.0, 0), 0.8, []complex128{2, 2, 0, 0}),
		},
	}
	cm := New(1.0)
	proposals := cm.ProposeFromSpectrum(model, UpdateRequest{Gain: 10, MaxCouplingStrength: 1.0})
	require.Len(t, proposals, 1)
	require.Equal(t, 1.0, proposals[0].NewStrength)
}

func TestProposeFromSpectrumIgnoresLowMagnitudeModes(t *testing.T) {
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.1, 0), 0.95, []complex128{1, 1, 0, 0}),
		},
	}
	cm := New(1.0)
	proposals := cm.ProposeFromSpectrum(model, UpdateRequest{MinEigenvalueMagnitude: 0.5})
	require.Empty(t, proposals)
}

func TestProposeFromSpectrumRespectsMaxPairs(t *testing.T) {
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.9, 0), 0.8, []complex128{3, 2, 1, 0}),
		},
	}
	cm := New(1.0)
	proposals := cm.ProposeFromSpectrum(model, UpdateRequest{MaxPairs: 1})
	require.Len(t, proposals, 1)
}

func TestUpdateFromSpectrumRejectsUnstableSourceMode(t *testing.T) {
	cm := New(1.0)
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(1.3, 0), -1.6, []complex128{1, 1, 0, 0}),
		},
	}
	updates, err := cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.True(t, updates[0].Rejected)
	_, ok := cm.Get(0, 1)
	require.False(t, ok)
}

func TestUpdateFromSpectrumAppliesStableMode(t *testing.T) {
	cm := New(1.0)
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.9, 0), 0.8, []complex128{1, 1, 0, 0}),
		},
	}
	updates, err := cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.False(t, updates[0].Rejected)
	c, ok := cm.Get(0, 1)
	require.True(t, ok)
	require.Equal(t, updates[0].NewStrength, c.Strength)
}

func TestUpdateFromSpectrumTracksPreviousStrength(t *testing.T) {
	cm := New(1.0)
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.5, 0), 0.9, []complex128{1, 1, 0, 0}),
		},
	}
	_, err := cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{})
	require.NoError(t, err)
	first, _ := cm.Get(0, 1)

	model.Modes[0].Vector = []complex128{2, 2, 0, 0}
	_, err = cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{})
	require.NoError(t, err)
	second, _ := cm.Get(0, 1)

	require.Equal(t, first.Strength, second.PreviousStrength)
}

// enforce_stability rejects an update that would newly reference a mode
// whose StabilityIndex sits far enough below the already-referenced modes'
// minimum to breach epsilon, returning a StabilityViolation error.
func TestUpdateFromSpectrumEnforceStabilityRejectsDrop(t *testing.T) {
	cm := New(1.0)
	model := &spectral.Model{
		Width: 6,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.5, 0), 0.9, []complex128{1, 1, 0, 0, 0, 0}),
			modeWithVector(complex(0.1, 0), 0.1, []complex128{0, 0, 1, 1, 0, 0}),
		},
	}

	_, err := cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{MaxPairs: 1})
	require.NoError(t, err)
	_, ok := cm.Get(0, 1)
	require.True(t, ok)

	_, err = cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{EnforceStability: true})
	require.Error(t, err)
	require.True(t, apperr.Is(err, apperr.StabilityViolation))
	_, ok = cm.Get(2, 3)
	require.False(t, ok)
}

func TestResetClearsCouplings(t *testing.T) {
	cm := New(1.0)
	model := &spectral.Model{
		Width: 4,
		Modes: []spectral.Mode{
			modeWithVector(complex(0.5, 0), 0.9, []complex128{1, 1, 0, 0}),
		},
	}
	_, err := cm.UpdateFromSpectrum(model, time.Now(), UpdateRequest{})
	require.NoError(t, err)
	cm.Reset()
	_, ok := cm.Get(0, 1)
	require.False(t, ok)
}

func TestProposeFromSpectrumNoDominantConceptsYieldsNoPairs(t *testing.T) {
	model := &spectral.Model{
		Width: 2,
		Modes: []spectral.Mode{
			{Eigenvalue: complex(0.5, 0), StabilityIndex: 0.9, Vector: []complex128{1, 0}},
		},
	}
	cm := New(1.0)
	proposals := cm.ProposeFromSpectrum(model, UpdateRequest{})
	require.Empty(t, proposals)
}
