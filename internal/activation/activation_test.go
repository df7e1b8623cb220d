package activation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSparseCanonicalizesOrderAndBinary(t *testing.T) {
	ca, err := NewSparse(8, []int{5, 1, 3}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 5}, ca.ActiveIDs)
	assert.True(t, ca.BinaryVec[1])
	assert.True(t, ca.BinaryVec[3])
	assert.True(t, ca.BinaryVec[5])
	assert.False(t, ca.BinaryVec[0])
}

func TestNewSparseRejectsOutOfRangeID(t *testing.T) {
	_, err := NewSparse(4, []int{4}, nil)
	require.Error(t, err)
}

func TestNewSparseRejectsBadStrength(t *testing.T) {
	_, err := NewSparse(4, []int{0}, []float64{1.5})
	require.Error(t, err)
}

func TestNewBinaryDerivesActiveIDs(t *testing.T) {
	ca, err := NewBinary([]bool{false, true, false, true})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3}, ca.ActiveIDs)
}

func TestSimilarityIdenticalIsOne(t *testing.T) {
	a, _ := NewSparse(8, []int{1, 2, 3}, nil)
	b, _ := NewSparse(8, []int{1, 2, 3}, nil)
	sim, err := Similarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)
}

func TestSimilarityDisjointIsZero(t *testing.T) {
	a, _ := NewSparse(8, []int{1, 2}, nil)
	b, _ := NewSparse(8, []int{5, 6}, nil)
	sim, err := Similarity(a, b)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)
}

func TestMergeAveragesOverlapStrengths(t *testing.T) {
	a, _ := NewSparse(8, []int{1, 2}, []float64{0.2, 0.4})
	b, _ := NewSparse(8, []int{2, 3}, []float64{0.8, 0.6})
	m, err := Merge(a, b)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, m.ActiveIDs)
	assert.InDelta(t, 0.2, m.Strengths[0], 1e-9)
	assert.InDelta(t, 0.6, m.Strengths[1], 1e-9) // (0.4+0.8)/2
	assert.InDelta(t, 0.6, m.Strengths[2], 1e-9)
}
