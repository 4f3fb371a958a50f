package qualifier

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinaryEntropy(t *testing.T) {
	assert.InDelta(t, math.Log(2), binaryEntropy(0.5), 1e-12)
	assert.Equal(t, 0.0, binaryEntropy(0))
	assert.Equal(t, 0.0, binaryEntropy(1))
	assert.InDelta(t, binaryEntropy(0.2), binaryEntropy(0.8), 1e-12)
}

func TestCholeskyRoundTrip(t *testing.T) {
	A := [][]float64{
		{4, 2, 0.6},
		{2, 5, 1.2},
		{0.6, 1.2, 3},
	}
	L, err := cholesky(A)
	require.NoError(t, err)

	// L Lᵀ reproduces A.
	for i := range A {
		for j := range A {
			var sum float64
			for k := 0; k <= i && k <= j; k++ {
				sum += L[i][k] * L[j][k]
			}
			assert.InDelta(t, A[i][j], sum, 1e-10)
		}
	}

	// Solve against a known vector.
	b := []float64{1, 2, 3}
	x := choleskySolve(L, b)
	for i := range A {
		assert.InDelta(t, b[i], dot(A[i], x), 1e-10)
	}

	// The log determinant matches the directly computed one.
	det := A[0][0]*(A[1][1]*A[2][2]-A[1][2]*A[2][1]) -
		A[0][1]*(A[1][0]*A[2][2]-A[1][2]*A[2][0]) +
		A[0][2]*(A[1][0]*A[2][1]-A[1][1]*A[2][0])
	assert.InDelta(t, math.Log(det), choleskyLogDet(L), 1e-10)
}

func TestCholeskyRejectsIndefinite(t *testing.T) {
	_, err := cholesky([][]float64{{1, 2}, {2, 1}})
	assert.Error(t, err)
}

func TestPCARecoversDominantDirection(t *testing.T) {
	// Samples vary along axis 0 far more than elsewhere.
	var X [][]float64
	for i := 0; i < 10; i++ {
		row := make([]float64, 6)
		row[0] = float64(i) * 2
		row[1] = float64(i%2) * 0.01
		X = append(X, row)
	}
	p := fitPCA(X, 2)
	require.GreaterOrEqual(t, p.Dims(), 1)

	first := p.Components[0]
	assert.InDelta(t, 1.0, math.Abs(first[0]), 1e-6)

	// Projection preserves ordering along the dominant axis.
	lo := p.Project(X[0])
	hi := p.Project(X[9])
	assert.Greater(t, math.Abs(hi[0]-lo[0]), 10.0)
}

func TestPCACapsComponentsAtSamples(t *testing.T) {
	X := [][]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	p := fitPCA(X, 10)
	assert.LessOrEqual(t, p.Dims(), 2)
}

func TestGPSeparatesOneDimension(t *testing.T) {
	var Z [][]float64
	var y []int
	for i := 0; i < 10; i++ {
		Z = append(Z, []float64{2 + 0.1*float64(i)})
		y = append(y, 1)
		Z = append(Z, []float64{-2 - 0.1*float64(i)})
		y = append(y, 0)
	}
	m, err := fitGP(Z, y)
	require.NoError(t, err)

	assert.False(t, math.IsInf(m.Evidence, 0))
	assert.False(t, math.IsNaN(m.Evidence))

	mean, variance := m.latent([]float64{3})
	assert.Greater(t, mean, 0.0, "positive class sits at positive z")
	assert.Less(t, variance, 0.2, "a point on a labeled cluster is well constrained")

	mean, _ = m.latent([]float64{-3})
	assert.Less(t, mean, 0.0)
}

func TestGPVarianceGrowsAwayFromData(t *testing.T) {
	Z := [][]float64{{2}, {2.1}, {2.2}, {-2}, {-2.1}}
	y := []int{1, 1, 1, 0, 0}
	m, err := fitGP(Z, y)
	require.NoError(t, err)

	_, onCluster := m.latent([]float64{2.1})
	_, between := m.latent([]float64{0})
	_, far := m.latent([]float64{50})

	assert.Less(t, onCluster, between, "labeled regions are tighter than the gap between them")
	assert.Less(t, between, far, "unseen regions revert toward the prior")
	assert.InDelta(t, signalVariance, far, 0.05)
}
