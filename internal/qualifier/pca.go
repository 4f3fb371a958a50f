package qualifier

import "math"

// pca is a fitted principal-component projection. With few labeled samples
// and high-dimensional embeddings the components are recovered from the
// n x n Gram matrix of centered samples rather than the d x d covariance,
// which keeps each refit at O(n³) instead of O(d³).
type pca struct {
	Mean       []float64   `json:"mean"`
	Components [][]float64 `json:"components"` // k rows, each a unit vector in feature space
}

const (
	powerIterations = 200
	powerTolerance  = 1e-9
)

// fitPCA fits a k-component projection to X (n samples, d features).
// k is capped at min(k, n-1, d); fewer components are returned when the
// residual variance runs out first.
func fitPCA(X [][]float64, k int) *pca {
	n := len(X)
	d := len(X[0])
	if k > n-1 {
		k = n - 1
	}
	if k > d {
		k = d
	}
	if k < 1 {
		k = 1
	}

	mean := make([]float64, d)
	for _, row := range X {
		for j, v := range row {
			mean[j] += v
		}
	}
	for j := range mean {
		mean[j] /= float64(n)
	}

	centered := make([][]float64, n)
	for i, row := range X {
		centered[i] = make([]float64, d)
		for j, v := range row {
			centered[i][j] = v - mean[j]
		}
	}

	// Gram matrix of the centered samples.
	gram := make([][]float64, n)
	for i := range gram {
		gram[i] = make([]float64, n)
		for j := 0; j <= i; j++ {
			g := dot(centered[i], centered[j])
			gram[i][j] = g
			gram[j][i] = g
		}
	}

	p := &pca{Mean: mean}
	for c := 0; c < k; c++ {
		u, lambda := topEigenvector(gram, c)
		if lambda < 1e-10 {
			break
		}
		// Map the Gram-space eigenvector back to a unit feature-space
		// component: v = Xcᵀ u / sqrt(lambda).
		comp := make([]float64, d)
		for i := range centered {
			for j := range comp {
				comp[j] += u[i] * centered[i][j]
			}
		}
		scale := 1.0 / math.Sqrt(lambda)
		for j := range comp {
			comp[j] *= scale
		}
		p.Components = append(p.Components, comp)

		// Deflate before extracting the next component.
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				gram[i][j] -= lambda * u[i] * u[j]
			}
		}
	}
	return p
}

// topEigenvector runs power iteration on a symmetric matrix. The seed index
// varies per component so deflated iterations do not start orthogonal to
// the dominant direction.
func topEigenvector(A [][]float64, seed int) ([]float64, float64) {
	n := len(A)
	v := make([]float64, n)
	v[seed%n] = 1

	var lambda float64
	for iter := 0; iter < powerIterations; iter++ {
		next := make([]float64, n)
		for i := 0; i < n; i++ {
			next[i] = dot(A[i], v)
		}
		norm := math.Sqrt(dot(next, next))
		if norm < 1e-14 {
			return v, 0
		}
		for i := range next {
			next[i] /= norm
		}
		prev := lambda
		lambda = norm
		v = next
		if math.Abs(lambda-prev) < powerTolerance*math.Max(1, lambda) {
			break
		}
	}
	// Rayleigh quotient for the converged direction.
	av := make([]float64, n)
	for i := 0; i < n; i++ {
		av[i] = dot(A[i], v)
	}
	return v, dot(v, av)
}

// Dims returns the number of fitted components.
func (p *pca) Dims() int {
	return len(p.Components)
}

// Project maps a raw feature vector into the reduced space.
func (p *pca) Project(x []float64) []float64 {
	centered := make([]float64, len(p.Mean))
	for j := range centered {
		centered[j] = x[j] - p.Mean[j]
	}
	z := make([]float64, len(p.Components))
	for c, comp := range p.Components {
		z[c] = dot(comp, centered)
	}
	return z
}
