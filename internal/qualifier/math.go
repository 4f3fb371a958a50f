package qualifier

import (
	"fmt"
	"math"
)

// sigmoid squashes a latent value into a probability. Clamped so the
// downstream log terms never see an exact 0 or 1.
func sigmoid(a float64) float64 {
	p := 1.0 / (1.0 + math.Exp(-a))
	if p < 1e-12 {
		return 1e-12
	}
	if p > 1-1e-12 {
		return 1 - 1e-12
	}
	return p
}

// binaryEntropy is the Shannon entropy of a Bernoulli(p), in nats.
func binaryEntropy(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0
	}
	return -p*math.Log(p) - (1-p)*math.Log(1-p)
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// cholesky returns the lower-triangular L with A = L Lᵀ. Fails on
// non-positive-definite input.
func cholesky(A [][]float64) ([][]float64, error) {
	n := len(A)
	L := make([][]float64, n)
	for i := range L {
		L[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := A[i][j]
			for k := 0; k < j; k++ {
				sum -= L[i][k] * L[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil, fmt.Errorf("matrix not positive definite at row %d", i)
				}
				L[i][i] = math.Sqrt(sum)
			} else {
				L[i][j] = sum / L[j][j]
			}
		}
	}
	return L, nil
}

// choleskySolve solves A x = b given the Cholesky factor L of A.
func choleskySolve(L [][]float64, b []float64) []float64 {
	n := len(L)
	// Forward substitution: L z = b
	z := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := b[i]
		for k := 0; k < i; k++ {
			sum -= L[i][k] * z[k]
		}
		z[i] = sum / L[i][i]
	}
	// Back substitution: Lᵀ x = z
	x := make([]float64, n)
	for i := n - 1; i >= 0; i-- {
		sum := z[i]
		for k := i + 1; k < n; k++ {
			sum -= L[k][i] * x[k]
		}
		x[i] = sum / L[i][i]
	}
	return x
}

// choleskyLogDet returns log|A| given the Cholesky factor L of A.
func choleskyLogDet(L [][]float64) float64 {
	var sum float64
	for i := range L {
		sum += math.Log(L[i][i])
	}
	return 2 * sum
}
