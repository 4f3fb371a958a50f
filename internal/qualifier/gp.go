package qualifier

import (
	"fmt"
	"math"
)

// gp is a Gaussian-process regressor over signed class targets with an
// RBF kernel, squashed to probabilities through a scaled sigmoid. The
// regression likelihood keeps the posterior closed-form: one Cholesky
// per refit, O(n³) in the label count. Crucially the predictive variance
// is distance-aware, tight on top of labeled clusters and reverting to
// the prior away from them, which both the auto-decide gate and the BALD
// acquisition lean on.
type gp struct {
	Lengthscale float64     `json:"lengthscale"`
	Train       [][]float64 `json:"train"`
	Alpha       []float64   `json:"alpha"`
	Chol        [][]float64 `json:"chol"`
	Evidence    float64     `json:"evidence"`
}

const (
	// Prior amplitude of the unit latent function.
	signalVariance = 1.0
	// Observation noise on the ±1 regression targets.
	noiseVariance = 0.1
	// Logit scale of a fully supported latent: a candidate sitting on a
	// pure labeled cluster maps to roughly sigmoid(±latentGain).
	latentGain = 3.0
)

// fitGP fits the model to reduced features Z and binary labels y.
// The length-scale is the mean pairwise distance of the training set, so
// the kernel adapts to whatever scale the projection produces. The
// returned evidence is the exact log marginal likelihood, used to compare
// fits across candidate reduced dimensions.
func fitGP(Z [][]float64, y []int) (*gp, error) {
	n := len(Z)
	if n == 0 {
		return nil, fmt.Errorf("no training samples")
	}

	t := make([]float64, n)
	for i, label := range y {
		if label == 1 {
			t[i] = 1
		} else {
			t[i] = -1
		}
	}

	ell := meanPairwiseDistance(Z)

	A := make([][]float64, n)
	for i := range A {
		A[i] = make([]float64, n)
		A[i][i] = signalVariance + noiseVariance
		for j := 0; j < i; j++ {
			k := rbf(Z[i], Z[j], ell)
			A[i][j] = k
			A[j][i] = k
		}
	}

	L, err := cholesky(A)
	if err != nil {
		return nil, fmt.Errorf("kernel factorization: %w", err)
	}
	alpha := choleskySolve(L, t)

	evidence := -0.5*dot(t, alpha) - 0.5*choleskyLogDet(L) - 0.5*float64(n)*math.Log(2*math.Pi)

	train := make([][]float64, n)
	for i, z := range Z {
		train[i] = append([]float64(nil), z...)
	}
	return &gp{
		Lengthscale: ell,
		Train:       train,
		Alpha:       alpha,
		Chol:        L,
		Evidence:    evidence,
	}, nil
}

// latent returns the posterior mean and variance of the latent function
// at z.
func (m *gp) latent(z []float64) (mean, variance float64) {
	k := make([]float64, len(m.Train))
	for i, zi := range m.Train {
		k[i] = rbf(z, zi, m.Lengthscale)
	}
	mean = dot(k, m.Alpha)
	variance = signalVariance - dot(k, choleskySolve(m.Chol, k))
	if variance < 0 {
		variance = 0
	}
	return mean, variance
}

// rbf is the squared-exponential kernel with length-scale ell.
func rbf(a, b []float64, ell float64) float64 {
	var d2 float64
	for i := range a {
		diff := a[i] - b[i]
		d2 += diff * diff
	}
	return signalVariance * math.Exp(-d2/(2*ell*ell))
}

// meanPairwiseDistance returns the average Euclidean distance over all
// training pairs. Degenerate sets (a single sample, or identical points)
// fall back to a unit scale.
func meanPairwiseDistance(Z [][]float64) float64 {
	var sum float64
	var count int
	for i := range Z {
		for j := 0; j < i; j++ {
			var d2 float64
			for c := range Z[i] {
				diff := Z[i][c] - Z[j][c]
				d2 += diff * diff
			}
			sum += math.Sqrt(d2)
			count++
		}
	}
	if count == 0 || sum < 1e-9 {
		return 1
	}
	return sum / float64(count)
}
