package qualifier

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prospectd/internal/config"
	"prospectd/internal/store"
)

func testConfig() config.QualifierConfig {
	return config.QualifierConfig{
		EntropyThreshold: 0.3,
		StdCeiling:       0.8,
		AcceptProb:       0.8,
		MCSamples:        200,
		PCADims:          []int{2, 4, 8},
		Seed:             42,
	}
}

// clusterPoint returns a 16-dim vector near +center or -center on the
// first axis with small deterministic offsets elsewhere.
func clusterPoint(positive bool, i int) []float32 {
	v := make([]float32, 16)
	center := float32(-2)
	if positive {
		center = 2
	}
	v[0] = center + float32(i%3)*0.1
	v[1] = float32(i%5) * 0.05
	v[2] = -float32(i%2) * 0.05
	return v
}

func trainBalanced(t *testing.T, q *Qualifier, perClass int) {
	t.Helper()
	for i := 0; i < perClass; i++ {
		require.NoError(t, q.AddLabel(clusterPoint(true, i), true))
		require.NoError(t, q.AddLabel(clusterPoint(false, i), false))
	}
}

func TestColdStartIsUnavailable(t *testing.T) {
	q := New(testConfig(), "")

	_, err := q.Predict(clusterPoint(true, 0))
	assert.ErrorIs(t, err, ErrUnavailable)

	// One label is not enough.
	require.NoError(t, q.AddLabel(clusterPoint(true, 0), true))
	_, err = q.Predict(clusterPoint(true, 1))
	assert.ErrorIs(t, err, ErrUnavailable)

	// Two labels of the same class are still not enough.
	require.NoError(t, q.AddLabel(clusterPoint(true, 1), true))
	_, err = q.Predict(clusterPoint(true, 2))
	assert.ErrorIs(t, err, ErrUnavailable)

	// One of each class clears the cold start.
	require.NoError(t, q.AddLabel(clusterPoint(false, 0), false))
	_, err = q.Predict(clusterPoint(true, 2))
	assert.NoError(t, err)
}

func TestSeparableDataIsCalibrated(t *testing.T) {
	q := New(testConfig(), "")
	trainBalanced(t, q, 8)

	pos, err := q.Predict(clusterPoint(true, 100))
	require.NoError(t, err)
	neg, err := q.Predict(clusterPoint(false, 100))
	require.NoError(t, err)

	assert.Greater(t, pos.Probability, 0.7)
	assert.Less(t, neg.Probability, 0.3)
	assert.GreaterOrEqual(t, pos.Acquisition, 0.0)
	assert.LessOrEqual(t, pos.Entropy, math.Log(2)+1e-9)
}

func TestRefitIsLazy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qualifier.json")
	q := New(testConfig(), path)
	trainBalanced(t, q, 4)

	// No prediction yet, so no refit and no snapshot.
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	_, err = q.Predict(clusterPoint(true, 50))
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.NoError(t, err, "successful refit must persist a snapshot")

	// A new label invalidates the fit but writes nothing by itself.
	before, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, q.AddLabel(clusterPoint(true, 51), true))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The next prediction refits and rewrites.
	_, err = q.Predict(clusterPoint(false, 52))
	require.NoError(t, err)
	after, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestWarmStartReusesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qualifier.json")

	var history [][]float32
	var labels []int
	for i := 0; i < 4; i++ {
		history = append(history, clusterPoint(true, i), clusterPoint(false, i))
		labels = append(labels, 1, 0)
	}

	first := New(testConfig(), path)
	require.NoError(t, first.WarmStart(history, labels))
	snapshot, err := os.ReadFile(path)
	require.NoError(t, err)

	second := New(testConfig(), path)
	require.NoError(t, second.WarmStart(history, labels))
	unchanged, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, snapshot, unchanged, "matching snapshot must be reused without refit")

	pred, err := second.Predict(clusterPoint(true, 99))
	require.NoError(t, err)
	assert.Greater(t, pred.Probability, 0.5)
}

func TestWarmStartIgnoresCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qualifier.json")
	require.NoError(t, os.WriteFile(path, []byte("{truncated"), 0o644))

	q := New(testConfig(), path)
	var history [][]float32
	var labels []int
	for i := 0; i < 3; i++ {
		history = append(history, clusterPoint(true, i), clusterPoint(false, i))
		labels = append(labels, 1, 0)
	}
	require.NoError(t, q.WarmStart(history, labels))

	pred, err := q.Predict(clusterPoint(false, 99))
	require.NoError(t, err)
	assert.Less(t, pred.Probability, 0.5)

	// The corrupt file was replaced by a fresh snapshot.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, "{truncated", string(data))
}

func TestSelectCandidateExploitsWhenNegativesDominate(t *testing.T) {
	q := New(testConfig(), "")
	require.NoError(t, q.AddLabel(clusterPoint(true, 0), true))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.AddLabel(clusterPoint(false, i), false))
	}

	candidates := []store.Candidate{
		{ProfileID: 1, PublicID: "deep-negative", Embedding: clusterPoint(false, 40)},
		{ProfileID: 2, PublicID: "likely-positive", Embedding: clusterPoint(true, 40)},
		{ProfileID: 3, PublicID: "another-negative", Embedding: clusterPoint(false, 41)},
	}
	idx, pred, err := q.SelectCandidate(candidates)
	require.NoError(t, err)
	assert.Equal(t, "likely-positive", candidates[idx].PublicID)
	assert.Greater(t, pred.Probability, 0.5)
}

func TestSelectCandidateExploresWhenBalanced(t *testing.T) {
	q := New(testConfig(), "")
	trainBalanced(t, q, 5)

	boundary := make([]float32, 16)
	boundary[0] = 0 // equidistant from both clusters
	candidates := []store.Candidate{
		{ProfileID: 1, PublicID: "deep-positive", Embedding: clusterPoint(true, 40)},
		{ProfileID: 2, PublicID: "boundary", Embedding: boundary},
		{ProfileID: 3, PublicID: "deep-negative", Embedding: clusterPoint(false, 40)},
	}
	idx, _, err := q.SelectCandidate(candidates)
	require.NoError(t, err)
	assert.Equal(t, "boundary", candidates[idx].PublicID,
		"with balanced labels the most informative candidate wins")
}

func TestSelectCandidateUnavailableDuringColdStart(t *testing.T) {
	q := New(testConfig(), "")
	require.NoError(t, q.AddLabel(clusterPoint(true, 0), true))

	_, _, err := q.SelectCandidate([]store.Candidate{
		{ProfileID: 1, PublicID: "whoever", Embedding: clusterPoint(false, 0)},
	})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDecideGate(t *testing.T) {
	q := New(testConfig(), "")

	cases := []struct {
		name   string
		pred   Prediction
		auto   bool
		accept bool
	}{
		{"confident accept", Prediction{Probability: 0.95, Entropy: 0.2, Std: 0.5}, true, true},
		{"confident reject", Prediction{Probability: 0.05, Entropy: 0.2, Std: 0.5}, true, false},
		{"entropy too high", Prediction{Probability: 0.95, Entropy: 0.5, Std: 0.5}, false, false},
		{"posterior too wide", Prediction{Probability: 0.95, Entropy: 0.2, Std: 2.0}, false, false},
		{"confident but mid probability", Prediction{Probability: 0.6, Entropy: 0.2, Std: 0.5}, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := q.Decide(tc.pred)
			assert.Equal(t, tc.auto, d.Auto)
			assert.Equal(t, tc.accept, d.Auto && d.Accept)
		})
	}
}

func TestRankOrdersByDescendingProbability(t *testing.T) {
	q := New(testConfig(), "")
	trainBalanced(t, q, 6)

	candidates := []store.Candidate{
		{ProfileID: 1, PublicID: "cold", Embedding: clusterPoint(false, 30)},
		{ProfileID: 2, PublicID: "hot", Embedding: clusterPoint(true, 30)},
		{ProfileID: 3, PublicID: "lukewarm", Embedding: make([]float32, 16)},
	}
	ranked, err := q.Rank(candidates)
	require.NoError(t, err)
	require.Len(t, ranked, 3)
	assert.Equal(t, "hot", ranked[0].PublicID)
	assert.Equal(t, "cold", ranked[2].PublicID)
}

func TestCandidateDimsAreCappedBySamples(t *testing.T) {
	q := New(testConfig(), "")
	// 4 samples support at most 3 components.
	dims := q.candidateDims(4)
	for _, d := range dims {
		assert.LessOrEqual(t, d, 3)
	}
	assert.NotEmpty(t, dims)
}

func TestExplainReportsGateVerdict(t *testing.T) {
	q := New(testConfig(), "")

	_, err := q.Explain(clusterPoint(true, 0))
	assert.ErrorIs(t, err, ErrUnavailable)

	trainBalanced(t, q, 6)
	report, err := q.Explain(clusterPoint(true, 30))
	require.NoError(t, err)
	assert.Contains(t, report, "probability:")
	assert.Contains(t, report, "gate verdict:")
	assert.Contains(t, report, "6 positive, 6 negative")
}

func TestGateOpensForConfidentlySeparableCandidate(t *testing.T) {
	q := New(testConfig(), "")
	require.NoError(t, q.AddLabel(clusterPoint(true, 0), true))
	require.NoError(t, q.AddLabel(clusterPoint(true, 1), true))
	require.NoError(t, q.AddLabel(clusterPoint(true, 2), true))
	for i := 0; i < 5; i++ {
		require.NoError(t, q.AddLabel(clusterPoint(false, i), false))
	}

	pred, err := q.Predict(clusterPoint(true, 50))
	require.NoError(t, err)
	assert.Greater(t, pred.Probability, q.cfg.AcceptProb)
	assert.Less(t, pred.Entropy, q.cfg.EntropyThreshold)
	assert.Less(t, pred.Std, q.cfg.StdCeiling)

	d := q.Decide(pred)
	assert.True(t, d.Auto)
	assert.True(t, d.Accept)
}

func TestGateDefersFarFromTrainingData(t *testing.T) {
	q := New(testConfig(), "")
	trainBalanced(t, q, 5)

	// Far beyond every labeled point along the separating axis.
	odd := make([]float32, 16)
	odd[0] = 30
	pred, err := q.Predict(odd)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pred.Std, q.cfg.StdCeiling,
		"an unseen region must not clear the spread ceiling")
	assert.False(t, q.Decide(pred).Auto)
}

func TestMismatchedEmbeddingDimensionRejected(t *testing.T) {
	q := New(testConfig(), "")
	require.NoError(t, q.AddLabel(clusterPoint(true, 0), true))

	err := q.AddLabel(make([]float32, 8), false)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	require.NoError(t, q.AddLabel(clusterPoint(false, 0), false))
	_, err = q.Predict(make([]float32, 8))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	_, _, err = q.SelectCandidate([]store.Candidate{
		{ProfileID: 1, PublicID: "short", Embedding: make([]float32, 4)},
	})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestConfiguredDimensionIsEnforcedFromTheStart(t *testing.T) {
	cfg := testConfig()
	cfg.EmbeddingDim = 16
	q := New(cfg, "")

	err := q.AddLabel(make([]float32, 768), true)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = q.WarmStart([][]float32{make([]float32, 768)}, []int{1})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}
