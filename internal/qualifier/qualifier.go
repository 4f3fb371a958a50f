// Package qualifier decides which enriched profiles are worth outreach.
//
// It keeps an append-only label set of (embedding, accept/reject) pairs
// and fits a kernel Bayesian regressor over PCA-reduced embeddings.
// Fitting is lazy: appending a label only marks the model stale, and the
// next call that needs a prediction refits on the whole label set. Each
// refit re-selects the reduced dimensionality from a short candidate list
// by comparing model evidence.
package qualifier

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"time"

	"prospectd/internal/config"
	"prospectd/internal/logging"
	"prospectd/internal/store"
)

// ErrUnavailable is returned while the label set is too small or
// single-class to support a fit. Callers route every decision to the
// oracle until it clears.
var ErrUnavailable = errors.New("qualifier model unavailable")

// ErrDimensionMismatch is returned when an embedding's length disagrees
// with the dimensionality the label set was built from. A ragged feature
// matrix would corrupt every downstream fit, so the vector is rejected
// at the boundary instead.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Prediction is the model's calibrated view of one candidate.
type Prediction struct {
	// Probability is the posterior mean probability of a positive label.
	Probability float64
	// Entropy is the predictive entropy of the mean probability, in nats.
	Entropy float64
	// Std is the posterior standard deviation of the latent function.
	Std float64
	// Acquisition is the BALD score: the gap between the entropy of the
	// mean prediction and the mean entropy of posterior samples.
	Acquisition float64
}

// Decision is the outcome of the auto-decide gate for one candidate.
type Decision struct {
	Auto   bool
	Accept bool
	Pred   Prediction
}

// fittedModel bundles one refit's projection and regression.
type fittedModel struct {
	PCA    *pca  `json:"pca"`
	Model  *gp   `json:"model"`
	Labels int   `json:"labels"`
	Seed   int64 `json:"seed"`
}

// Qualifier owns the label set and the lazily refitted model.
type Qualifier struct {
	cfg          config.QualifierConfig
	snapshotPath string

	features [][]float64
	labels   []int
	positive int
	negative int
	dim      int

	stale  bool
	fitted *fittedModel
	rng    *rand.Rand
}

// New creates an empty qualifier. Call WarmStart before the first lane
// runs to replay historical labels.
func New(cfg config.QualifierConfig, snapshotPath string) *Qualifier {
	if cfg.MCSamples <= 0 {
		cfg.MCSamples = 100
	}
	if len(cfg.PCADims) == 0 {
		cfg.PCADims = []int{2, 4, 8, 16}
	}
	return &Qualifier{
		cfg:          cfg,
		snapshotPath: snapshotPath,
		dim:          cfg.EmbeddingDim,
		rng:          rand.New(rand.NewSource(cfg.Seed)),
	}
}

// checkDim enforces one consistent embedding dimensionality across the
// whole label set. An unconfigured dimension locks to the first vector
// seen.
func (q *Qualifier) checkDim(embedding []float32) error {
	if q.dim == 0 {
		q.dim = len(embedding)
		return nil
	}
	if len(embedding) != q.dim {
		return fmt.Errorf("%w: got %d values, want %d", ErrDimensionMismatch, len(embedding), q.dim)
	}
	return nil
}

// WarmStart loads the historical label set and restores the fitted model.
// A snapshot whose label count matches the history is reused as-is; if it
// is missing, corrupt, or out of date, the full label set is refitted once
// here so lanes never pay the first-fit cost mid-tick.
func (q *Qualifier) WarmStart(history [][]float32, labels []int) error {
	timer := logging.StartTimer(logging.CategoryQualifier, "WarmStart")
	defer timer.Stop()

	for i, emb := range history {
		if err := q.checkDim(emb); err != nil {
			return fmt.Errorf("historical label %d: %w", i, err)
		}
		q.appendLabel(emb, labels[i] == 1)
	}

	if snap := q.loadSnapshot(); snap != nil && snap.Labels == len(q.labels) {
		q.fitted = snap
		q.stale = false
		logging.Qualifier("Warm start: restored snapshot covering %d labels (reduced dim %d)",
			snap.Labels, snap.PCA.Dims())
		return nil
	}

	if !q.Available() {
		logging.Qualifier("Warm start: %d labels (%d+/%d-), model stays unavailable",
			len(q.labels), q.positive, q.negative)
		return nil
	}

	if err := q.refit(); err != nil {
		return fmt.Errorf("warm start refit: %w", err)
	}
	logging.Qualifier("Warm start: refitted on %d historical labels", len(q.labels))
	return nil
}

// AddLabel appends a decided (embedding, label) pair and marks the fitted
// model stale. The refit is deferred to the next prediction.
func (q *Qualifier) AddLabel(embedding []float32, accept bool) error {
	if err := q.checkDim(embedding); err != nil {
		return err
	}
	q.appendLabel(embedding, accept)
	q.stale = true
	logging.QualifierDebug("Label appended (%d total, %d+/%d-), model marked stale",
		len(q.labels), q.positive, q.negative)
	return nil
}

func (q *Qualifier) appendLabel(embedding []float32, accept bool) {
	row := make([]float64, len(embedding))
	for i, v := range embedding {
		row[i] = float64(v)
	}
	q.features = append(q.features, row)
	if accept {
		q.labels = append(q.labels, 1)
		q.positive++
	} else {
		q.labels = append(q.labels, 0)
		q.negative++
	}
}

// Available reports whether the label set can support a fit: at least two
// labels with both classes present.
func (q *Qualifier) Available() bool {
	return q.positive >= 1 && q.negative >= 1
}

// LabelCounts returns (positive, negative) label counts.
func (q *Qualifier) LabelCounts() (int, int) {
	return q.positive, q.negative
}

// Predict returns the model's view of one embedding, refitting first if a
// label arrived since the last fit. Returns ErrUnavailable during cold
// start.
func (q *Qualifier) Predict(embedding []float32) (Prediction, error) {
	if err := q.ensureFitted(); err != nil {
		return Prediction{}, err
	}
	if err := q.checkDim(embedding); err != nil {
		return Prediction{}, err
	}
	return q.predict(embedding), nil
}

// SelectCandidate picks which unlabeled candidate to evaluate next.
// With more negatives than positives it exploits: the highest predicted
// probability wins. Otherwise it explores: the highest acquisition score
// wins. Ties keep the earliest candidate, so callers passing a stable
// order get deterministic selection.
func (q *Qualifier) SelectCandidate(candidates []store.Candidate) (int, Prediction, error) {
	if len(candidates) == 0 {
		return -1, Prediction{}, fmt.Errorf("no candidates")
	}
	if err := q.ensureFitted(); err != nil {
		return -1, Prediction{}, err
	}

	exploit := q.negative > q.positive
	best := -1
	bestScore := math.Inf(-1)
	var bestPred Prediction
	for i, c := range candidates {
		if err := q.checkDim(c.Embedding); err != nil {
			return -1, Prediction{}, fmt.Errorf("candidate %s: %w", c.PublicID, err)
		}
		pred := q.predict(c.Embedding)
		score := pred.Acquisition
		if exploit {
			score = pred.Probability
		}
		if score > bestScore {
			best = i
			bestScore = score
			bestPred = pred
		}
	}

	mode := "explore"
	if exploit {
		mode = "exploit"
	}
	logging.QualifierDebug("Selected candidate %s (%s, score=%.4f, p=%.3f, H=%.3f, std=%.3f)",
		candidates[best].PublicID, mode, bestScore, bestPred.Probability, bestPred.Entropy, bestPred.Std)
	return best, bestPred, nil
}

// Decide runs the auto-decide gate on a prediction. The gate opens only
// when both predictive entropy and posterior spread are small; inside the
// gate, a probability at or above the accept threshold auto-accepts and
// one at or below its mirror auto-rejects. Everything else defers to the
// oracle.
func (q *Qualifier) Decide(pred Prediction) Decision {
	d := Decision{Pred: pred}
	if pred.Entropy >= q.cfg.EntropyThreshold || pred.Std >= q.cfg.StdCeiling {
		return d
	}
	switch {
	case pred.Probability >= q.cfg.AcceptProb:
		d.Auto = true
		d.Accept = true
	case pred.Probability <= 1-q.cfg.AcceptProb:
		d.Auto = true
		d.Accept = false
	}
	return d
}

// Rank orders candidates by descending predicted probability, breaking
// ties by input order. Used to sequence qualified profiles for outreach.
func (q *Qualifier) Rank(candidates []store.Candidate) ([]store.Candidate, error) {
	if err := q.ensureFitted(); err != nil {
		return nil, err
	}
	type scored struct {
		c store.Candidate
		p float64
	}
	all := make([]scored, len(candidates))
	for i, c := range candidates {
		if err := q.checkDim(c.Embedding); err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.PublicID, err)
		}
		all[i] = scored{c: c, p: q.predict(c.Embedding).Probability}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].p > all[j].p })
	out := make([]store.Candidate, len(all))
	for i, s := range all {
		out[i] = s.c
	}
	return out, nil
}

// Explain renders a human-readable report for one embedding: the model's
// probability, uncertainty figures, and what the auto-decide gate would do.
func (q *Qualifier) Explain(embedding []float32) (string, error) {
	pred, err := q.Predict(embedding)
	if err != nil {
		return "", err
	}
	d := q.Decide(pred)
	verdict := "defer to oracle"
	if d.Auto {
		if d.Accept {
			verdict = "auto-accept"
		} else {
			verdict = "auto-reject"
		}
	}
	pos, neg := q.LabelCounts()
	var b strings.Builder
	fmt.Fprintf(&b, "probability:  %.3f\n", pred.Probability)
	fmt.Fprintf(&b, "entropy:      %.4f nats (threshold %.4f)\n", pred.Entropy, q.cfg.EntropyThreshold)
	fmt.Fprintf(&b, "latent std:   %.4f (ceiling %.4f)\n", pred.Std, q.cfg.StdCeiling)
	fmt.Fprintf(&b, "bald score:   %.4f\n", pred.Acquisition)
	fmt.Fprintf(&b, "gate verdict: %s\n", verdict)
	fmt.Fprintf(&b, "trained on:   %d positive, %d negative labels\n", pos, neg)
	return b.String(), nil
}

// ensureFitted refits when stale and persists the result.
func (q *Qualifier) ensureFitted() error {
	if !q.Available() {
		return ErrUnavailable
	}
	if q.fitted != nil && !q.stale {
		return nil
	}
	return q.refit()
}

// refit fits the whole label set from scratch. Candidate reduced
// dimensions are compared by each fit's log marginal likelihood; dims the
// sample count cannot support are skipped.
func (q *Qualifier) refit() error {
	timer := logging.StartTimer(logging.CategoryQualifier, "refit")
	defer timer.StopWithThreshold(2 * time.Second)

	n := len(q.labels)
	var best *fittedModel
	bestEvidence := math.Inf(-1)
	for _, dim := range q.candidateDims(n) {
		proj := fitPCA(q.features, dim)
		Z := make([][]float64, n)
		for i, row := range q.features {
			Z[i] = proj.Project(row)
		}
		model, err := fitGP(Z, q.labels)
		if err != nil {
			logging.QualifierDebug("Refit at dim %d failed: %v", dim, err)
			continue
		}
		logging.QualifierDebug("Refit candidate dim %d: evidence %.3f", proj.Dims(), model.Evidence)
		if model.Evidence > bestEvidence {
			bestEvidence = model.Evidence
			best = &fittedModel{PCA: proj, Model: model, Labels: n, Seed: q.cfg.Seed}
		}
	}
	if best == nil {
		return fmt.Errorf("refit failed for every candidate dimension")
	}

	q.fitted = best
	q.stale = false
	logging.Qualifier("Refit on %d labels (%d+/%d-): reduced dim %d, evidence %.3f",
		n, q.positive, q.negative, best.PCA.Dims(), bestEvidence)

	if err := q.saveSnapshot(best); err != nil {
		// The in-memory fit stays valid; only restart recovery degrades.
		logging.Get(logging.CategoryQualifier).Warn("Snapshot write failed: %v", err)
	}
	return nil
}

// candidateDims filters the configured dimension list to those the sample
// count can support, deduplicated and in configured order.
func (q *Qualifier) candidateDims(n int) []int {
	maxDim := n - 1
	if maxDim < 1 {
		maxDim = 1
	}
	seen := map[int]bool{}
	var dims []int
	for _, d := range q.cfg.PCADims {
		if d < 1 {
			continue
		}
		if d > maxDim {
			d = maxDim
		}
		if !seen[d] {
			seen[d] = true
			dims = append(dims, d)
		}
	}
	if len(dims) == 0 {
		dims = []int{maxDim}
	}
	return dims
}

// predict draws MC samples of the latent function, squashes each through
// the scaled sigmoid, and summarizes them.
func (q *Qualifier) predict(embedding []float32) Prediction {
	row := make([]float64, len(embedding))
	for i, v := range embedding {
		row[i] = float64(v)
	}
	z := q.fitted.PCA.Project(row)
	mean, variance := q.fitted.Model.latent(z)
	std := math.Sqrt(variance)

	m := q.cfg.MCSamples
	var sumP, sumH float64
	for i := 0; i < m; i++ {
		p := sigmoid(latentGain * (mean + std*q.rng.NormFloat64()))
		sumP += p
		sumH += binaryEntropy(p)
	}
	meanP := sumP / float64(m)
	H := binaryEntropy(meanP)
	return Prediction{
		Probability: meanP,
		Entropy:     H,
		Std:         std,
		Acquisition: H - sumH/float64(m),
	}
}
