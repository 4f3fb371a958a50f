package daemon

import (
	"context"
	"errors"
	"fmt"

	"prospectd/internal/embedding"
	"prospectd/internal/logging"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
	"prospectd/internal/store"
)

// qualifyLane turns enriched profiles into accept/reject decisions. Each
// invocation either embeds one profile that lacks a vector, or decides
// one embedded candidate: auto when the model's gate opens, via the
// oracle otherwise.
type qualifyLane struct {
	store    *store.Store
	qual     *qualifier.Qualifier
	oracle   oracle.Oracle
	embedder embedding.Engine
}

func (l *qualifyLane) name() string { return "qualify" }

func (l *qualifyLane) canExecute() (bool, error) {
	pending, err := l.nextToEmbed()
	if err != nil {
		return false, err
	}
	if pending != nil {
		return true, nil
	}
	unlabeled, err := l.store.UnlabeledCandidates()
	if err != nil {
		return false, err
	}
	return len(unlabeled) > 0, nil
}

func (l *qualifyLane) execute(ctx context.Context) error {
	logging.Lane("▶ qualify")

	// Phase 1: embeddings first, one per tick.
	target, err := l.nextToEmbed()
	if err != nil {
		return err
	}
	if target != nil {
		return l.embedProfile(ctx, *target)
	}

	// Phase 2: decide one embedded candidate.
	return l.decideNext(ctx)
}

// nextToEmbed returns the oldest enriched profile without an embedding.
func (l *qualifyLane) nextToEmbed() (*store.Profile, error) {
	enriched, err := l.store.GetProfiles(pipeline.StateEnriched, 0, false)
	if err != nil {
		return nil, err
	}
	for i := range enriched {
		has, err := l.store.HasEmbedding(enriched[i].ID)
		if err != nil {
			return nil, err
		}
		if !has {
			return &enriched[i], nil
		}
	}
	return nil, nil
}

func (l *qualifyLane) embedProfile(ctx context.Context, p store.Profile) error {
	text := embedding.ProfileText(p.Payload)
	if text == "" {
		logging.Get(logging.CategoryLane).Warn("No profile text for %s, disqualifying", p.PublicID)
		return l.store.Disqualify(p.PublicID, "no profile text available")
	}

	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		// Embedding provider hiccups retry on the next tick.
		return fmt.Errorf("embed %s: %w", p.PublicID, err)
	}
	if err := l.store.StoreEmbedding(p.ID, p.PublicID, vec); err != nil {
		return err
	}
	logging.Lane("%s embedded (%d dims)", p.PublicID, len(vec))
	return nil
}

func (l *qualifyLane) decideNext(ctx context.Context) error {
	candidates, err := l.store.UnlabeledCandidates()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}

	// Pick the candidate worth deciding. During cold start the model
	// cannot rank, so the oldest candidate goes straight to the oracle.
	idx := 0
	var pred qualifier.Prediction
	modelReady := true
	if len(candidates) == 1 {
		if p, err := l.qual.Predict(candidates[0].Embedding); err == nil {
			pred = p
		} else if errors.Is(err, qualifier.ErrUnavailable) {
			modelReady = false
		} else {
			return err
		}
	} else {
		i, p, err := l.qual.SelectCandidate(candidates)
		switch {
		case err == nil:
			idx, pred = i, p
		case errors.Is(err, qualifier.ErrUnavailable):
			modelReady = false
		default:
			return err
		}
	}
	candidate := candidates[idx]

	if modelReady {
		if d := l.qual.Decide(pred); d.Auto {
			verdict := "auto-reject"
			if d.Accept {
				verdict = "auto-accept"
			}
			reason := fmt.Sprintf("%s (prob=%.3f, entropy=%.4f, std=%.4f)",
				verdict, pred.Probability, pred.Entropy, pred.Std)
			return l.recordDecision(candidate, d.Accept, "model", reason)
		}
		logging.LaneDebug("%s uncertain (prob=%.3f, entropy=%.4f, std=%.4f), querying oracle",
			candidate.PublicID, pred.Probability, pred.Entropy, pred.Std)
	}

	profile, err := l.store.GetProfile(candidate.PublicID)
	if err != nil {
		return err
	}
	text := embedding.ProfileText(profile.Payload)
	if text == "" {
		return l.recordDecision(candidate, false, "oracle", "no profile text available")
	}

	decision, err := l.oracle.QualifyProfile(ctx, text)
	if err != nil {
		// Timeout or oracle failure: the candidate stays undecided and
		// is retried next tick.
		return err
	}
	return l.recordDecision(candidate, decision.Qualified, "oracle", decision.Reason)
}

// recordDecision persists the label, feeds the model, and moves the deal.
func (l *qualifyLane) recordDecision(c store.Candidate, accept bool, decidedBy, reason string) error {
	if err := l.store.StoreLabel(c.ProfileID, accept, decidedBy, reason); err != nil {
		return err
	}
	if err := l.qual.AddLabel(c.Embedding, accept); err != nil {
		return fmt.Errorf("label %s: %w", c.PublicID, err)
	}

	if accept {
		if err := l.store.PromoteToOutreach(c.PublicID); err != nil {
			return err
		}
		logging.Lane("%s QUALIFIED: %s", c.PublicID, reason)
		return nil
	}
	if err := l.store.Disqualify(c.PublicID, reason); err != nil {
		return err
	}
	logging.Lane("%s REJECTED: %s", c.PublicID, reason)
	return nil
}
