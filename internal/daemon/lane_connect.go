package daemon

import (
	"context"
	"errors"
	"fmt"

	"prospectd/internal/actions"
	"prospectd/internal/logging"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
	"prospectd/internal/ratelimit"
	"prospectd/internal/store"
)

// connectLane sends one connection request per invocation, choosing the
// qualified profile the model ranks highest.
type connectLane struct {
	store            *store.Store
	exec             actions.Executor
	qual             *qualifier.Qualifier
	limiter          *ratelimit.Limiter
	followUpExisting bool
}

func (l *connectLane) name() string { return "connect" }

func (l *connectLane) canExecute() (bool, error) {
	if !l.limiter.CanExecute() {
		return false, nil
	}
	n, err := l.store.CountProfiles(pipeline.StateQualified)
	return n > 0, err
}

func (l *connectLane) execute(ctx context.Context) error {
	logging.Lane("▶ connect")

	profiles, err := l.store.GetProfiles(pipeline.StateQualified, 50, false)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}

	target := l.pickTarget(profiles)
	status, err := l.exec.ConnectionStatus(ctx, target.URL)
	if err != nil {
		if errors.Is(err, actions.ErrSkipProfile) {
			return l.markFailed(target.PublicID, err)
		}
		return err
	}

	switch status {
	case actions.StatusConnected:
		// The relationship pre-exists; the invite step is moot.
		if l.followUpExisting {
			if _, err := l.store.SetState(target.PublicID, pipeline.StatePending); err != nil {
				return err
			}
			_, err := l.store.SetState(target.PublicID, pipeline.StateConnected)
			return err
		}
		logging.Lane("%s already connected, leaving outreach to humans", target.PublicID)
		return l.store.Disqualify(target.PublicID, "pre-existing connection")

	case actions.StatusPending:
		_, err := l.store.SetState(target.PublicID, pipeline.StatePending)
		return err
	}

	if err := l.exec.SendInvite(ctx, target.URL); err != nil {
		switch {
		case errors.Is(err, actions.ErrRateLimited):
			logging.Get(logging.CategoryRateLimit).Warn("Remote invite limit hit, marking day exhausted")
			l.limiter.MarkExhausted()
			return nil
		case errors.Is(err, actions.ErrSkipProfile):
			return l.markFailed(target.PublicID, err)
		}
		return err
	}

	if _, err := l.store.SetState(target.PublicID, pipeline.StatePending); err != nil {
		return err
	}
	l.limiter.Record()
	logging.Lane("Invite sent to %s", target.PublicID)
	return nil
}

// pickTarget ranks the qualified pool by predicted probability. During
// cold start, or for profiles without embeddings, the store's oldest-first
// order stands.
func (l *connectLane) pickTarget(profiles []store.Profile) store.Profile {
	byID := make(map[string]store.Profile, len(profiles))
	var candidates []store.Candidate
	for _, p := range profiles {
		emb, err := l.store.Embedding(p.PublicID)
		if err != nil || emb == nil {
			continue
		}
		byID[p.PublicID] = p
		candidates = append(candidates, store.Candidate{
			ProfileID: p.ID, PublicID: p.PublicID, Embedding: emb,
		})
	}
	if len(candidates) == 0 {
		return profiles[0]
	}
	ranked, err := l.qual.Rank(candidates)
	if err != nil {
		return profiles[0]
	}
	return byID[ranked[0].PublicID]
}

func (l *connectLane) markFailed(publicID string, cause error) error {
	logging.Get(logging.CategoryLane).Warn("Skipping %s: %v", publicID, cause)
	if _, err := l.store.SetState(publicID, pipeline.StateFailed); err != nil {
		return fmt.Errorf("mark %s failed: %w", publicID, err)
	}
	return nil
}
