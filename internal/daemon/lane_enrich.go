package daemon

import (
	"context"
	"errors"

	"prospectd/internal/actions"
	"prospectd/internal/logging"
	"prospectd/internal/pipeline"
	"prospectd/internal/store"
)

// enrichLane scrapes one discovered profile per invocation and stores the
// payload for later embedding and qualification.
type enrichLane struct {
	store *store.Store
	exec  actions.Executor
}

func (l *enrichLane) name() string { return "enrich" }

func (l *enrichLane) canExecute() (bool, error) {
	n, err := l.store.CountProfiles(pipeline.StateDiscovered)
	return n > 0, err
}

func (l *enrichLane) execute(ctx context.Context) error {
	logging.Lane("▶ enrich")

	profiles, err := l.store.GetProfiles(pipeline.StateDiscovered, 1, false)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	target := profiles[0]

	payload, err := l.exec.FetchProfile(ctx, target.URL)
	if err != nil {
		if errors.Is(err, actions.ErrSkipProfile) {
			logging.Get(logging.CategoryLane).Warn("Skipping %s: %v", target.PublicID, err)
			_, err := l.store.SetState(target.PublicID, pipeline.StateFailed)
			return err
		}
		return err
	}

	if err := l.store.SaveEnrichment(target.PublicID, payload); err != nil {
		return err
	}
	logging.Lane("%s enriched", target.PublicID)
	return nil
}
