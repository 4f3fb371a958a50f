package daemon

import (
	"context"
	"errors"

	"prospectd/internal/actions"
	"prospectd/internal/logging"
	"prospectd/internal/pipeline"
	"prospectd/internal/store"
)

// checkPendingLane re-checks invitations whose backoff window has passed.
// A still-pending observation doubles the backoff; an acceptance promotes
// to connected and clears it.
type checkPendingLane struct {
	store *store.Store
	exec  actions.Executor
}

func (l *checkPendingLane) name() string { return "check-pending" }

func (l *checkPendingLane) canExecute() (bool, error) {
	due, err := l.store.GetProfiles(pipeline.StatePending, 1, true)
	return len(due) > 0, err
}

func (l *checkPendingLane) execute(ctx context.Context) error {
	logging.Lane("▶ check-pending")

	due, err := l.store.GetProfiles(pipeline.StatePending, 0, true)
	if err != nil {
		return err
	}

	for _, p := range due {
		status, err := l.exec.ConnectionStatus(ctx, p.URL)
		if err != nil {
			if errors.Is(err, actions.ErrSkipProfile) {
				logging.Get(logging.CategoryLane).Warn("Skipping %s: %v", p.PublicID, err)
				if _, err := l.store.SetState(p.PublicID, pipeline.StateFailed); err != nil {
					return err
				}
				continue
			}
			return err
		}

		next := pipeline.StatePending
		if status == actions.StatusConnected {
			next = pipeline.StateConnected
		}
		if _, err := l.store.SetState(p.PublicID, next); err != nil {
			return err
		}
		if next == pipeline.StateConnected {
			logging.Lane("%s accepted the invite", p.PublicID)
		}
	}
	return nil
}
