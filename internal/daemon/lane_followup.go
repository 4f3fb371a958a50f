package daemon

import (
	"context"
	"encoding/json"
	"errors"

	"prospectd/internal/actions"
	"prospectd/internal/logging"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/ratelimit"
	"prospectd/internal/store"
)

// followUpLane messages one freshly connected profile per invocation and
// closes its deal.
type followUpLane struct {
	store   *store.Store
	exec    actions.Executor
	oracle  oracle.Oracle
	limiter *ratelimit.Limiter
}

func (l *followUpLane) name() string { return "follow-up" }

func (l *followUpLane) canExecute() (bool, error) {
	if !l.limiter.CanExecute() {
		return false, nil
	}
	n, err := l.store.CountProfiles(pipeline.StateConnected)
	return n > 0, err
}

func (l *followUpLane) execute(ctx context.Context) error {
	logging.Lane("▶ follow-up")

	profiles, err := l.store.GetProfiles(pipeline.StateConnected, 1, false)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	target := profiles[0]

	var fields map[string]interface{}
	if len(target.Payload) > 0 {
		if err := json.Unmarshal(target.Payload, &fields); err != nil {
			logging.Get(logging.CategoryLane).Warn("Unreadable payload for %s: %v", target.PublicID, err)
		}
	}

	message, err := l.oracle.ComposeFollowUp(ctx, fields)
	if err != nil {
		// Oracle hiccups defer the message to the next tick.
		return err
	}

	if err := l.exec.SendMessage(ctx, target.URL, message); err != nil {
		if errors.Is(err, actions.ErrSkipProfile) {
			logging.Get(logging.CategoryLane).Warn("Skipping %s: %v", target.PublicID, err)
			_, err := l.store.SetState(target.PublicID, pipeline.StateFailed)
			return err
		}
		return err
	}

	l.limiter.Record()
	if _, err := l.store.SetState(target.PublicID, pipeline.StateCompleted); err != nil {
		return err
	}
	logging.Lane("Follow-up sent to %s, deal completed", target.PublicID)
	return nil
}
