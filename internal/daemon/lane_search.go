package daemon

import (
	"context"

	"prospectd/internal/actions"
	"prospectd/internal/logging"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/store"
)

const searchResultLimit = 25

// searchLane tops the pipeline up with newly discovered profiles. It only
// runs when the pool awaiting qualification has drained below the
// configured floor, and it consumes one durable keyword per invocation.
// An empty queue triggers an oracle refill that excludes every keyword
// ever used.
type searchLane struct {
	store        *store.Store
	exec         actions.Executor
	oracle       oracle.Oracle
	minPool      int
	keywordBatch int
}

func (l *searchLane) name() string { return "search" }

func (l *searchLane) canExecute() (bool, error) {
	needy, err := l.pipelineNeedsRefill()
	if err != nil || !needy {
		return false, err
	}
	n, err := l.store.UnusedKeywordCount()
	if err != nil {
		return false, err
	}
	// A drained queue is not a dead end: execute refills it first.
	return n > 0 || l.keywordBatch > 0, nil
}

// pipelineNeedsRefill counts only the enriched profiles still awaiting a
// qualification decision. Profiles already qualified or further along are
// outreach backlog, not qualifier input, and must not suppress discovery.
func (l *searchLane) pipelineNeedsRefill() (bool, error) {
	n, err := l.store.CountProfiles(pipeline.StateEnriched)
	if err != nil {
		return false, err
	}
	return n < l.minPool, nil
}

func (l *searchLane) execute(ctx context.Context) error {
	keyword, err := l.store.NextKeyword()
	if err != nil {
		return err
	}
	if keyword == "" {
		if err := l.refillKeywords(ctx); err != nil {
			return err
		}
		if keyword, err = l.store.NextKeyword(); err != nil || keyword == "" {
			return err
		}
	}

	logging.Lane("▶ search keyword=%q", keyword)

	results, err := l.exec.SearchProfiles(ctx, keyword, searchResultLimit)
	if err != nil {
		// The keyword stays unused so a failed search replays it.
		return err
	}

	discovered := 0
	for _, r := range results {
		id, err := l.store.CreateDiscovered(r.PublicID, r.URL)
		if err != nil {
			return err
		}
		if id != 0 {
			discovered++
		}
	}
	logging.Lane("Search %q: %d hits, %d new", keyword, len(results), discovered)

	return l.store.MarkKeywordUsed(keyword)
}

// refillKeywords asks the oracle for a fresh batch, excluding everything
// already enqueued.
func (l *searchLane) refillKeywords(ctx context.Context) error {
	used, err := l.store.UsedKeywords()
	if err != nil {
		return err
	}
	fresh, err := l.oracle.GenerateKeywords(ctx, l.keywordBatch, used)
	if err != nil {
		return err
	}
	added, err := l.store.AddKeywords(fresh)
	if err != nil {
		return err
	}
	logging.Lane("Keyword queue refilled: %d new terms", added)
	return nil
}
