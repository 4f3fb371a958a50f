// Package daemon runs the outreach loop: a single sequential worker that
// picks the most-due lane each tick, executes it to completion, and
// reschedules with jitter. Scheduled lanes (connect, check-pending,
// follow-up) own the account's action budget; gap-filling lanes (enrich,
// qualify, then search) soak up the idle time between them.
package daemon

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"prospectd/internal/actions"
	"prospectd/internal/config"
	"prospectd/internal/embedding"
	"prospectd/internal/logging"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
	"prospectd/internal/ratelimit"
	"prospectd/internal/store"
)

// emptyRetryInterval reschedules a scheduled lane that found no work,
// instead of waiting a full base interval.
const emptyRetryInterval = 60 * time.Second

// Daemon wires the lanes to one account's store, model, and browser.
type Daemon struct {
	cfg   *config.Config
	store *store.Store
	qual  *qualifier.Qualifier

	schedules []*laneSchedule
	enrich    lane
	qualify   lane
	search    lane

	hours          workingHours
	minGapInterval time.Duration
	jitterLow      float64
	jitterHigh     float64

	rng   *rand.Rand
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New assembles the daemon. The qualifier should already be warm-started.
func New(
	cfg *config.Config,
	st *store.Store,
	qual *qualifier.Qualifier,
	orc oracle.Oracle,
	embedder embedding.Engine,
	exec actions.Executor,
) (*Daemon, error) {
	hours, err := newWorkingHours(cfg.Schedule.WorkingHoursStart, cfg.Schedule.WorkingHoursEnd)
	if err != nil {
		return nil, err
	}
	actionInterval, err := time.ParseDuration(cfg.Schedule.ActionInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid action_interval: %w", err)
	}
	minGap, err := time.ParseDuration(cfg.Schedule.MinGapInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid min_gap_interval: %w", err)
	}
	recheckInterval := time.Duration(cfg.Schedule.PendingRecheckHours * float64(time.Hour))

	connectLimiter := ratelimit.New("connect", cfg.Limits.ConnectDaily, cfg.Limits.ConnectWeekly)
	followUpLimiter := ratelimit.New("follow-up", cfg.Limits.FollowUpDaily, 0)

	connect := &connectLane{
		store:            st,
		exec:             exec,
		qual:             qual,
		limiter:          connectLimiter,
		followUpExisting: cfg.Campaign.FollowUpExisting,
	}
	checkPending := &checkPendingLane{store: st, exec: exec}
	followUp := &followUpLane{store: st, exec: exec, oracle: orc, limiter: followUpLimiter}

	d := &Daemon{
		cfg:   cfg,
		store: st,
		qual:  qual,
		schedules: []*laneSchedule{
			{lane: connect, baseInterval: actionInterval, priority: 0},
			{lane: checkPending, baseInterval: recheckInterval, priority: 1},
			{lane: followUp, baseInterval: actionInterval, priority: 2},
		},
		enrich:  &enrichLane{store: st, exec: exec},
		qualify: &qualifyLane{store: st, qual: qual, oracle: orc, embedder: embedder},
		search: &searchLane{
			store:        st,
			exec:         exec,
			oracle:       orc,
			minPool:      cfg.Schedule.MinQualifiablePool,
			keywordBatch: cfg.Campaign.KeywordBatchSize,
		},
		hours:          hours,
		minGapInterval: minGap,
		jitterLow:      cfg.Schedule.JitterLow,
		jitterHigh:     cfg.Schedule.JitterHigh,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		now:            time.Now,
		sleep:          sleepCtx,
	}
	return d, nil
}

// sleepCtx blocks for d or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes the loop until the context ends or a fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	now := d.now()
	for _, s := range d.schedules {
		s.nextRun = now // fire immediately on first pass
	}
	logging.Daemon("Daemon started: working hours %s-%s, action interval %s",
		d.cfg.Schedule.WorkingHoursStart, d.cfg.Schedule.WorkingHoursEnd, d.cfg.Schedule.ActionInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.tick(ctx); err != nil {
			// Bare context errors mean the loop's own context ended;
			// wrapped deadlines from lane calls stay recoverable.
			if err == context.Canceled || err == context.DeadlineExceeded {
				return err
			}
			if recoverable(err) {
				logging.Get(logging.CategoryDaemon).Warn("Recoverable lane failure: %v", err)
				continue
			}
			return err
		}
	}
}

// tick makes one scheduling decision and runs at most one lane.
func (d *Daemon) tick(ctx context.Context) error {
	now := d.now()

	// Hard gate: nothing fires outside the active window.
	if !d.hours.contains(now) {
		wait := d.hours.untilNextOpen(now)
		logging.Daemon("Outside working hours, sleeping %s until %02d:%02d",
			wait.Round(time.Minute), d.hours.start.hour(), d.hours.start.minute())
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
		resumed := d.now()
		for _, s := range d.schedules {
			s.nextRun = resumed // fire immediately in the new window
		}
		return nil
	}

	next := soonest(d.schedules)
	gap := next.nextRun.Sub(now)
	if gap < 0 {
		gap = 0
	}

	// Fill the gap with enrich/qualify work, then search when both are
	// idle and the pipeline is running low.
	if gap > d.minGapInterval {
		ran, err := d.fillGap(ctx, gap)
		if err != nil || ran {
			return err
		}
	}

	if gap > 0 {
		logging.DaemonDebug("next: %s in %s", next.lane.name(), gap.Round(time.Second))
		if err := d.sleep(ctx, gap); err != nil {
			return err
		}
	}

	ok, err := next.lane.canExecute()
	if err != nil {
		return err
	}
	if !ok {
		// Nothing to do: retry soon instead of waiting the full interval.
		next.nextRun = d.now().Add(emptyRetryInterval)
		return nil
	}

	err = next.lane.execute(ctx)
	next.reschedule(d.now(), d.rng, d.jitterLow, d.jitterHigh)
	return err
}

// fillGap paces gap-filling work across the remaining time. Returns true
// when a gap lane ran, so the caller re-evaluates the schedule.
func (d *Daemon) fillGap(ctx context.Context, gap time.Duration) (bool, error) {
	toEnrich, err := d.store.CountProfiles(pipeline.StateDiscovered)
	if err != nil {
		return false, err
	}
	toQualify, err := d.store.CountProfiles(pipeline.StateEnriched)
	if err != nil {
		return false, err
	}
	total := toEnrich + toQualify

	if total > 0 {
		wait := gap / time.Duration(total)
		if wait < d.minGapInterval {
			wait = d.minGapInterval
		}
		jitter := d.jitterLow + d.rng.Float64()*(d.jitterHigh-d.jitterLow)
		wait = time.Duration(float64(wait) * jitter)
		if wait > gap {
			wait = gap
		}
		logging.DaemonDebug("gap-fill in %s (gap %s, %d to enrich, %d to qualify)",
			wait.Round(time.Second), gap.Round(time.Second), toEnrich, toQualify)
		if err := d.sleep(ctx, wait); err != nil {
			return false, err
		}

		// Fresh check after the sleep; counts may have changed.
		if ok, err := d.enrich.canExecute(); err != nil {
			return false, err
		} else if ok {
			return true, d.enrich.execute(ctx)
		}
		if ok, err := d.qualify.canExecute(); err != nil {
			return false, err
		} else if ok {
			return true, d.qualify.execute(ctx)
		}
	}

	// Both fillers idle: search only when the pipeline needs refilling.
	if ok, err := d.search.canExecute(); err != nil {
		return false, err
	} else if ok {
		return true, d.search.execute(ctx)
	}
	return false, nil
}

// QualifyBatch drains the qualify lane without the rest of the loop:
// embed what lacks a vector, then decide unlabeled candidates, until no
// work remains or limit invocations ran. Used by the offline CLI path.
func QualifyBatch(
	ctx context.Context,
	st *store.Store,
	qual *qualifier.Qualifier,
	orc oracle.Oracle,
	embedder embedding.Engine,
	limit int,
) (int, error) {
	l := &qualifyLane{store: st, qual: qual, oracle: orc, embedder: embedder}
	ran := 0
	for limit <= 0 || ran < limit {
		ok, err := l.canExecute()
		if err != nil {
			return ran, err
		}
		if !ok {
			break
		}
		if err := l.execute(ctx); err != nil {
			return ran, err
		}
		ran++
	}
	return ran, nil
}
