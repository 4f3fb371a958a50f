package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"prospectd/internal/actions"
	"prospectd/internal/config"
	"prospectd/internal/embedding"
	"prospectd/internal/oracle"
	"prospectd/internal/pipeline"
	"prospectd/internal/qualifier"
	"prospectd/internal/ratelimit"
	"prospectd/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// go.opencensus.io (pulled in transitively) starts this worker in
		// package init; it can never be stopped, so it is not a test leak.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeExec struct {
	status        map[string]actions.ConnectionStatus
	inviteErr     error
	invites       []string
	messages      []string
	searchResults []actions.DiscoveredProfile
	searches      []string
}

func (f *fakeExec) SearchProfiles(_ context.Context, keyword string, _ int) ([]actions.DiscoveredProfile, error) {
	f.searches = append(f.searches, keyword)
	return f.searchResults, nil
}

func (f *fakeExec) FetchProfile(_ context.Context, url string) (json.RawMessage, error) {
	return json.RawMessage(`{"name":"Test Person","headline":"CTO"}`), nil
}

func (f *fakeExec) ConnectionStatus(_ context.Context, url string) (actions.ConnectionStatus, error) {
	if s, ok := f.status[url]; ok {
		return s, nil
	}
	return actions.StatusNone, nil
}

func (f *fakeExec) SendInvite(_ context.Context, url string) error {
	if f.inviteErr != nil {
		return f.inviteErr
	}
	f.invites = append(f.invites, url)
	return nil
}

func (f *fakeExec) SendMessage(_ context.Context, url, message string) error {
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeExec) Close() error { return nil }

type fakeOracle struct {
	qualifyCalls int
	decision     oracle.Decision
	qualifyErr   error
	keywords     []string
	message      string
}

func (f *fakeOracle) QualifyProfile(context.Context, string) (oracle.Decision, error) {
	f.qualifyCalls++
	if f.qualifyErr != nil {
		return oracle.Decision{}, f.qualifyErr
	}
	return f.decision, nil
}

func (f *fakeOracle) GenerateKeywords(context.Context, int, []string) ([]string, error) {
	return f.keywords, nil
}

func (f *fakeOracle) ComposeFollowUp(context.Context, map[string]interface{}) (string, error) {
	return f.message, nil
}

type fakeEngine struct {
	dims     int
	embedErr error
}

func (f *fakeEngine) Embed(_ context.Context, text string) ([]float32, error) {
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	vec := make([]float32, f.dims)
	for i, r := range text {
		vec[i%f.dims] += float32(r%13) / 13
	}
	return vec, nil
}

func (f *fakeEngine) Dimensions() int { return f.dims }
func (f *fakeEngine) Name() string    { return "fake" }

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newDaemonStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "prospectd.db"), 24)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestQualifier() *qualifier.Qualifier {
	return qualifier.New(config.QualifierConfig{
		EntropyThreshold: 0.3,
		StdCeiling:       0.8,
		AcceptProb:       0.8,
		MCSamples:        200,
		PCADims:          []int{2, 4},
		Seed:             42,
	}, "")
}

// seedQualified inserts a profile and walks it to the qualified stage.
func seedQualified(t *testing.T, s *store.Store, publicID string) store.Profile {
	t.Helper()
	_, err := s.CreateDiscovered(publicID, "https://example.com/in/"+publicID+"/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment(publicID, json.RawMessage(`{"name":"`+publicID+`"}`)))
	require.NoError(t, s.PromoteToOutreach(publicID))
	p, err := s.GetProfile(publicID)
	require.NoError(t, err)
	return *p
}

func point(positive bool, i int) []float32 {
	v := make([]float32, 8)
	center := float32(-3)
	if positive {
		center = 3
	}
	v[0] = center + float32(i%3)*0.1
	v[1] = float32(i%2) * 0.05
	return v
}

// ---------------------------------------------------------------------------
// Scheduler mechanics
// ---------------------------------------------------------------------------

func TestRescheduleJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	base := 120 * time.Second
	s := &laneSchedule{baseInterval: base}
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 1000; i++ {
		s.reschedule(now, rng, 0.8, 1.2)
		delta := s.nextRun.Sub(now)
		assert.GreaterOrEqual(t, delta, time.Duration(0.8*float64(base)))
		assert.LessOrEqual(t, delta, time.Duration(1.2*float64(base)))
	}
}

func TestSoonestTieBreaksByPriority(t *testing.T) {
	at := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	connect := &laneSchedule{priority: 0, nextRun: at, lane: &enrichLane{}}
	checkPending := &laneSchedule{priority: 1, nextRun: at, lane: &enrichLane{}}
	followUp := &laneSchedule{priority: 2, nextRun: at, lane: &enrichLane{}}

	// Order in the slice must not matter.
	got := soonest([]*laneSchedule{followUp, checkPending, connect})
	assert.Same(t, connect, got)

	// An earlier next_run beats priority.
	followUp.nextRun = at.Add(-time.Second)
	got = soonest([]*laneSchedule{connect, checkPending, followUp})
	assert.Same(t, followUp, got)
}

func TestWorkingHours(t *testing.T) {
	w, err := newWorkingHours("09:00", "18:00")
	require.NoError(t, err)

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.False(t, w.contains(day.Add(8*time.Hour+59*time.Minute)))
	assert.True(t, w.contains(day.Add(9*time.Hour)))
	assert.True(t, w.contains(day.Add(17*time.Hour+59*time.Minute)))
	assert.False(t, w.contains(day.Add(18*time.Hour)))

	// 23:30 -> 09:00 next day.
	assert.Equal(t, 9*time.Hour+30*time.Minute, w.untilNextOpen(day.Add(23*time.Hour+30*time.Minute)))
	// 06:00 -> 09:00 same day.
	assert.Equal(t, 3*time.Hour, w.untilNextOpen(day.Add(6*time.Hour)))

	disabled, err := newWorkingHours("", "")
	require.NoError(t, err)
	assert.True(t, disabled.contains(day.Add(3*time.Hour)))

	_, err = newWorkingHours("18:00", "09:00")
	assert.Error(t, err)
}

// ---------------------------------------------------------------------------
// Qualify lane end-to-end
// ---------------------------------------------------------------------------

func TestQualifyColdStartRoutesEverythingToOracle(t *testing.T) {
	s := newDaemonStore(t)
	orc := &fakeOracle{decision: oracle.Decision{Qualified: true, Reason: "great fit"}}
	l := &qualifyLane{store: s, qual: newTestQualifier(), oracle: orc, embedder: &fakeEngine{dims: 8}}

	for i, pid := range []string{"first", "second"} {
		id, err := s.CreateDiscovered(pid, "https://example.com/in/"+pid+"/")
		require.NoError(t, err)
		require.NoError(t, s.SaveEnrichment(pid, json.RawMessage(`{"headline":"VP Sales"}`)))
		require.NoError(t, s.StoreEmbedding(id, pid, point(true, i)))
	}

	// First profile: no labels at all, oracle decides.
	require.NoError(t, l.execute(context.Background()))
	assert.Equal(t, 1, orc.qualifyCalls)
	st, err := s.GetState("first")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateQualified, st)

	// Second profile: one label, single class, still the oracle.
	require.NoError(t, l.execute(context.Background()))
	assert.Equal(t, 2, orc.qualifyCalls)

	pos, neg, err := s.CountLabels()
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, 0, neg)
}

func TestQualifyAutoAcceptsWithoutOracle(t *testing.T) {
	s := newDaemonStore(t)
	q := newTestQualifier()
	orc := &fakeOracle{decision: oracle.Decision{Qualified: false, Reason: "should not be asked"}}
	l := &qualifyLane{store: s, qual: q, oracle: orc, embedder: &fakeEngine{dims: 8}}

	// 3 positive and 5 negative historical labels.
	labels := []bool{true, true, true, false, false, false, false, false}
	for i, accept := range labels {
		pid := "seed-" + string(rune('a'+i))
		id, err := s.CreateDiscovered(pid, "https://example.com/in/"+pid+"/")
		require.NoError(t, err)
		require.NoError(t, s.SaveEnrichment(pid, json.RawMessage(`{"x":1}`)))
		emb := point(accept, i)
		require.NoError(t, s.StoreEmbedding(id, pid, emb))
		require.NoError(t, s.StoreLabel(id, accept, "oracle", "seed"))
		require.NoError(t, q.AddLabel(emb, accept))
		if accept {
			require.NoError(t, s.PromoteToOutreach(pid))
		} else {
			require.NoError(t, s.Disqualify(pid, "seed"))
		}
	}

	// A candidate deep inside the positive cluster.
	id, err := s.CreateDiscovered("obvious", "https://example.com/in/obvious/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment("obvious", json.RawMessage(`{"x":1}`)))
	require.NoError(t, s.StoreEmbedding(id, "obvious", point(true, 50)))

	require.NoError(t, l.execute(context.Background()))

	assert.Zero(t, orc.qualifyCalls, "a confident model must not call the oracle")
	st, err := s.GetState("obvious")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateQualified, st)

	reason, err := s.QualificationReason("obvious")
	require.NoError(t, err)
	assert.Contains(t, reason, "auto-accept")
}

func TestQualifyEmbedsBeforeDeciding(t *testing.T) {
	s := newDaemonStore(t)
	orc := &fakeOracle{decision: oracle.Decision{Qualified: true, Reason: "ok"}}
	l := &qualifyLane{store: s, qual: newTestQualifier(), oracle: orc, embedder: &fakeEngine{dims: 8}}

	id, err := s.CreateDiscovered("fresh", "https://example.com/in/fresh/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment("fresh", json.RawMessage(`{"headline":"Founder"}`)))

	// First invocation embeds, second decides.
	require.NoError(t, l.execute(context.Background()))
	has, err := s.HasEmbedding(id)
	require.NoError(t, err)
	assert.True(t, has)
	assert.Zero(t, orc.qualifyCalls)

	require.NoError(t, l.execute(context.Background()))
	assert.Equal(t, 1, orc.qualifyCalls)
}

func TestQualifySurvivesOracleOutage(t *testing.T) {
	s := newDaemonStore(t)
	orc := &fakeOracle{qualifyErr: fmt.Errorf("%w: upstream 500", oracle.ErrUnavailable)}
	l := &qualifyLane{store: s, qual: newTestQualifier(), oracle: orc, embedder: &fakeEngine{dims: 8}}

	id, err := s.CreateDiscovered("patient", "https://example.com/in/patient/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment("patient", json.RawMessage(`{"headline":"CFO"}`)))
	require.NoError(t, s.StoreEmbedding(id, "patient", point(true, 0)))

	err = l.execute(context.Background())
	require.Error(t, err)
	assert.True(t, recoverable(err), "an oracle outage must not take the daemon down")

	// The candidate stays undecided and is retried next tick.
	st, err := s.GetState("patient")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateEnriched, st)
	unlabeled, err := s.UnlabeledCandidates()
	require.NoError(t, err)
	assert.Len(t, unlabeled, 1)
}

func TestQualifySurvivesEmbeddingOutage(t *testing.T) {
	s := newDaemonStore(t)
	eng := &fakeEngine{dims: 8, embedErr: fmt.Errorf("%w: connection refused", embedding.ErrUnavailable)}
	l := &qualifyLane{store: s, qual: newTestQualifier(), oracle: &fakeOracle{}, embedder: eng}

	id, err := s.CreateDiscovered("later", "https://example.com/in/later/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment("later", json.RawMessage(`{"headline":"COO"}`)))

	err = l.execute(context.Background())
	require.Error(t, err)
	assert.True(t, recoverable(err), "an embedding outage must not take the daemon down")

	has, err := s.HasEmbedding(id)
	require.NoError(t, err)
	assert.False(t, has)
}

// ---------------------------------------------------------------------------
// Connect lane
// ---------------------------------------------------------------------------

func TestConnectSendsInviteAndRecords(t *testing.T) {
	s := newDaemonStore(t)
	exec := &fakeExec{}
	limiter := ratelimit.New("connect", 5, 0)
	l := &connectLane{store: s, exec: exec, qual: newTestQualifier(), limiter: limiter}

	p := seedQualified(t, s, "target")
	require.NoError(t, l.execute(context.Background()))

	assert.Equal(t, []string{p.URL}, exec.invites)
	st, err := s.GetState("target")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatePending, st)

	b, err := s.GetBackoff("target")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.InDelta(t, 24.0, b.Hours, 1e-9)
}

func TestConnectRemoteLimitExhaustsDay(t *testing.T) {
	s := newDaemonStore(t)
	exec := &fakeExec{inviteErr: actions.ErrRateLimited}
	limiter := ratelimit.New("connect", 5, 0)
	l := &connectLane{store: s, exec: exec, qual: newTestQualifier(), limiter: limiter}

	seedQualified(t, s, "vetoed")
	require.NoError(t, l.execute(context.Background()))

	assert.False(t, limiter.CanExecute(), "remote veto must exhaust the day")
	ok, err := l.canExecute()
	require.NoError(t, err)
	assert.False(t, ok)

	// The profile stays qualified for a later day.
	st, err := s.GetState("vetoed")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateQualified, st)
}

func TestConnectPreexistingRelationship(t *testing.T) {
	s := newDaemonStore(t)
	p := seedQualified(t, s, "old-friend")
	exec := &fakeExec{status: map[string]actions.ConnectionStatus{
		p.URL: actions.StatusConnected,
	}}
	l := &connectLane{store: s, exec: exec, qual: newTestQualifier(),
		limiter: ratelimit.New("connect", 5, 0), followUpExisting: true}

	require.NoError(t, l.execute(context.Background()))
	st, err := s.GetState("old-friend")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConnected, st)
	assert.Empty(t, exec.invites)
}

// ---------------------------------------------------------------------------
// Check-pending lane
// ---------------------------------------------------------------------------

func TestCheckPendingDoublesBackoff(t *testing.T) {
	clock := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s, err := store.New(filepath.Join(t.TempDir(), "prospectd.db"), 24,
		store.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
	defer s.Close()

	p := seedQualified(t, s, "slow")
	_, err = s.SetState("slow", pipeline.StatePending)
	require.NoError(t, err)

	exec := &fakeExec{status: map[string]actions.ConnectionStatus{}}
	l := &checkPendingLane{store: s, exec: exec}

	// Inside the backoff window there is nothing to do.
	ok, err := l.canExecute()
	require.NoError(t, err)
	assert.False(t, ok)

	// 24h -> 48h -> 96h across two no-accept observations.
	for _, want := range []float64{48, 96} {
		clock = clock.Add(time.Duration(want/2)*time.Hour + time.Minute)
		ok, err = l.canExecute()
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, l.execute(context.Background()))

		b, err := s.GetBackoff("slow")
		require.NoError(t, err)
		require.NotNil(t, b)
		assert.InDelta(t, want, b.Hours, 1e-9)
	}

	// Acceptance promotes and clears the backoff.
	exec.status[p.URL] = actions.StatusConnected
	clock = clock.Add(97 * time.Hour)
	require.NoError(t, l.execute(context.Background()))
	st, err := s.GetState("slow")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateConnected, st)
	b, err := s.GetBackoff("slow")
	require.NoError(t, err)
	assert.Nil(t, b)
}

// ---------------------------------------------------------------------------
// Follow-up lane
// ---------------------------------------------------------------------------

func TestFollowUpCompletesDeal(t *testing.T) {
	s := newDaemonStore(t)
	seedQualified(t, s, "friendly")
	_, err := s.SetState("friendly", pipeline.StatePending)
	require.NoError(t, err)
	_, err = s.SetState("friendly", pipeline.StateConnected)
	require.NoError(t, err)

	exec := &fakeExec{}
	orc := &fakeOracle{message: "Thanks for connecting!\nhttps://cal.example/me"}
	limiter := ratelimit.New("follow-up", 3, 0)
	l := &followUpLane{store: s, exec: exec, oracle: orc, limiter: limiter}

	ok, err := l.canExecute()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.execute(context.Background()))

	assert.Equal(t, []string{"Thanks for connecting!\nhttps://cal.example/me"}, exec.messages)
	st, err := s.GetState("friendly")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateCompleted, st)

	// The send was recorded against the daily budget.
	limiter.Record()
	limiter.Record()
	assert.False(t, limiter.CanExecute())
}

// ---------------------------------------------------------------------------
// Search lane
// ---------------------------------------------------------------------------

func TestSearchRefillsAndDiscovers(t *testing.T) {
	s := newDaemonStore(t)
	exec := &fakeExec{searchResults: []actions.DiscoveredProfile{
		{PublicID: "hit-one", URL: "https://example.com/in/hit-one/"},
		{PublicID: "hit-two", URL: "https://example.com/in/hit-two/"},
	}}
	orc := &fakeOracle{keywords: []string{"fintech cto", "saas founder"}}
	l := &searchLane{store: s, exec: exec, oracle: orc, minPool: 50, keywordBatch: 10}

	// Empty pipeline, empty queue: the lane can still run via refill.
	ok, err := l.canExecute()
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.execute(context.Background()))
	assert.Equal(t, []string{"fintech cto"}, exec.searches)

	n, err := s.CountProfiles(pipeline.StateDiscovered)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The consumed keyword does not replay.
	require.NoError(t, l.execute(context.Background()))
	assert.Equal(t, []string{"fintech cto", "saas founder"}, exec.searches)
}

func TestSearchGatedByPipelinePool(t *testing.T) {
	s := newDaemonStore(t)
	l := &searchLane{store: s, exec: &fakeExec{}, oracle: &fakeOracle{}, minPool: 1, keywordBatch: 10}

	// One enriched profile awaits qualification: the floor is met, no search.
	_, err := s.CreateDiscovered("enough", "https://example.com/in/enough/")
	require.NoError(t, err)
	require.NoError(t, s.SaveEnrichment("enough", json.RawMessage(`{"name":"enough"}`)))
	ok, err := l.canExecute()
	require.NoError(t, err)
	assert.False(t, ok)

	// Once qualified it is outreach backlog, not qualifier input, so the
	// search lane wakes up again to refill the pool.
	require.NoError(t, s.PromoteToOutreach("enough"))
	ok, err = l.canExecute()
	require.NoError(t, err)
	assert.True(t, ok)
}

// ---------------------------------------------------------------------------
// Daemon tick
// ---------------------------------------------------------------------------

func testDaemonConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Schedule.WorkingHoursStart = ""
	cfg.Schedule.WorkingHoursEnd = ""
	return cfg
}

func TestTickEmptyRetryShortensWait(t *testing.T) {
	cfg := testDaemonConfig(t)
	s := newDaemonStore(t)
	d, err := New(cfg, s, newTestQualifier(), &fakeOracle{}, &fakeEngine{dims: 8}, &fakeExec{})
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.sleep = func(context.Context, time.Duration) error { return nil }
	for _, sch := range d.schedules {
		sch.nextRun = now.Add(time.Hour)
	}
	connect := d.schedules[0]
	connect.nextRun = now

	require.NoError(t, d.tick(context.Background()))

	assert.Equal(t, now.Add(emptyRetryInterval), connect.nextRun,
		"an idle scheduled lane retries in a minute, not a full interval")
}

func TestTickRunsGapFiller(t *testing.T) {
	cfg := testDaemonConfig(t)
	s := newDaemonStore(t)
	exec := &fakeExec{}
	d, err := New(cfg, s, newTestQualifier(), &fakeOracle{}, &fakeEngine{dims: 8}, exec)
	require.NoError(t, err)

	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.sleep = func(context.Context, time.Duration) error { return nil }

	_, err = s.CreateDiscovered("waiting", "https://example.com/in/waiting/")
	require.NoError(t, err)
	for _, sch := range d.schedules {
		sch.nextRun = now.Add(time.Hour)
	}

	require.NoError(t, d.tick(context.Background()))

	st, err := s.GetState("waiting")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateEnriched, st, "the gap filler enriches while scheduled lanes wait")
}

func TestTickBlocksOutsideWorkingHours(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Schedule.WorkingHoursStart = "09:00"
	cfg.Schedule.WorkingHoursEnd = "18:00"
	s := newDaemonStore(t)
	d, err := New(cfg, s, newTestQualifier(), &fakeOracle{}, &fakeEngine{dims: 8}, &fakeExec{})
	require.NoError(t, err)

	night := time.Date(2025, 3, 10, 23, 0, 0, 0, time.UTC)
	var slept time.Duration
	d.now = func() time.Time { return night }
	d.sleep = func(_ context.Context, dur time.Duration) error {
		slept = dur
		return nil
	}

	require.NoError(t, d.tick(context.Background()))
	assert.Equal(t, 10*time.Hour, slept, "23:00 sleeps until 09:00")
}

func TestRecoverableErrorSet(t *testing.T) {
	wrapped := fmt.Errorf("invite: %w", actions.ErrRateLimited)
	assert.True(t, recoverable(wrapped))
	assert.True(t, recoverable(context.DeadlineExceeded))
	assert.True(t, recoverable(actions.ErrAuthExpired))
	assert.True(t, recoverable(&pipeline.IllegalTransitionError{
		From: pipeline.StateCompleted, To: pipeline.StatePending,
	}))
	assert.True(t, recoverable(fmt.Errorf("%w: upstream 500", oracle.ErrUnavailable)))
	assert.True(t, recoverable(fmt.Errorf("%w: connection refused", embedding.ErrUnavailable)))
	assert.False(t, recoverable(fmt.Errorf("disk full")))
	assert.False(t, recoverable(context.Canceled))
}
