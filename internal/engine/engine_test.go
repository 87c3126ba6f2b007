package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
	"github.com/commutepulse/commutepulse/internal/trust"
)

// memStorage is an in-memory Storage for engine tests.
type memStorage struct {
	mu         sync.Mutex
	reports    map[string]*model.Report
	failInsert error
}

func newMemStorage() *memStorage {
	return &memStorage{reports: make(map[string]*model.Report)}
}

func (m *memStorage) InsertReport(_ context.Context, r *model.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	cp := *r
	m.reports[r.ID] = &cp
	return nil
}

func (m *memStorage) SetReportState(_ context.Context, reportID string, state model.ModerationState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[reportID]
	if !ok {
		return errors.New("report not found")
	}
	r.State = state
	return nil
}

func (m *memStorage) ReportsSince(_ context.Context, routeID string, since time.Time) ([]model.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Report
	for _, r := range m.reports {
		if r.RouteID == routeID && r.State != model.StateRemoved && !r.SubmittedAt.Before(since) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

// captureSink collects pushed flags.
type captureSink struct {
	mu    sync.Mutex
	flags []model.ModerationFlag
}

func (c *captureSink) Push(_ context.Context, f model.ModerationFlag) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flags = append(c.flags, f)
	return nil
}

func (c *captureSink) last(t *testing.T) model.ModerationFlag {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.flags) == 0 {
		t.Fatal("no flags pushed")
	}
	return c.flags[len(c.flags)-1]
}

// captureListener records summary transitions.
type captureListener struct {
	mu     sync.Mutex
	events []model.Summary
}

func (c *captureListener) OnSummaryChanged(_ model.Route, _, cur model.Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, cur)
}

func (c *captureListener) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func newTestEngine(t *testing.T, ts TrustScorer) (*Engine, *memStorage, *captureSink, time.Time) {
	t.Helper()
	st := newMemStorage()
	sink := &captureSink{}
	e := New([]model.Route{testRoute()}, ts, st, testPolicy())
	e.SetFlagSink(sink)
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, st, sink, now
}

func sub(reporter string, kind model.ReportKind, delay int, at time.Time) Submission {
	return Submission{
		RouteID:      "shuttle-loop",
		ReporterID:   reporter,
		Kind:         kind,
		DelayMinutes: delay,
		StopID:       "roberts-union",
		Timestamp:    at,
	}
}

func TestIngest_ValidationRejects(t *testing.T) {
	e, st, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()

	cases := []struct {
		name   string
		sub    Submission
		reason string
	}{
		{"unknown route", Submission{RouteID: "ghost", ReporterID: "r1", Kind: model.KindArrived, StopID: "roberts-union"}, ReasonUnknownRoute},
		{"unknown stop", Submission{RouteID: "shuttle-loop", ReporterID: "r1", Kind: model.KindArrived, StopID: "nowhere"}, ReasonUnknownStop},
		{"invalid kind", Submission{RouteID: "shuttle-loop", ReporterID: "r1", Kind: "vanished", StopID: "roberts-union"}, ReasonInvalidKind},
		{"late without delay", sub("r1", model.KindLate, 0, now), ReasonMissingDelay},
		{"future timestamp", sub("r1", model.KindArrived, 0, now.Add(10*time.Minute)), ReasonBadTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Ingest(ctx, tc.sub)
			if err != nil {
				t.Fatalf("Ingest: %v", err)
			}
			if res.Outcome != OutcomeRejected || res.Reason != tc.reason {
				t.Errorf("got %s/%s, want rejected/%s", res.Outcome, res.Reason, tc.reason)
			}
		})
	}

	// Rejects leave no trace.
	if n := len(st.reports); n != 0 {
		t.Errorf("store has %d reports after rejects, want 0", n)
	}
	if sum, _ := e.Summary("shuttle-loop"); sum.Status != model.StatusUnknown {
		t.Errorf("summary moved to %s after rejects", sum.Status)
	}
}

func TestIngest_SkewToleranceAccepted(t *testing.T) {
	e, _, _, now := newTestEngine(t, &stubTrust{})

	// One minute ahead is inside the allowed skew.
	res, err := e.Ingest(context.Background(), sub("r1", model.KindArrived, 0, now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Errorf("got %s/%s, want accepted", res.Outcome, res.Reason)
	}
}

func TestIngest_AcceptUpdatesEverything(t *testing.T) {
	ts := &stubTrust{}
	e, st, _, now := newTestEngine(t, ts)

	res, err := e.Ingest(context.Background(), sub("r1", model.KindLate, 12, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeAccepted || res.ReportID == "" {
		t.Fatalf("result: %+v", res)
	}
	if res.Summary.Status != model.StatusDelayed || res.Summary.DelayMinutes != 12 {
		t.Errorf("summary: got %s/%d, want delayed/12", res.Summary.Status, res.Summary.DelayMinutes)
	}

	r, ok := st.reports[res.ReportID]
	if !ok {
		t.Fatal("accepted report not persisted")
	}
	if r.State != model.StateActive {
		t.Errorf("persisted state: got %s, want active", r.State)
	}

	if len(ts.outcomes) != 1 || ts.outcomes[0] != trust.OutcomeAccepted {
		t.Errorf("trust outcomes: got %v, want [accepted]", ts.outcomes)
	}
}

func TestIngest_ZeroTimestampUsesServerClock(t *testing.T) {
	e, st, _, now := newTestEngine(t, &stubTrust{})

	res, err := e.Ingest(context.Background(), sub("r1", model.KindArrived, 0, time.Time{}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("got %s, want accepted", res.Outcome)
	}
	if got := st.reports[res.ReportID].SubmittedAt; !got.Equal(now) {
		t.Errorf("submitted_at: got %v, want server clock %v", got, now)
	}
}

func TestIngest_ExactResubmissionRejected(t *testing.T) {
	e, st, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()
	s := sub("r1", model.KindLate, 12, now.Add(-time.Minute))

	first, err := e.Ingest(ctx, s)
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}
	if first.Outcome != OutcomeAccepted {
		t.Fatalf("first: got %s, want accepted", first.Outcome)
	}

	second, err := e.Ingest(ctx, s)
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Outcome != OutcomeRejected || second.Reason != ReasonDuplicate {
		t.Errorf("second: got %s/%s, want rejected/duplicate", second.Outcome, second.Reason)
	}
	if second.Summary != first.Summary {
		t.Errorf("resubmission changed the summary: %+v -> %+v", first.Summary, second.Summary)
	}
	if n := len(st.reports); n != 1 {
		t.Errorf("store has %d reports, want 1", n)
	}
}

func TestIngest_CooldownDuplicateFlagged(t *testing.T) {
	ts := &stubTrust{}
	e, st, sink, now := newTestEngine(t, ts)
	ctx := context.Background()

	first, err := e.Ingest(ctx, sub("r1", model.KindLate, 12, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("first Ingest: %v", err)
	}

	// Same reporter and kind 30s later: inside the cooldown, flagged.
	second, err := e.Ingest(ctx, sub("r1", model.KindLate, 20, now.Add(-30*time.Second)))
	if err != nil {
		t.Fatalf("second Ingest: %v", err)
	}
	if second.Outcome != OutcomeFlagged || second.Reason != string(model.FlagDuplicate) {
		t.Fatalf("second: got %s/%s, want flagged/duplicate", second.Outcome, second.Reason)
	}

	// The flagged report is quarantined: stored, flagged, summary untouched.
	if second.Summary != first.Summary {
		t.Errorf("flagged report changed the summary: %+v -> %+v", first.Summary, second.Summary)
	}
	if st.reports[second.ReportID].State != model.StateFlagged {
		t.Errorf("persisted state: got %s, want flagged", st.reports[second.ReportID].State)
	}
	f := sink.last(t)
	if f.ReportID != second.ReportID || f.Reason != model.FlagDuplicate {
		t.Errorf("flag: got %+v", f)
	}

	// No trust credit for a quarantined report.
	if len(ts.outcomes) != 1 {
		t.Errorf("trust outcomes: got %v, want only the first accept", ts.outcomes)
	}
}

func TestIngest_LowTrustFlagged(t *testing.T) {
	ts := &stubTrust{weights: map[string]float64{"shady": 0.1}}
	e, _, sink, now := newTestEngine(t, ts)

	res, err := e.Ingest(context.Background(), sub("shady", model.KindNotRunning, 0, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeFlagged || res.Reason != string(model.FlagLowTrust) {
		t.Errorf("got %s/%s, want flagged/low_trust", res.Outcome, res.Reason)
	}
	if f := sink.last(t); f.Reason != model.FlagLowTrust {
		t.Errorf("flag reason: got %s", f.Reason)
	}
}

func TestIngest_RateLimitFlagsSpam(t *testing.T) {
	e, _, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()

	// Distinct kinds and stops dodge the duplicate heuristics; the burst of 3
	// runs out on the fourth submission.
	kinds := []model.ReportKind{model.KindArrived, model.KindFull, model.KindSkipped, model.KindNotRunning}
	stops := []string{"roberts-union", "dana-hall", "concourse", "roberts-union"}
	var last Result
	for i, k := range kinds {
		s := sub("eager", k, 0, now.Add(-time.Duration(i+1)*time.Minute))
		s.StopID = stops[i]
		var err error
		last, err = e.Ingest(ctx, s)
		if err != nil {
			t.Fatalf("Ingest #%d: %v", i, err)
		}
	}
	if last.Outcome != OutcomeFlagged || last.Reason != string(model.FlagSpam) {
		t.Errorf("fourth submission: got %s/%s, want flagged/spam", last.Outcome, last.Reason)
	}
}

func TestApplyDecision_RemoveRetracts(t *testing.T) {
	ts := &stubTrust{}
	e, st, sink, now := newTestEngine(t, ts)
	ctx := context.Background()

	// Accept one on-time report, then flag a duplicate late pair.
	if _, err := e.Ingest(ctx, sub("r1", model.KindLate, 25, now.Add(-2*time.Minute))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	flagRes, err := e.Ingest(ctx, sub("r1", model.KindLate, 25, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if flagRes.Outcome != OutcomeFlagged {
		t.Fatalf("setup: got %s, want flagged", flagRes.Outcome)
	}

	f := sink.last(t)
	if err := e.ApplyDecision(ctx, f, model.DecisionRemove); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if st.reports[f.ReportID].State != model.StateRemoved {
		t.Errorf("report state: got %s, want removed", st.reports[f.ReportID].State)
	}
	if got := ts.outcomes[len(ts.outcomes)-1]; got != trust.OutcomeFlaggedRemoved {
		t.Errorf("trust outcome: got %s, want flagged-removed", got)
	}

	// The removed report contributes nothing from now on.
	sum, _ := e.Summary("shuttle-loop")
	if sum.ReportCount != 1 {
		t.Errorf("report count after removal: got %d, want 1", sum.ReportCount)
	}
}

func TestApplyDecision_KeepRestores(t *testing.T) {
	ts := &stubTrust{weights: map[string]float64{"shady": 0.1}}
	e, st, sink, now := newTestEngine(t, ts)
	ctx := context.Background()

	res, err := e.Ingest(ctx, sub("shady", model.KindNotRunning, 0, now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Outcome != OutcomeFlagged {
		t.Fatalf("setup: got %s, want flagged", res.Outcome)
	}

	f := sink.last(t)
	if err := e.ApplyDecision(ctx, f, model.DecisionKeep); err != nil {
		t.Fatalf("ApplyDecision: %v", err)
	}
	if st.reports[f.ReportID].State != model.StateActive {
		t.Errorf("report state: got %s, want active", st.reports[f.ReportID].State)
	}

	// The kept report now carries weight: sole report, all mass not-running.
	sum, _ := e.Summary("shuttle-loop")
	if sum.Status != model.StatusNotRunning {
		t.Errorf("status after keep: got %s, want not-running", sum.Status)
	}
	if got := ts.outcomes[len(ts.outcomes)-1]; got != trust.OutcomeFlaggedKept {
		t.Errorf("trust outcome: got %s, want flagged-kept", got)
	}
}

func TestIngest_StoreFailureSurfaces(t *testing.T) {
	e, st, _, now := newTestEngine(t, &stubTrust{})
	st.failInsert = errors.New("disk full")

	_, err := e.Ingest(context.Background(), sub("r1", model.KindArrived, 0, now))
	if err == nil {
		t.Fatal("Ingest swallowed the store failure")
	}
	if sum, _ := e.Summary("shuttle-loop"); sum.Status != model.StatusUnknown {
		t.Errorf("summary moved to %s despite failed write", sum.Status)
	}
}

func TestWarm_RebuildsFromStore(t *testing.T) {
	st := newMemStorage()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	for _, rep := range []model.Report{
		report("a", "r1", model.KindLate, 10, now.Add(-5*time.Minute)),
		report("b", "r2", model.KindLate, 10, now.Add(-4*time.Minute)),
	} {
		cp := rep
		st.reports[cp.ID] = &cp
	}

	e := New([]model.Route{testRoute()}, &stubTrust{}, st, testPolicy())
	e.now = func() time.Time { return now }
	if err := e.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}

	sum, _ := e.Summary("shuttle-loop")
	if sum.Status != model.StatusDelayed || sum.DelayMinutes != 10 {
		t.Errorf("warmed summary: got %s/%d, want delayed/10", sum.Status, sum.DelayMinutes)
	}
}

func TestRefresh_AgesSummary(t *testing.T) {
	e, _, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()

	if _, err := e.Ingest(ctx, sub("r1", model.KindLate, 15, now.Add(-time.Minute))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	before, _ := e.Summary("shuttle-loop")

	// Jump past the window: the report ages out, status holds at the floor.
	later := now.Add(time.Hour)
	e.now = func() time.Time { return later }
	after, ok := e.Refresh("shuttle-loop")
	if !ok {
		t.Fatal("Refresh: route missing")
	}
	if after.Status != model.StatusDelayed {
		t.Errorf("status after aging: got %s, want delayed fallback", after.Status)
	}
	if after.Confidence >= before.Confidence {
		t.Errorf("confidence did not drop: %v -> %v", before.Confidence, after.Confidence)
	}
	if after.ReportCount != 0 {
		t.Errorf("report count: got %d, want 0", after.ReportCount)
	}
}

func TestNotify_ListenersFireOnChangeOnly(t *testing.T) {
	e, _, _, now := newTestEngine(t, &stubTrust{})
	lis := &captureListener{}
	e.AddListener(lis)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, sub("r1", model.KindNotRunning, 0, now.Add(-time.Minute))); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if lis.count() == 0 {
		t.Fatal("listener not notified of status change")
	}
	n := lis.count()

	// Refresh at the same instant changes nothing, so nothing fires.
	e.Refresh("shuttle-loop")
	if lis.count() != n {
		t.Errorf("listener fired on a no-op refresh")
	}
}

func TestBoardAndRoutes_Ordered(t *testing.T) {
	routes := []model.Route{
		{ID: "zz", Name: "Z", Category: model.CategoryCityBus, Stops: []string{"a"}},
		{ID: "aa", Name: "A", Category: model.CategoryShuttle, Stops: []string{"a"}},
	}
	e := New(routes, &stubTrust{}, newMemStorage(), testPolicy())

	board := e.Board()
	if len(board) != 2 || board[0].RouteID != "aa" || board[1].RouteID != "zz" {
		t.Errorf("board order: got %+v", board)
	}
	got := e.Routes()
	if got[0].ID != "aa" || got[1].ID != "zz" {
		t.Errorf("routes order: got %+v", got)
	}
}

func TestRecentReports(t *testing.T) {
	e, _, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		s := sub("r"+string(rune('1'+i)), model.KindArrived, 0, now.Add(-time.Duration(i+1)*time.Minute))
		if _, err := e.Ingest(ctx, s); err != nil {
			t.Fatalf("Ingest #%d: %v", i, err)
		}
	}

	recent := e.RecentReports("shuttle-loop", 2)
	if len(recent) != 2 {
		t.Fatalf("got %d reports, want 2", len(recent))
	}
	if !recent[0].SubmittedAt.After(recent[1].SubmittedAt) {
		t.Errorf("reports not newest first: %v then %v", recent[0].SubmittedAt, recent[1].SubmittedAt)
	}
	if e.RecentReports("ghost", 5) != nil {
		t.Error("unknown route returned reports")
	}
}

func TestIngest_ConcurrentReporters(t *testing.T) {
	e, st, _, now := newTestEngine(t, &stubTrust{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := sub("rider-"+string(rune('a'+i)), model.KindArrived, 0, now.Add(-time.Duration(i+1)*time.Second))
			if _, err := e.Ingest(ctx, s); err != nil {
				t.Errorf("Ingest: %v", err)
			}
		}(i)
	}
	wg.Wait()

	sum, _ := e.Summary("shuttle-loop")
	if sum.ReportCount != 16 {
		t.Errorf("report count: got %d, want 16", sum.ReportCount)
	}
	if len(st.reports) != 16 {
		t.Errorf("store count: got %d, want 16", len(st.reports))
	}
}
