package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/commutepulse/commutepulse/internal/model"
	"github.com/commutepulse/commutepulse/internal/trust"
)

// Policy holds the ingestion and aggregation knobs. It is swapped atomically
// on config hot-reload; a copy is taken at the start of each operation.
type Policy struct {
	Window                  time.Duration
	NotRunningWindow        time.Duration
	ClockSkew               time.Duration
	DuplicateCooldown       time.Duration
	SpamTrustThreshold      float64
	NotRunningMassThreshold float64
	LateMassThreshold       float64
	DensityMedium           int
	RateEvery               time.Duration
	RateBurst               int
	ConfidenceFloor         float64
}

// Outcome classifies the result of one ingestion attempt.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeFlagged  Outcome = "flagged"
	OutcomeRejected Outcome = "rejected"
)

// Reject reason codes returned to the submitting client.
const (
	ReasonUnknownRoute = "unknown_route"
	ReasonUnknownStop  = "unknown_stop"
	ReasonInvalidKind  = "invalid_kind"
	ReasonMissingDelay = "missing_delay"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonDuplicate    = "duplicate"
)

// Submission is one rider report as received from the report wizard.
type Submission struct {
	RouteID      string           `json:"route_id"`
	ReporterID   string           `json:"reporter_id"`
	Kind         model.ReportKind `json:"kind"`
	DelayMinutes int              `json:"delay_minutes,omitempty"`
	StopID       string           `json:"stop_id"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Result is the ingestion verdict handed back to the client.
type Result struct {
	Outcome  Outcome       `json:"outcome"`
	Reason   string        `json:"reason,omitempty"` // reject reason or flag reason
	ReportID string        `json:"report_id,omitempty"`
	Summary  model.Summary `json:"summary"`
}

// Storage is the slice of the store the engine writes through to. Every
// durable write happens before the corresponding in-memory mutation, so a
// route summary is always derivable from durable state.
type Storage interface {
	InsertReport(ctx context.Context, r *model.Report) error
	SetReportState(ctx context.Context, reportID string, state model.ModerationState) error
	ReportsSince(ctx context.Context, routeID string, since time.Time) ([]model.Report, error)
}

// TrustScorer is the reputation model consulted during ingestion and
// notified of outcomes.
type TrustScorer interface {
	TrustOf(reporterID string) float64
	RecordOutcome(ctx context.Context, reporterID string, outcome trust.Outcome) error
}

// FlagSink receives newly raised moderation flags (the moderation queue).
type FlagSink interface {
	Push(ctx context.Context, f model.ModerationFlag) error
}

// SummaryListener is notified after a route's summary changed. Listeners
// must return quickly; slow work (delivery, persistence) belongs behind a
// queue on the listener's side.
type SummaryListener interface {
	OnSummaryChanged(route model.Route, prev, cur model.Summary)
}

// routeState is one route's consistency unit: its report log and current
// summary, guarded by a single mutex. Different routes never share state,
// so two routes ingest in parallel without lock-ordering hazards.
type routeState struct {
	mu      sync.Mutex
	route   model.Route
	stopSet map[string]struct{}
	log     []model.Report
	summary model.Summary
}

// Engine is the report aggregation core: it validates and admits reports,
// maintains per-route report logs, and recomputes route summaries.
type Engine struct {
	routes map[string]*routeState
	order  []string // route IDs, sorted, for stable listings

	trust     TrustScorer
	store     Storage
	flags     FlagSink
	listeners []SummaryListener

	policy atomic.Pointer[Policy]

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time // injectable for deterministic tests
}

// New creates an Engine for the cataloged routes. Flag sink and listeners
// are wired afterwards, before the first ingestion.
func New(routes []model.Route, ts TrustScorer, st Storage, policy Policy) *Engine {
	e := &Engine{
		routes:   make(map[string]*routeState, len(routes)),
		trust:    ts,
		store:    st,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
	e.policy.Store(&policy)

	for _, r := range routes {
		stopSet := make(map[string]struct{}, len(r.Stops))
		for _, s := range r.Stops {
			stopSet[s] = struct{}{}
		}
		e.routes[r.ID] = &routeState{
			route:   r,
			stopSet: stopSet,
			summary: model.Summary{
				RouteID:    r.ID,
				Status:     model.StatusUnknown,
				Confidence: policy.ConfidenceFloor,
			},
		}
		e.order = append(e.order, r.ID)
	}
	sort.Strings(e.order)
	return e
}

// SetFlagSink wires the moderation queue. Must be called before serving.
func (e *Engine) SetFlagSink(fs FlagSink) { e.flags = fs }

// AddListener registers a summary-change listener. Must be called before serving.
func (e *Engine) AddListener(l SummaryListener) { e.listeners = append(e.listeners, l) }

// SetPolicy swaps the active policy (config hot-reload). Per-reporter rate
// limiters are rebuilt lazily with the new rate.
func (e *Engine) SetPolicy(p Policy) {
	e.policy.Store(&p)
	e.limMu.Lock()
	e.limiters = make(map[string]*rate.Limiter)
	e.limMu.Unlock()
	slog.Info("engine: policy updated", "window", p.Window, "late_mass", p.LateMassThreshold)
}

// Warm rebuilds the in-memory report logs from durable state, then computes
// an initial summary per route. Called once at boot, before serving.
func (e *Engine) Warm(ctx context.Context) error {
	p := *e.policy.Load()
	since := e.now().Add(-p.NotRunningWindow)

	for _, id := range e.order {
		rs := e.routes[id]
		reports, err := e.store.ReportsSince(ctx, id, since)
		if err != nil {
			return fmt.Errorf("engine: warm route %s: %w", id, err)
		}
		rs.mu.Lock()
		rs.log = reports
		prev := rs.summary
		rs.summary = summarize(rs, &p, e.trust, e.now())
		rs.mu.Unlock()
		_ = prev // no listeners are wired during warm-up
	}
	slog.Info("engine: warmed from store", "routes", len(e.order))
	return nil
}

// Ingest validates and admits one report. The whole path — validation,
// heuristics, durable write, log append, recompute — runs under the target
// route's lock; routes are independent.
func (e *Engine) Ingest(ctx context.Context, sub Submission) (Result, error) {
	p := *e.policy.Load()
	now := e.now()

	rs, ok := e.routes[sub.RouteID]
	if !ok {
		return Result{Outcome: OutcomeRejected, Reason: ReasonUnknownRoute}, nil
	}

	// Validation rejects mutate nothing.
	if _, ok := rs.stopSet[sub.StopID]; !ok {
		return e.reject(rs, ReasonUnknownStop), nil
	}
	if !model.ValidKind(sub.Kind) {
		return e.reject(rs, ReasonInvalidKind), nil
	}
	if sub.Kind == model.KindLate && sub.DelayMinutes <= 0 {
		return e.reject(rs, ReasonMissingDelay), nil
	}
	ts := sub.Timestamp
	if ts.IsZero() {
		ts = now
	}
	if ts.After(now.Add(p.ClockSkew)) {
		return e.reject(rs, ReasonBadTimestamp), nil
	}

	rs.mu.Lock()

	// Idempotence: an exact resubmission of an already-admitted payload is
	// rejected outright rather than flagged.
	for i := range rs.log {
		r := &rs.log[i]
		if r.State != model.StateRemoved &&
			r.ReporterID == sub.ReporterID && r.Kind == sub.Kind &&
			r.StopID == sub.StopID && r.SubmittedAt.Equal(ts) {
			res := Result{Outcome: OutcomeRejected, Reason: ReasonDuplicate, Summary: rs.summary}
			rs.mu.Unlock()
			return res, nil
		}
	}

	report := model.Report{
		ID:           uuid.NewString(),
		RouteID:      sub.RouteID,
		ReporterID:   sub.ReporterID,
		Kind:         sub.Kind,
		DelayMinutes: sub.DelayMinutes,
		StopID:       sub.StopID,
		SubmittedAt:  ts,
		State:        model.StateActive,
	}

	// Quarantine heuristics, in priority order. A flagged report is stored
	// but contributes zero weight until a moderator resolves it.
	var reason model.FlagReason
	switch {
	case e.duplicateLocked(rs, sub.ReporterID, sub.Kind, ts, p.DuplicateCooldown):
		reason = model.FlagDuplicate
	case !e.limiterFor(sub.ReporterID, &p).AllowN(now, 1):
		reason = model.FlagSpam
	case e.trust.TrustOf(sub.ReporterID) < p.SpamTrustThreshold:
		reason = model.FlagLowTrust
	}

	if reason != "" {
		report.State = model.StateFlagged
	}

	if err := e.store.InsertReport(ctx, &report); err != nil {
		rs.mu.Unlock()
		return Result{}, fmt.Errorf("engine: ingest: %w", err)
	}

	if reason != "" {
		flag := model.ModerationFlag{
			ID:         uuid.NewString(),
			ReportID:   report.ID,
			RouteID:    report.RouteID,
			ReporterID: report.ReporterID,
			Reason:     reason,
			RaisedAt:   now,
			Resolution: model.ResolutionPending,
		}
		if err := e.flags.Push(ctx, flag); err != nil {
			rs.mu.Unlock()
			return Result{}, fmt.Errorf("engine: ingest: %w", err)
		}
		rs.log = append(rs.log, report)
		res := Result{Outcome: OutcomeFlagged, Reason: string(reason), ReportID: report.ID, Summary: rs.summary}
		rs.mu.Unlock()

		slog.Warn("engine: report flagged",
			"route", report.RouteID, "reporter", report.ReporterID,
			"kind", report.Kind, "reason", reason)
		return res, nil
	}

	rs.log = append(rs.log, report)
	prev := rs.summary
	cur := e.recomputeLocked(rs, &p, now)
	res := Result{Outcome: OutcomeAccepted, ReportID: report.ID, Summary: cur}
	rs.mu.Unlock()

	// Trust persistence failures are non-fatal: the report is already
	// durable and the last-known weight keeps being used.
	if err := e.trust.RecordOutcome(ctx, report.ReporterID, trust.OutcomeAccepted); err != nil {
		slog.Warn("engine: trust update failed", "reporter", report.ReporterID, "err", err)
	}

	e.notify(rs.route, prev, cur)
	return res, nil
}

// ApplyDecision applies a moderator's keep/remove verdict to the flagged
// report and recomputes the route summary so the public board reflects the
// retraction immediately. Called by the moderation queue.
func (e *Engine) ApplyDecision(ctx context.Context, f model.ModerationFlag, d model.Decision) error {
	p := *e.policy.Load()

	rs, ok := e.routes[f.RouteID]
	if !ok {
		return fmt.Errorf("engine: flag %s references unknown route %s", f.ID, f.RouteID)
	}

	var newState model.ModerationState
	var outcome trust.Outcome
	switch d {
	case model.DecisionKeep:
		newState, outcome = model.StateActive, trust.OutcomeFlaggedKept
	case model.DecisionRemove:
		newState, outcome = model.StateRemoved, trust.OutcomeFlaggedRemoved
	default:
		return fmt.Errorf("engine: unknown decision %q", d)
	}

	rs.mu.Lock()
	if err := e.store.SetReportState(ctx, f.ReportID, newState); err != nil {
		rs.mu.Unlock()
		return fmt.Errorf("engine: apply decision: %w", err)
	}
	for i := range rs.log {
		if rs.log[i].ID == f.ReportID {
			rs.log[i].State = newState
			break
		}
	}
	prev := rs.summary
	cur := e.recomputeLocked(rs, &p, e.now())
	rs.mu.Unlock()

	if err := e.trust.RecordOutcome(ctx, f.ReporterID, outcome); err != nil {
		slog.Warn("engine: trust update failed", "reporter", f.ReporterID, "err", err)
	}

	slog.Info("engine: moderation applied",
		"flag", f.ID, "report", f.ReportID, "decision", d)
	e.notify(rs.route, prev, cur)
	return nil
}

// Summary returns the current summary for one route.
func (e *Engine) Summary(routeID string) (model.Summary, bool) {
	rs, ok := e.routes[routeID]
	if !ok {
		return model.Summary{}, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.summary, true
}

// Refresh recomputes one route's summary against the current clock without
// any state change. Safe to call redundantly; used by the periodic board
// refresher so confidence ages even when no reports arrive.
func (e *Engine) Refresh(routeID string) (model.Summary, bool) {
	p := *e.policy.Load()
	rs, ok := e.routes[routeID]
	if !ok {
		return model.Summary{}, false
	}
	rs.mu.Lock()
	prev := rs.summary
	cur := e.recomputeLocked(rs, &p, e.now())
	rs.mu.Unlock()

	e.notify(rs.route, prev, cur)
	return cur, true
}

// Board returns every route with its current summary, ordered by route ID.
// Each route's lock is held only long enough to copy its summary.
func (e *Engine) Board() []model.Summary {
	out := make([]model.Summary, 0, len(e.order))
	for _, id := range e.order {
		rs := e.routes[id]
		rs.mu.Lock()
		out = append(out, rs.summary)
		rs.mu.Unlock()
	}
	return out
}

// Routes returns the cataloged routes, ordered by ID.
func (e *Engine) Routes() []model.Route {
	out := make([]model.Route, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.routes[id].route)
	}
	return out
}

// Route returns one cataloged route.
func (e *Engine) Route(routeID string) (model.Route, bool) {
	rs, ok := e.routes[routeID]
	if !ok {
		return model.Route{}, false
	}
	return rs.route, true
}

// RecentReports returns a route's active in-window reports, newest first,
// at most limit.
func (e *Engine) RecentReports(routeID string, limit int) []model.Report {
	p := *e.policy.Load()
	rs, ok := e.routes[routeID]
	if !ok {
		return nil
	}
	now := e.now()

	rs.mu.Lock()
	defer rs.mu.Unlock()

	var out []model.Report
	for i := len(rs.log) - 1; i >= 0 && len(out) < limit; i-- {
		r := rs.log[i]
		if r.State != model.StateActive {
			continue
		}
		if now.Sub(r.SubmittedAt) > windowFor(r.Kind, &p) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// reject builds a rejection Result carrying the route's unchanged summary.
func (e *Engine) reject(rs *routeState, reason string) Result {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return Result{Outcome: OutcomeRejected, Reason: reason, Summary: rs.summary}
}

// duplicateLocked reports whether the same reporter already has a
// non-removed report of the same kind inside the cooldown. Caller holds rs.mu.
func (e *Engine) duplicateLocked(rs *routeState, reporterID string, kind model.ReportKind, ts time.Time, cooldown time.Duration) bool {
	for i := len(rs.log) - 1; i >= 0; i-- {
		r := &rs.log[i]
		if r.State == model.StateRemoved || r.ReporterID != reporterID || r.Kind != kind {
			continue
		}
		age := ts.Sub(r.SubmittedAt)
		if age < 0 {
			age = -age
		}
		if age < cooldown {
			return true
		}
	}
	return false
}

// limiterFor returns the per-reporter submission limiter, creating it with
// the current policy on first sight.
func (e *Engine) limiterFor(reporterID string, p *Policy) *rate.Limiter {
	e.limMu.Lock()
	defer e.limMu.Unlock()
	l, ok := e.limiters[reporterID]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.RateEvery), p.RateBurst)
		e.limiters[reporterID] = l
	}
	return l
}

// recomputeLocked derives the summary from the current log, prunes reports
// that can no longer influence any future summary, and stores the result.
// Caller holds rs.mu.
func (e *Engine) recomputeLocked(rs *routeState, p *Policy, now time.Time) model.Summary {
	horizon := now.Add(-p.NotRunningWindow)
	kept := rs.log[:0]
	for _, r := range rs.log {
		// Flagged reports stay until their flag is resolved regardless of age.
		if r.State == model.StateFlagged || r.SubmittedAt.After(horizon) {
			kept = append(kept, r)
		}
	}
	rs.log = kept

	rs.summary = summarize(rs, p, e.trust, now)
	return rs.summary
}

// notify fans a changed summary out to the registered listeners.
func (e *Engine) notify(route model.Route, prev, cur model.Summary) {
	if prev.Status == cur.Status &&
		prev.DelayMinutes == cur.DelayMinutes &&
		prev.Crowding == cur.Crowding &&
		prev.Confidence == cur.Confidence {
		return
	}
	for _, l := range e.listeners {
		l.OnSummaryChanged(route, prev, cur)
	}
}
