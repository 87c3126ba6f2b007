package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// dayFormat is the calendar-day key for samples.
const dayFormat = "2006-01-02"

// BoardSource yields the current summary of every route. Satisfied by the
// engine; each route's lock is held only long enough to snapshot it.
type BoardSource interface {
	Board() []model.Summary
}

// Persister is the slice of the store the rollup writes through to.
type Persister interface {
	UpsertSample(ctx context.Context, s *model.ReliabilitySample) error
	Samples(ctx context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error)
	PruneSamples(ctx context.Context, before string) (int, error)
}

// Policy holds the rollup knobs.
type Policy struct {
	// ToleranceMinutes is the delay estimate up to which a delayed slice
	// still counts toward the on-time percentage.
	ToleranceMinutes int

	// RetentionDays is how long finalized samples are kept.
	RetentionDays int

	// Interval is how often the board is sampled (default 1m).
	Interval time.Duration
}

// accum is one route's observation counters for the current day.
type accum struct {
	reliable int
	total    int
}

// Rollup maintains the rolling per-day on-time percentage per route by
// sampling the board on a timer. The current day's sample stays mutable
// until day rollover finalizes it.
type Rollup struct {
	source BoardSource
	store  Persister
	policy Policy

	mu  sync.Mutex
	day string
	acc map[string]*accum

	now func() time.Time // injectable for deterministic tests
}

// New creates a Rollup sampling source every policy.Interval.
func New(source BoardSource, store Persister, policy Policy) *Rollup {
	if policy.Interval <= 0 {
		policy.Interval = time.Minute
	}
	return &Rollup{
		source: source,
		store:  store,
		policy: policy,
		acc:    make(map[string]*accum),
		now:    time.Now,
	}
}

// Run samples the board every interval and finalizes samples at day
// rollover. It blocks until ctx is cancelled.
func (r *Rollup) Run(ctx context.Context) {
	t := time.NewTicker(r.policy.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			// Flush the partial day so a restart does not lose it.
			if err := r.flush(context.Background(), false); err != nil {
				slog.Error("reliability: final flush failed", "err", err)
			}
			return
		case <-t.C:
			r.Tick(ctx)
		}
	}
}

// Tick takes one observation of every route and flushes the mutable
// current-day samples. Exposed for deterministic tests.
func (r *Rollup) Tick(ctx context.Context) {
	now := r.now()
	day := now.Format(dayFormat)

	r.mu.Lock()
	if r.day == "" {
		r.day = day
	}
	rolledOver := day != r.day
	r.mu.Unlock()

	if rolledOver {
		if err := r.CloseDay(ctx); err != nil {
			slog.Error("reliability: day close failed", "err", err)
		}
		r.mu.Lock()
		r.day = day
		r.mu.Unlock()
	}

	board := r.source.Board()

	r.mu.Lock()
	for _, s := range board {
		if s.Status == model.StatusUnknown {
			continue // no observation, not an unreliable one
		}
		a, ok := r.acc[s.RouteID]
		if !ok {
			a = &accum{}
			r.acc[s.RouteID] = a
		}
		a.total++
		if reliable(s, r.policy.ToleranceMinutes) {
			a.reliable++
		}
	}
	r.mu.Unlock()

	if err := r.flush(ctx, false); err != nil {
		slog.Error("reliability: flush failed", "err", err)
	}
}

// CloseDay finalizes the accumulated day for every route, resets the
// counters and prunes samples past the retention horizon.
func (r *Rollup) CloseDay(ctx context.Context) error {
	if err := r.flush(ctx, true); err != nil {
		return err
	}

	r.mu.Lock()
	r.acc = make(map[string]*accum)
	closed := r.day
	r.mu.Unlock()

	horizon := r.now().AddDate(0, 0, -r.policy.RetentionDays).Format(dayFormat)
	n, err := r.store.PruneSamples(ctx, horizon)
	if err != nil {
		return fmt.Errorf("reliability: prune: %w", err)
	}
	slog.Info("reliability: day closed", "day", closed, "pruned", n)
	return nil
}

// flush upserts one sample per observed route for the tracked day.
func (r *Rollup) flush(ctx context.Context, final bool) error {
	r.mu.Lock()
	day := r.day
	samples := make([]model.ReliabilitySample, 0, len(r.acc))
	for routeID, a := range r.acc {
		if a.total == 0 {
			continue
		}
		samples = append(samples, model.ReliabilitySample{
			RouteID:   routeID,
			Day:       day,
			OnTimePct: 100 * float64(a.reliable) / float64(a.total),
			Final:     final,
		})
	}
	r.mu.Unlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i].RouteID < samples[j].RouteID })
	for i := range samples {
		if err := r.store.UpsertSample(ctx, &samples[i]); err != nil {
			return fmt.Errorf("reliability: flush %s/%s: %w", samples[i].RouteID, day, err)
		}
	}
	return nil
}

// History returns a route's most recent daily samples in chronological
// order (oldest first), at most lastN.
func (r *Rollup) History(ctx context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error) {
	samples, err := r.store.Samples(ctx, routeID, lastN)
	if err != nil {
		return nil, err
	}
	// Store returns newest first.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// reliable reports whether a sampled summary counts toward the on-time
// percentage: on time, or delayed within tolerance.
func reliable(s model.Summary, toleranceMin int) bool {
	switch s.Status {
	case model.StatusOnTime:
		return true
	case model.StatusDelayed:
		return s.DelayMinutes <= toleranceMin
	default:
		return false
	}
}
