package reliability

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// stubBoard returns a fixed board.
type stubBoard struct {
	mu    sync.Mutex
	board []model.Summary
}

func (s *stubBoard) Board() []model.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Summary(nil), s.board...)
}

func (s *stubBoard) set(board []model.Summary) {
	s.mu.Lock()
	s.board = board
	s.mu.Unlock()
}

// memPersister keeps samples keyed by route+day.
type memPersister struct {
	mu      sync.Mutex
	samples map[string]model.ReliabilitySample // routeID+"/"+day
	pruned  []string
}

func newMemPersister() *memPersister {
	return &memPersister{samples: make(map[string]model.ReliabilitySample)}
}

func (m *memPersister) UpsertSample(_ context.Context, s *model.ReliabilitySample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[s.RouteID+"/"+s.Day] = *s
	return nil
}

func (m *memPersister) Samples(_ context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ReliabilitySample
	for _, s := range m.samples {
		if s.RouteID == routeID {
			out = append(out, s)
		}
	}
	// Newest first, as the real store returns them.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Day > out[i].Day {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > lastN {
		out = out[:lastN]
	}
	return out, nil
}

func (m *memPersister) PruneSamples(_ context.Context, before string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, s := range m.samples {
		if s.Day < before && s.Final {
			delete(m.samples, k)
			n++
		}
	}
	m.pruned = append(m.pruned, before)
	return n, nil
}

func (m *memPersister) get(routeID, day string) (model.ReliabilitySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[routeID+"/"+day]
	return s, ok
}

func summary(routeID string, status model.Status, delay int) model.Summary {
	return model.Summary{RouteID: routeID, Status: status, DelayMinutes: delay}
}

func testRollup(board BoardSource, store Persister, at time.Time) *Rollup {
	r := New(board, store, Policy{ToleranceMinutes: 10, RetentionDays: 90})
	r.now = func() time.Time { return at }
	return r
}

func TestTick_AccumulatesOnTimePct(t *testing.T) {
	board := &stubBoard{}
	store := newMemPersister()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	r := testRollup(board, store, now)
	ctx := context.Background()

	// Three observations: on-time, tolerable delay, heavy delay.
	board.set([]model.Summary{summary("shuttle-loop", model.StatusOnTime, 0)})
	r.Tick(ctx)
	board.set([]model.Summary{summary("shuttle-loop", model.StatusDelayed, 5)})
	r.Tick(ctx)
	board.set([]model.Summary{summary("shuttle-loop", model.StatusDelayed, 25)})
	r.Tick(ctx)

	s, ok := store.get("shuttle-loop", "2026-03-10")
	if !ok {
		t.Fatal("no sample flushed")
	}
	if s.Final {
		t.Error("current-day sample marked final")
	}
	want := 100 * 2.0 / 3.0
	if s.OnTimePct < want-0.01 || s.OnTimePct > want+0.01 {
		t.Errorf("ontime_pct: got %v, want ~%v", s.OnTimePct, want)
	}
}

func TestTick_SkipsUnknown(t *testing.T) {
	board := &stubBoard{}
	store := newMemPersister()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	r := testRollup(board, store, now)

	board.set([]model.Summary{
		summary("shuttle-loop", model.StatusUnknown, 0),
		summary("kvcap-2", model.StatusNotRunning, 0),
	})
	r.Tick(context.Background())

	if _, ok := store.get("shuttle-loop", "2026-03-10"); ok {
		t.Error("unknown status produced a sample")
	}
	s, ok := store.get("kvcap-2", "2026-03-10")
	if !ok {
		t.Fatal("not-running route missing a sample")
	}
	if s.OnTimePct != 0 {
		t.Errorf("not-running ontime_pct: got %v, want 0", s.OnTimePct)
	}
}

func TestTick_DayRolloverFinalizes(t *testing.T) {
	board := &stubBoard{}
	store := newMemPersister()
	day1 := time.Date(2026, 3, 10, 23, 58, 0, 0, time.UTC)
	r := testRollup(board, store, day1)
	ctx := context.Background()

	board.set([]model.Summary{summary("shuttle-loop", model.StatusOnTime, 0)})
	r.Tick(ctx)

	// Next tick lands on the following day.
	day2 := time.Date(2026, 3, 11, 0, 1, 0, 0, time.UTC)
	r.now = func() time.Time { return day2 }
	board.set([]model.Summary{summary("shuttle-loop", model.StatusDelayed, 30)})
	r.Tick(ctx)

	prev, ok := store.get("shuttle-loop", "2026-03-10")
	if !ok || !prev.Final {
		t.Errorf("previous day not finalized: %+v (ok=%v)", prev, ok)
	}
	if prev.OnTimePct != 100 {
		t.Errorf("previous day ontime_pct: got %v, want 100", prev.OnTimePct)
	}

	cur, ok := store.get("shuttle-loop", "2026-03-11")
	if !ok || cur.Final {
		t.Errorf("current day wrong: %+v (ok=%v)", cur, ok)
	}
	if cur.OnTimePct != 0 {
		t.Errorf("current day ontime_pct: got %v, want 0 (fresh counters)", cur.OnTimePct)
	}

	// Rollover also pruned past the retention horizon.
	if len(store.pruned) == 0 {
		t.Error("rollover did not prune")
	}
}

func TestHistory_Chronological(t *testing.T) {
	store := newMemPersister()
	ctx := context.Background()
	for _, day := range []string{"2026-03-08", "2026-03-09", "2026-03-10"} {
		s := model.ReliabilitySample{RouteID: "shuttle-loop", Day: day, OnTimePct: 50, Final: true}
		if err := store.UpsertSample(ctx, &s); err != nil {
			t.Fatalf("UpsertSample: %v", err)
		}
	}
	r := testRollup(&stubBoard{}, store, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	hist, err := r.History(ctx, "shuttle-loop", 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("got %d samples, want 2", len(hist))
	}
	if hist[0].Day != "2026-03-09" || hist[1].Day != "2026-03-10" {
		t.Errorf("order: got %s then %s, want oldest first", hist[0].Day, hist[1].Day)
	}
}

func TestReliable_Tolerance(t *testing.T) {
	cases := []struct {
		s    model.Summary
		want bool
	}{
		{summary("r", model.StatusOnTime, 0), true},
		{summary("r", model.StatusDelayed, 10), true},
		{summary("r", model.StatusDelayed, 11), false},
		{summary("r", model.StatusNotRunning, 0), false},
		{summary("r", model.StatusUnknown, 0), false},
	}
	for _, tc := range cases {
		if got := reliable(tc.s, 10); got != tc.want {
			t.Errorf("reliable(%s/%d): got %v, want %v", tc.s.Status, tc.s.DelayMinutes, got, tc.want)
		}
	}
}
