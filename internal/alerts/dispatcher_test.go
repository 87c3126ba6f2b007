package alerts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// memSubs is an in-memory SubscriptionStore.
type memSubs struct {
	mu      sync.Mutex
	added   []string // identity+"/"+routeID
	removed []string
}

func (m *memSubs) AddSubscription(_ context.Context, identity, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, identity+"/"+routeID)
	return nil
}

func (m *memSubs) RemoveSubscription(_ context.Context, identity, routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, identity+"/"+routeID)
	return nil
}

// captureNotifier records delivered events.
type captureNotifier struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{} // signalled per delivery when set
}

func (c *captureNotifier) Notify(_ context.Context, ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	if c.done != nil {
		c.done <- struct{}{}
	}
	return nil
}

func testRoute() model.Route {
	return model.Route{ID: "shuttle-loop", Name: "Campus Shuttle Downtown Loop", Category: model.CategoryShuttle, Stops: []string{"a"}}
}

func sum(status model.Status, delay int) model.Summary {
	return model.Summary{RouteID: "shuttle-loop", Status: status, DelayMinutes: delay, Confidence: 60}
}

func TestClassify(t *testing.T) {
	bands := []int{10, 20, 30}
	cases := []struct {
		name   string
		prev   model.Summary
		cur    model.Summary
		kind   EventKind
		notify bool
	}{
		{"into delayed", sum(model.StatusOnTime, 0), sum(model.StatusDelayed, 15), EventDelayed, true},
		{"into not running", sum(model.StatusDelayed, 15), sum(model.StatusNotRunning, 0), EventNotRunning, true},
		{"resolved from delayed", sum(model.StatusDelayed, 15), sum(model.StatusOnTime, 0), EventResolved, true},
		{"resolved from not running", sum(model.StatusNotRunning, 0), sum(model.StatusOnTime, 0), EventResolved, true},
		{"unknown to on-time is silent", sum(model.StatusUnknown, 0), sum(model.StatusOnTime, 0), "", false},
		{"delayed to unknown is silent", sum(model.StatusDelayed, 15), sum(model.StatusUnknown, 0), "", false},
		{"band crossing", sum(model.StatusDelayed, 15), sum(model.StatusDelayed, 22), EventDelayIncrease, true},
		{"within band is silent", sum(model.StatusDelayed, 11), sum(model.StatusDelayed, 14), "", false},
		{"delay decrease is silent", sum(model.StatusDelayed, 25), sum(model.StatusDelayed, 12), "", false},
		{"on-time steady is silent", sum(model.StatusOnTime, 0), sum(model.StatusOnTime, 0), "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, notify := classify(tc.prev, tc.cur, bands)
			if notify != tc.notify || kind != tc.kind {
				t.Errorf("got (%q, %v), want (%q, %v)", kind, notify, tc.kind, tc.notify)
			}
		})
	}
}

func TestSubscribe_WriteThrough(t *testing.T) {
	store := &memSubs{}
	d := New(&captureNotifier{}, store, []int{10}, 8)
	ctx := context.Background()

	if err := d.Subscribe(ctx, "rider@example.edu", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := d.Subscribe(ctx, "rider@example.edu", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe again: %v", err)
	}
	subs := d.Subscribers("shuttle-loop")
	if len(subs) != 1 || subs[0] != "rider@example.edu" {
		t.Errorf("subscribers: got %v", subs)
	}
	if len(store.added) != 2 {
		t.Errorf("store writes: got %d, want 2 (idempotent upserts)", len(store.added))
	}

	if err := d.Unsubscribe(ctx, "rider@example.edu", "shuttle-loop"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if got := d.Subscribers("shuttle-loop"); len(got) != 0 {
		t.Errorf("subscribers after unsubscribe: got %v", got)
	}
	// Unsubscribing an absent identity still succeeds.
	if err := d.Unsubscribe(ctx, "ghost@example.edu", "shuttle-loop"); err != nil {
		t.Errorf("Unsubscribe absent: %v", err)
	}
}

func TestOnSummaryChanged_FansOutToSubscribers(t *testing.T) {
	n := &captureNotifier{done: make(chan struct{}, 4)}
	d := New(n, &memSubs{}, []int{10, 20, 30}, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Subscribe(ctx, "a@x", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := d.Subscribe(ctx, "b@x", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d.OnSummaryChanged(testRoute(), sum(model.StatusOnTime, 0), sum(model.StatusDelayed, 15))

	for i := 0; i < 2; i++ {
		select {
		case <-n.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d timed out", i)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) != 2 {
		t.Fatalf("events: got %d, want 2", len(n.events))
	}
	ids := map[string]bool{}
	for _, ev := range n.events {
		if ev.Kind != EventDelayed || ev.RouteID != "shuttle-loop" {
			t.Errorf("event: got %+v", ev)
		}
		ids[ev.Identity] = true
	}
	if !ids["a@x"] || !ids["b@x"] {
		t.Errorf("identities: got %v", ids)
	}
}

func TestOnSummaryChanged_NoSubscribersNoEvents(t *testing.T) {
	d := New(&captureNotifier{}, &memSubs{}, []int{10}, 2)
	d.OnSummaryChanged(testRoute(), sum(model.StatusOnTime, 0), sum(model.StatusDelayed, 15))
	if len(d.queue) != 0 {
		t.Errorf("queue has %d events with no subscribers", len(d.queue))
	}
}

func TestOnSummaryChanged_FullQueueDrops(t *testing.T) {
	// Queue depth 1, two subscribers: the second event is dropped, not blocked.
	d := New(&captureNotifier{}, &memSubs{}, []int{10}, 1)
	ctx := context.Background()
	if err := d.Subscribe(ctx, "a@x", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := d.Subscribe(ctx, "b@x", "shuttle-loop"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.OnSummaryChanged(testRoute(), sum(model.StatusOnTime, 0), sum(model.StatusDelayed, 15))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("OnSummaryChanged blocked on a full queue")
	}
	if len(d.queue) != 1 {
		t.Errorf("queue depth: got %d, want 1", len(d.queue))
	}
}

func TestSeed_RestoresSubscriptions(t *testing.T) {
	d := New(&captureNotifier{}, &memSubs{}, []int{10}, 8)
	d.Seed(map[string][]string{
		"shuttle-loop": {"a@x", "b@x"},
		"kvcap-2":      {"c@x"},
	})
	if got := d.Subscribers("shuttle-loop"); len(got) != 2 {
		t.Errorf("shuttle-loop subscribers: got %v", got)
	}
	if got := d.Subscribers("kvcap-2"); len(got) != 1 || got[0] != "c@x" {
		t.Errorf("kvcap-2 subscribers: got %v", got)
	}
}

func TestBand(t *testing.T) {
	bands := []int{10, 20, 30}
	cases := []struct {
		delay, want int
	}{
		{0, 0}, {9, 0}, {10, 1}, {19, 1}, {20, 2}, {35, 3},
	}
	for _, tc := range cases {
		if got := band(tc.delay, bands); got != tc.want {
			t.Errorf("band(%d): got %d, want %d", tc.delay, got, tc.want)
		}
	}
}
