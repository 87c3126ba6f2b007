package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// EventKind classifies one notification event.
type EventKind string

const (
	// EventDelayed — the route transitioned into delayed.
	EventDelayed EventKind = "delayed"

	// EventNotRunning — the route transitioned into not-running.
	EventNotRunning EventKind = "not_running"

	// EventDelayIncrease — the delay estimate crossed a configured band
	// while the route was already delayed.
	EventDelayIncrease EventKind = "delay_increase"

	// EventResolved — the route returned to on-time. Sent once per episode.
	EventResolved EventKind = "resolved"
)

// Event is one notification toward the external delivery collaborator.
type Event struct {
	RouteID   string        `json:"route_id"`
	RouteName string        `json:"route_name"`
	Identity  string        `json:"identity"`
	Kind      EventKind     `json:"kind"`
	Summary   model.Summary `json:"summary"`
	At        time.Time     `json:"at"`
}

// Notifier delivers one event. Delivery failures are logged, never retried
// here, and never block aggregation.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// SubscriptionStore is the slice of the store behind the subscription set.
type SubscriptionStore interface {
	AddSubscription(ctx context.Context, identity, routeID string) error
	RemoveSubscription(ctx context.Context, identity, routeID string) error
}

// Dispatcher watches summary transitions and fans notification events out to
// subscribers through a bounded async queue, so a slow delivery transport
// never blocks report ingestion.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	notifier Notifier
	store    SubscriptionStore

	mu    sync.RWMutex
	bands []int                          // ascending delay-minute thresholds
	subs  map[string]map[string]struct{} // routeID → identities

	queue chan Event
	now   func() time.Time // injectable for deterministic tests
}

// New creates a Dispatcher with the given delay bands and queue depth.
func New(notifier Notifier, store SubscriptionStore, bands []int, queueSize int) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		store:    store,
		bands:    bands,
		subs:     make(map[string]map[string]struct{}),
		queue:    make(chan Event, queueSize),
		now:      time.Now,
	}
}

// Seed loads persisted subscriptions, typically once at boot.
func (d *Dispatcher) Seed(subs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for routeID, identities := range subs {
		set := make(map[string]struct{}, len(identities))
		for _, id := range identities {
			set[id] = struct{}{}
		}
		d.subs[routeID] = set
	}
}

// SetBands swaps the delay bands (config hot-reload).
func (d *Dispatcher) SetBands(bands []int) {
	d.mu.Lock()
	d.bands = bands
	d.mu.Unlock()
}

// Subscribe adds identity to the route's alert set. Idempotent.
func (d *Dispatcher) Subscribe(ctx context.Context, identity, routeID string) error {
	if err := d.store.AddSubscription(ctx, identity, routeID); err != nil {
		return fmt.Errorf("alerts: subscribe: %w", err)
	}
	d.mu.Lock()
	set, ok := d.subs[routeID]
	if !ok {
		set = make(map[string]struct{})
		d.subs[routeID] = set
	}
	set[identity] = struct{}{}
	d.mu.Unlock()
	return nil
}

// Unsubscribe removes identity from the route's alert set. Idempotent.
func (d *Dispatcher) Unsubscribe(ctx context.Context, identity, routeID string) error {
	if err := d.store.RemoveSubscription(ctx, identity, routeID); err != nil {
		return fmt.Errorf("alerts: unsubscribe: %w", err)
	}
	d.mu.Lock()
	if set, ok := d.subs[routeID]; ok {
		delete(set, identity)
	}
	d.mu.Unlock()
	return nil
}

// Subscribers returns the identities subscribed to a route.
func (d *Dispatcher) Subscribers(routeID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	set := d.subs[routeID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// OnSummaryChanged implements engine.SummaryListener. It decides whether the
// transition warrants a notification and enqueues one event per subscriber.
// Enqueueing never blocks: when the queue is full the event is dropped and
// counted in the log.
func (d *Dispatcher) OnSummaryChanged(route model.Route, prev, cur model.Summary) {
	d.mu.RLock()
	bands := d.bands
	d.mu.RUnlock()

	kind, notify := classify(prev, cur, bands)
	if !notify {
		return
	}

	subscribers := d.Subscribers(route.ID)
	if len(subscribers) == 0 {
		return
	}

	now := d.now()
	for _, identity := range subscribers {
		ev := Event{
			RouteID:   route.ID,
			RouteName: route.Name,
			Identity:  identity,
			Kind:      kind,
			Summary:   cur,
			At:        now,
		}
		select {
		case d.queue <- ev:
		default:
			slog.Warn("alerts: queue full — dropping event",
				"route", route.ID, "identity", identity, "kind", kind)
		}
	}
	slog.Info("alerts: transition dispatched",
		"route", route.ID, "kind", kind, "subscribers", len(subscribers))
}

// Run drains the event queue toward the notifier. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.notifier.Notify(ctx, ev); err != nil {
				slog.Error("alerts: delivery failed",
					"route", ev.RouteID, "identity", ev.Identity,
					"kind", ev.Kind, "err", err)
			}
		}
	}
}

// classify maps a summary transition to an event kind.
func classify(prev, cur model.Summary, bands []int) (EventKind, bool) {
	if prev.Status != cur.Status {
		switch cur.Status {
		case model.StatusDelayed:
			return EventDelayed, true
		case model.StatusNotRunning:
			return EventNotRunning, true
		case model.StatusOnTime:
			// A single resolved notice, and only when leaving a bad state.
			if prev.Status == model.StatusDelayed || prev.Status == model.StatusNotRunning {
				return EventResolved, true
			}
		}
		return "", false
	}

	if cur.Status == model.StatusDelayed && band(cur.DelayMinutes, bands) > band(prev.DelayMinutes, bands) {
		return EventDelayIncrease, true
	}
	return "", false
}

// band returns how many thresholds the delay estimate has crossed.
func band(delayMinutes int, bands []int) int {
	n := 0
	for _, b := range bands {
		if delayMinutes >= b {
			n++
		}
	}
	return n
}
