package moderation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/commutepulse/commutepulse/internal/model"
)

// Resolution conflicts reported to callers. Resolving twice is a no-op for
// the system but the caller is told.
var (
	ErrUnknownFlag     = errors.New("moderation: unknown flag")
	ErrAlreadyResolved = errors.New("moderation: flag already resolved")
)

// Persister is the slice of the store the queue writes through to.
type Persister interface {
	InsertFlag(ctx context.Context, f *model.ModerationFlag) error
	ResolveFlag(ctx context.Context, flagID string, res model.Resolution) error
}

// Applier applies a resolved decision to the flagged report and forces the
// route recompute. Implemented by the engine; wired in main.
type Applier interface {
	ApplyDecision(ctx context.Context, f model.ModerationFlag, d model.Decision) error
}

// pendingFlag wraps a flag with its in-flight marker so concurrent resolves
// of the same flag cannot double-apply a trust penalty. The queue lock is
// never held across the Applier call — the engine pushes flags while holding
// a route lock, and the Applier takes that same route lock.
type pendingFlag struct {
	flag     model.ModerationFlag
	inFlight bool
}

// Queue holds moderation flags pending a human keep/remove decision.
// Flags never expire: they stay pending until resolved, and the flagged
// report contributes nothing to aggregation the whole time.
//
// Queue is safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	pending []*pendingFlag // oldest first
	byID    map[string]*pendingFlag

	store   Persister
	applier Applier
}

// New creates an empty Queue. Seed previously pending flags at boot.
func New(store Persister, applier Applier) *Queue {
	return &Queue{
		byID:    make(map[string]*pendingFlag),
		store:   store,
		applier: applier,
	}
}

// Seed loads persisted pending flags, oldest first. Called once at boot.
func (q *Queue) Seed(flags []model.ModerationFlag) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range flags {
		p := &pendingFlag{flag: f}
		q.pending = append(q.pending, p)
		q.byID[f.ID] = p
	}
}

// Push durably records a new flag and enqueues it. Called by the engine
// while it holds the affected route's lock, so the flag and its report are
// persisted from the same critical section.
func (q *Queue) Push(ctx context.Context, f model.ModerationFlag) error {
	f.Resolution = model.ResolutionPending
	if err := q.store.InsertFlag(ctx, &f); err != nil {
		return fmt.Errorf("moderation: push: %w", err)
	}

	q.mu.Lock()
	p := &pendingFlag{flag: f}
	q.pending = append(q.pending, p)
	q.byID[f.ID] = p
	q.mu.Unlock()
	return nil
}

// Pending returns copies of the unresolved flags, oldest first.
func (q *Queue) Pending() []model.ModerationFlag {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.ModerationFlag, 0, len(q.pending))
	for _, p := range q.pending {
		out = append(out, p.flag)
	}
	return out
}

// PendingCount returns the number of unresolved flags.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Resolve applies a moderator's decision to the flag. The report state
// change and route recompute happen first (via the Applier); only then is
// the flag marked resolved and dropped from the queue, so a failure leaves
// the flag pending and retryable.
func (q *Queue) Resolve(ctx context.Context, flagID string, decision model.Decision) error {
	switch decision {
	case model.DecisionKeep, model.DecisionRemove:
	default:
		return fmt.Errorf("moderation: unknown decision %q", decision)
	}

	q.mu.Lock()
	p, ok := q.byID[flagID]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownFlag
	}
	if p.inFlight || p.flag.Resolution != model.ResolutionPending {
		q.mu.Unlock()
		return ErrAlreadyResolved
	}
	p.inFlight = true
	cp := p.flag
	q.mu.Unlock()

	if err := q.applier.ApplyDecision(ctx, cp, decision); err != nil {
		q.mu.Lock()
		p.inFlight = false
		q.mu.Unlock()
		return err
	}

	res := model.ResolutionKept
	if decision == model.DecisionRemove {
		res = model.ResolutionRemoved
	}
	if err := q.store.ResolveFlag(ctx, flagID, res); err != nil {
		// The report mutation is durable; only the flag bookkeeping failed.
		// Keep the flag out of the queue and surface the error in the log.
		slog.Error("moderation: flag resolution not persisted", "flag", flagID, "err", err)
	}

	q.mu.Lock()
	p.flag.Resolution = res
	for i, e := range q.pending {
		if e.flag.ID == flagID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	q.mu.Unlock()

	slog.Info("moderation: flag resolved", "flag", flagID, "decision", decision)
	return nil
}
