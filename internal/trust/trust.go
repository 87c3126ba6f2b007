package trust

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// Neutral is the starting weight for a new identity and the value idle
// weights decay toward.
const Neutral = 0.5

// Outcome is what happened to one of a reporter's submissions.
type Outcome string

const (
	// OutcomeAccepted — the report passed validation and entered aggregation.
	OutcomeAccepted Outcome = "accepted"

	// OutcomeFlaggedKept — a moderator kept a flagged report. The flag was a
	// false positive, so the reporter is not penalized.
	OutcomeFlaggedKept Outcome = "flagged-kept"

	// OutcomeFlaggedRemoved — a moderator removed a flagged report.
	OutcomeFlaggedRemoved Outcome = "flagged-removed"
)

// Policy holds the reputation step sizes.
type Policy struct {
	AcceptStep      float64 // toward 1.0 per accepted report
	RemovePenalty   float64 // toward 0.0 per removed report
	IdleDecayPerDay float64 // toward Neutral per idle day
}

// Persister is the slice of the store the scorer writes through to.
type Persister interface {
	UpsertTrust(ctx context.Context, t *model.ReporterTrust) error
}

// Scorer maintains per-reporter trust weights in [0, 1].
//
// Updates are atomic per identity: the scorer holds its lock across the
// read-modify-write, and two routes ingesting reports from the same reporter
// concurrently serialize here without any route-level ordering.
//
// All exported methods are safe for concurrent use.
type Scorer struct {
	mu      sync.Mutex
	records map[string]*model.ReporterTrust
	persist Persister
	policy  Policy
	now     func() time.Time // injectable for deterministic tests
}

// NewScorer returns a Scorer that writes updated records through persist.
func NewScorer(persist Persister, policy Policy) *Scorer {
	return &Scorer{
		records: make(map[string]*model.ReporterTrust),
		persist: persist,
		policy:  policy,
		now:     time.Now,
	}
}

// SetPolicy swaps the reputation step sizes (config hot-reload).
func (s *Scorer) SetPolicy(p Policy) {
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
}

// Seed loads previously persisted records, typically once at boot.
func (s *Scorer) Seed(records []model.ReporterTrust) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		cp := r
		s.records[r.ReporterID] = &cp
	}
}

// TrustOf returns the reporter's current effective weight, with idle decay
// applied. An identity never seen before is neutral.
func (s *Scorer) TrustOf(reporterID string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[reporterID]
	if !ok {
		return Neutral
	}
	return decayed(r.Weight, r.LastActive, s.now(), s.policy.IdleDecayPerDay)
}

// Record returns a copy of the reporter's full record and whether one exists.
func (s *Scorer) Record(reporterID string) (model.ReporterTrust, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[reporterID]
	if !ok {
		return model.ReporterTrust{}, false
	}
	cp := *r
	cp.Weight = decayed(r.Weight, r.LastActive, s.now(), s.policy.IdleDecayPerDay)
	return cp, true
}

// RecordOutcome folds one submission outcome into the reporter's weight and
// persists the result. A persistence failure is returned but the in-memory
// weight is already updated — callers proceed on the last-known weight.
func (s *Scorer) RecordOutcome(ctx context.Context, reporterID string, outcome Outcome) error {
	s.mu.Lock()

	now := s.now()
	r, ok := s.records[reporterID]
	if !ok {
		r = &model.ReporterTrust{
			ReporterID: reporterID,
			Weight:     Neutral,
			LastActive: now,
		}
		s.records[reporterID] = r
	}

	// Materialize idle decay before stepping so a long-dormant extreme
	// weight does not skip its drift back toward neutral.
	r.Weight = decayed(r.Weight, r.LastActive, now, s.policy.IdleDecayPerDay)

	switch outcome {
	case OutcomeAccepted:
		r.Weight = clamp01(r.Weight + s.policy.AcceptStep)
		r.Submissions++
	case OutcomeFlaggedRemoved:
		r.Weight = clamp01(r.Weight - s.policy.RemovePenalty)
		r.LastPenalized = now
	case OutcomeFlaggedKept:
		// False-positive flag: no weight change.
	default:
		s.mu.Unlock()
		return fmt.Errorf("trust: unknown outcome %q", outcome)
	}
	r.LastActive = now
	cp := *r
	s.mu.Unlock()

	if err := s.persist.UpsertTrust(ctx, &cp); err != nil {
		slog.Error("trust: persist failed — continuing on in-memory weight",
			"reporter", reporterID, "err", err)
		return fmt.Errorf("trust: persist %s: %w", reporterID, err)
	}
	return nil
}

// decayed drifts weight toward Neutral by decayPerDay for every full day
// elapsed since lastActive, never overshooting.
func decayed(weight float64, lastActive, now time.Time, decayPerDay float64) float64 {
	if decayPerDay <= 0 || lastActive.IsZero() {
		return weight
	}
	days := now.Sub(lastActive).Hours() / 24
	if days <= 0 {
		return weight
	}
	drift := decayPerDay * days
	switch {
	case weight > Neutral:
		weight -= drift
		if weight < Neutral {
			weight = Neutral
		}
	case weight < Neutral:
		weight += drift
		if weight > Neutral {
			weight = Neutral
		}
	}
	return weight
}

// clamp01 restricts v to the range [0, 1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
