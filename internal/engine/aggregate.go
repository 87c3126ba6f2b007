package engine

import (
	"sort"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// minRecency is the recency factor at the window boundary. Reports never
// reach zero weight inside the window, avoiding a hard cliff.
const minRecency = 0.2

// windowFor returns the relevance window for a report kind. Absence is
// rarer to re-report, so not-running observations stay relevant longer.
func windowFor(kind model.ReportKind, p *Policy) time.Duration {
	if kind == model.KindNotRunning {
		return p.NotRunningWindow
	}
	return p.Window
}

// recencyFactor decays linearly from 1.0 at age zero to minRecency at the
// window boundary.
func recencyFactor(age, window time.Duration) float64 {
	if age <= 0 {
		return 1.0
	}
	if age >= window {
		return minRecency
	}
	frac := float64(age) / float64(window)
	return 1.0 - (1.0-minRecency)*frac
}

// weighted is one active in-window report with its effective weight.
type weighted struct {
	report model.Report
	weight float64
}

// summarize derives a route's summary from its active in-window reports and
// current trust weights. It is a pure function of (log, trust, now, policy)
// plus the previous summary for the empty-window fallback; calling it twice
// with no intervening state change yields identical output. Caller holds rs.mu.
func summarize(rs *routeState, p *Policy, ts TrustScorer, now time.Time) model.Summary {
	var (
		in        []weighted
		totalMass float64
		masses    = map[model.ReportKind]float64{}
	)

	for _, r := range rs.log {
		if r.State != model.StateActive {
			continue
		}
		window := windowFor(r.Kind, p)
		age := now.Sub(r.SubmittedAt)
		if age < 0 || age > window {
			continue
		}
		w := ts.TrustOf(r.ReporterID) * recencyFactor(age, window)
		if w <= 0 {
			continue
		}
		in = append(in, weighted{report: r, weight: w})
		totalMass += w
		masses[r.Kind] += w
	}

	if len(in) == 0 || totalMass == 0 {
		return agedFallback(rs.summary, p, now)
	}

	sum := model.Summary{
		RouteID:     rs.route.ID,
		ReportCount: len(in),
		UpdatedAt:   now,
	}

	// Status decision, in priority order: absence beats lateness.
	switch {
	case masses[model.KindNotRunning]/totalMass > p.NotRunningMassThreshold:
		sum.Status = model.StatusNotRunning
	case masses[model.KindLate]/totalMass > p.LateMassThreshold:
		sum.Status = model.StatusDelayed
		sum.DelayMinutes = weightedMedianDelay(in)
	default:
		sum.Status = model.StatusOnTime
	}

	// Crowding is undefined while the route is not running.
	if sum.Status != model.StatusNotRunning {
		sum.Crowding = crowdingOf(in, masses[model.KindFull], p)
	}

	sum.DistinctReporters, sum.Confidence = confidence(in, p, now)
	return sum
}

// agedFallback keeps the last known status when the window is empty: an
// absence of fresh reports is not evidence the route recovered. Confidence
// falls back to a low prior rather than zero.
func agedFallback(prev model.Summary, p *Policy, now time.Time) model.Summary {
	out := prev
	out.ReportCount = 0
	out.DistinctReporters = 0
	out.Crowding = ""
	out.Confidence = p.ConfidenceFloor
	out.UpdatedAt = now
	if out.Status == "" {
		out.Status = model.StatusUnknown
	}
	return out
}

// weightedMedianDelay returns the weighted median of the delay-minute values
// among late reports: the smallest delay at which the cumulative weight
// reaches half the late mass.
func weightedMedianDelay(in []weighted) int {
	var late []weighted
	var lateMass float64
	for _, w := range in {
		if w.report.Kind == model.KindLate {
			late = append(late, w)
			lateMass += w.weight
		}
	}
	if len(late) == 0 {
		return 0
	}
	sort.Slice(late, func(i, j int) bool {
		return late[i].report.DelayMinutes < late[j].report.DelayMinutes
	})

	half := lateMass / 2
	var cum float64
	for _, w := range late {
		cum += w.weight
		if cum >= half {
			return w.report.DelayMinutes
		}
	}
	return late[len(late)-1].report.DelayMinutes
}

// crowdingOf derives the crowding level: any full-bus mass wins, otherwise
// report density decides.
func crowdingOf(in []weighted, fullMass float64, p *Policy) model.Crowding {
	if fullMass > 0 {
		return model.CrowdingHigh
	}
	if len(in) > p.DensityMedium {
		return model.CrowdingMedium
	}
	return model.CrowdingLow
}

// Confidence component weights. Corroboration dominates; trust and freshness
// refine it. They must sum to 1.0.
const (
	confWeightCorroboration = 0.5
	confWeightTrust         = 0.3
	confWeightFreshness     = 0.2
)

// confidence scores corroboration-and-freshness in [0, 100]. It is monotonic
// in distinct-reporter count and average trust, and decreases as the freshest
// report ages. It is explicitly not a probability that the status is correct.
func confidence(in []weighted, p *Policy, now time.Time) (distinct int, score float64) {
	// Average trust over distinct contributors, not reports, so one prolific
	// reporter cannot lift the trust component by volume.
	reporters := map[string]struct{}{}
	var trustSum float64
	newest := in[0].report
	for _, w := range in {
		if w.report.SubmittedAt.After(newest.SubmittedAt) {
			newest = w.report
		}
		if _, seen := reporters[w.report.ReporterID]; seen {
			continue
		}
		reporters[w.report.ReporterID] = struct{}{}
		// weight = trust × recency; divide the recency back out.
		trustSum += w.weight / recencyFactor(now.Sub(w.report.SubmittedAt), windowFor(w.report.Kind, p))
	}
	distinct = len(reporters)
	avgTrust := trustSum / float64(distinct)

	window := windowFor(newest.Kind, p)
	age := now.Sub(newest.SubmittedAt)
	freshness := 1.0 - float64(age)/float64(window)
	if freshness < 0 {
		freshness = 0
	}

	corroboration := 1.0 - 1.0/(1.0+float64(distinct))

	score = 100 * (confWeightCorroboration*corroboration +
		confWeightTrust*avgTrust +
		confWeightFreshness*freshness)
	if score < p.ConfidenceFloor {
		score = p.ConfidenceFloor
	}
	return distinct, score
}
