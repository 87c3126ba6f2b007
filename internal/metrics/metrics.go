package metrics

import (
	"log/slog"
	"net/http"
	"sync/atomic"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/commutepulse/commutepulse/internal/model"
)

// Metrics holds the engine's operational counters and serves them in
// Prometheus text exposition format.
type Metrics struct {
	reportsAccepted atomic.Uint64
	reportsFlagged  atomic.Uint64
	reportsRejected atomic.Uint64
	summaryChanges  atomic.Uint64
	flagsResolved   atomic.Uint64

	// gauges sampled at scrape time
	wsClients    func() int
	pendingFlags func() int
}

// New returns an empty Metrics set.
func New() *Metrics {
	return &Metrics{
		wsClients:    func() int { return 0 },
		pendingFlags: func() int { return 0 },
	}
}

// SetWSClients wires the live WebSocket client count gauge.
func (m *Metrics) SetWSClients(f func() int) { m.wsClients = f }

// SetPendingFlags wires the pending moderation flag count gauge.
func (m *Metrics) SetPendingFlags(f func() int) { m.pendingFlags = f }

// IncAccepted counts one accepted report.
func (m *Metrics) IncAccepted() { m.reportsAccepted.Add(1) }

// IncFlagged counts one quarantined report.
func (m *Metrics) IncFlagged() { m.reportsFlagged.Add(1) }

// IncRejected counts one rejected submission.
func (m *Metrics) IncRejected() { m.reportsRejected.Add(1) }

// IncResolved counts one resolved moderation flag.
func (m *Metrics) IncResolved() { m.flagsResolved.Add(1) }

// OnSummaryChanged implements engine.SummaryListener, counting recomputes
// that changed a route's public summary.
func (m *Metrics) OnSummaryChanged(_ model.Route, _, _ model.Summary) {
	m.summaryChanges.Add(1)
}

// Handler serves GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		families := []*dto.MetricFamily{
			counter("commutepulse_reports_accepted_total",
				"Reports admitted into aggregation.", m.reportsAccepted.Load()),
			counter("commutepulse_reports_flagged_total",
				"Reports quarantined pending moderation.", m.reportsFlagged.Load()),
			counter("commutepulse_reports_rejected_total",
				"Submissions rejected by validation.", m.reportsRejected.Load()),
			counter("commutepulse_summary_changes_total",
				"Recomputations that changed a route summary.", m.summaryChanges.Load()),
			counter("commutepulse_flags_resolved_total",
				"Moderation flags resolved.", m.flagsResolved.Load()),
			gauge("commutepulse_ws_clients",
				"Connected WebSocket board clients.", float64(m.wsClients())),
			gauge("commutepulse_flags_pending",
				"Moderation flags awaiting a decision.", float64(m.pendingFlags())),
		}

		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		w.Header().Set("Content-Type", string(format))
		enc := expfmt.NewEncoder(w, format)
		for _, mf := range families {
			if err := enc.Encode(mf); err != nil {
				slog.Error("metrics: encode failed", "family", mf.GetName(), "err", err)
				return
			}
		}
	})
}

func counter(name, help string, v uint64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_COUNTER.Enum(),
		Metric: []*dto.Metric{
			{Counter: &dto.Counter{Value: proto.Float64(float64(v))}},
		},
	}
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name: proto.String(name),
		Help: proto.String(help),
		Type: dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{
			{Gauge: &dto.Gauge{Value: proto.Float64(v)}},
		},
	}
}
