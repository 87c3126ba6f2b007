package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/commutepulse/commutepulse/internal/alerts"
	"github.com/commutepulse/commutepulse/internal/auth"
	"github.com/commutepulse/commutepulse/internal/config"
	"github.com/commutepulse/commutepulse/internal/engine"
	"github.com/commutepulse/commutepulse/internal/metrics"
	"github.com/commutepulse/commutepulse/internal/model"
	"github.com/commutepulse/commutepulse/internal/moderation"
	"github.com/commutepulse/commutepulse/internal/reliability"
)

const (
	maxBodyBytes        = 1 << 16
	defaultReportsLimit = 20
	maxReportsLimit     = 100
	hotspotWindow       = 7 * 24 * time.Hour
	hotspotLimit        = 10
)

// StatsStore is the slice of the store the ops endpoint reads from.
type StatsStore interface {
	CountReportsSince(ctx context.Context, since time.Time) (int, error)
	Hotspots(ctx context.Context, since time.Time, limit int) ([]model.Hotspot, error)
}

// Handler is the HTTP handler for all /api/v1/* endpoints, /metrics and the
// WebSocket board.
type Handler struct {
	engine     *engine.Engine
	queue      *moderation.Queue
	rollup     *reliability.Rollup
	dispatcher *alerts.Dispatcher
	metrics    *metrics.Metrics
	stats      StatsStore

	historyDays int
	now         func() time.Time
}

// Deps bundles everything the router serves.
type Deps struct {
	Engine     *engine.Engine
	Queue      *moderation.Queue
	Rollup     *reliability.Rollup
	Dispatcher *alerts.Dispatcher
	Metrics    *metrics.Metrics
	Stats      StatsStore

	// Board is the WebSocket hub, mounted at /ws/board. Optional.
	Board http.Handler

	Server      config.ServerConfig
	HistoryDays int
}

// New builds the router: public read endpoints, the report intake, the
// authenticated moderation and ops endpoints, /metrics, and the WebSocket
// board.
func New(d Deps) http.Handler {
	h := &Handler{
		engine:      d.Engine,
		queue:       d.Queue,
		rollup:      d.Rollup,
		dispatcher:  d.Dispatcher,
		metrics:     d.Metrics,
		stats:       d.Stats,
		historyDays: d.HistoryDays,
		now:         time.Now,
	}

	r := chi.NewRouter()

	if len(d.Server.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: d.Server.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", d.Server.Auth.EffectiveHeader()},
			MaxAge:         300,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.health)
		r.Get("/routes", h.listRoutes)
		r.Get("/routes/{id}", h.getRoute)
		r.Get("/routes/{id}/reports", h.listReports)
		r.Get("/routes/{id}/reliability", h.reliability)
		r.Post("/reports", h.submitReport)
		r.Put("/subscriptions/{identity}/{routeID}", h.subscribe)
		r.Delete("/subscriptions/{identity}/{routeID}", h.unsubscribe)

		// Moderation and ops endpoints sit behind the API key.
		r.Group(func(r chi.Router) {
			r.Use(auth.APIKeyMiddleware(
				d.Server.Auth.Mode, d.Server.Auth.EffectiveHeader(), d.Server.Auth.Key()))
			r.Get("/moderation/flags", h.listFlags)
			r.Post("/moderation/flags/{id}", h.resolveFlag)
			r.Get("/stats", h.opsStats)
		})
	})

	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())
	}
	if d.Board != nil {
		r.Handle("/ws/board", d.Board)
	}

	return r
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health — status counts across the board.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	board := h.engine.Board()
	resp := HealthResponse{
		Status:       "ok",
		RouteCount:   len(board),
		PendingFlags: h.queue.PendingCount(),
		GeneratedAt:  h.now().UTC().Format(time.RFC3339),
	}
	for _, s := range board {
		switch s.Status {
		case model.StatusOnTime:
			resp.OnTimeCount++
		case model.StatusDelayed:
			resp.DelayedCount++
		case model.StatusNotRunning:
			resp.NotRunningCount++
		default:
			resp.UnknownCount++
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listRoutes returns GET /api/v1/routes — every route with its live summary.
func (h *Handler) listRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.engine.Routes()
	board := h.engine.Board() // same order: sorted by route ID

	out := make([]RouteResponse, 0, len(routes))
	for i, rt := range routes {
		out = append(out, RouteResponse{Route: rt, Summary: board[i]})
	}
	jsonResp(w, http.StatusOK, out)
}

// getRoute returns GET /api/v1/routes/{id} — one route with its live summary.
func (h *Handler) getRoute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rt, ok := h.engine.Route(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "route not found")
		return
	}
	sum, _ := h.engine.Summary(id)
	jsonResp(w, http.StatusOK, RouteResponse{Route: rt, Summary: sum})
}

// listReports returns GET /api/v1/routes/{id}/reports — the route's active
// in-window reports, newest first. ?limit caps the count (default 20, max 100).
func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.engine.Route(id); !ok {
		jsonErr(w, http.StatusNotFound, "route not found")
		return
	}

	limit := defaultReportsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		if n > maxReportsLimit {
			n = maxReportsLimit
		}
		limit = n
	}

	reports := h.engine.RecentReports(id, limit)
	if reports == nil {
		reports = []model.Report{}
	}
	jsonResp(w, http.StatusOK, ReportsResponse{RouteID: id, Reports: reports})
}

// reliability returns GET /api/v1/routes/{id}/reliability — daily on-time
// percentages in chronological order. ?days overrides the configured history
// length.
func (h *Handler) reliability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.engine.Route(id); !ok {
		jsonErr(w, http.StatusNotFound, "route not found")
		return
	}

	days := h.historyDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonErr(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	samples, err := h.rollup.History(r.Context(), id, days)
	if err != nil {
		slog.Error("api: reliability history failed", "route", id, "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if samples == nil {
		samples = []model.ReliabilitySample{}
	}
	jsonResp(w, http.StatusOK, ReliabilityResponse{RouteID: id, Days: samples})
}

// submitReport handles POST /api/v1/reports — the rider report intake.
// Accepted reports return 201, quarantined ones 202, rejected ones 422; all
// three carry the ingestion verdict and the route's current summary.
func (h *Handler) submitReport(w http.ResponseWriter, r *http.Request) {
	var sub engine.Submission
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&sub); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if sub.RouteID == "" || sub.ReporterID == "" {
		jsonErr(w, http.StatusBadRequest, "route_id and reporter_id are required")
		return
	}

	res, err := h.engine.Ingest(r.Context(), sub)
	if err != nil {
		slog.Error("api: ingest failed", "route", sub.RouteID, "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	switch res.Outcome {
	case engine.OutcomeAccepted:
		h.metrics.IncAccepted()
		jsonResp(w, http.StatusCreated, res)
	case engine.OutcomeFlagged:
		h.metrics.IncFlagged()
		jsonResp(w, http.StatusAccepted, res)
	default:
		h.metrics.IncRejected()
		jsonResp(w, http.StatusUnprocessableEntity, res)
	}
}

// subscribe handles PUT /api/v1/subscriptions/{identity}/{routeID} —
// idempotent; repeating it is a no-op.
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	routeID := chi.URLParam(r, "routeID")
	if _, ok := h.engine.Route(routeID); !ok {
		jsonErr(w, http.StatusNotFound, "route not found")
		return
	}

	if err := h.dispatcher.Subscribe(r.Context(), identity, routeID); err != nil {
		slog.Error("api: subscribe failed", "identity", identity, "route", routeID, "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// unsubscribe handles DELETE /api/v1/subscriptions/{identity}/{routeID} —
// idempotent; removing an absent subscription succeeds.
func (h *Handler) unsubscribe(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")
	routeID := chi.URLParam(r, "routeID")

	if err := h.dispatcher.Unsubscribe(r.Context(), identity, routeID); err != nil {
		slog.Error("api: unsubscribe failed", "identity", identity, "route", routeID, "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listFlags returns GET /api/v1/moderation/flags — pending flags, oldest first.
func (h *Handler) listFlags(w http.ResponseWriter, r *http.Request) {
	flags := h.queue.Pending()
	if flags == nil {
		flags = []model.ModerationFlag{}
	}
	jsonResp(w, http.StatusOK, flags)
}

// resolveFlag handles POST /api/v1/moderation/flags/{id} — applies a keep or
// remove decision to a pending flag.
func (h *Handler) resolveFlag(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	switch req.Decision {
	case model.DecisionKeep, model.DecisionRemove:
	default:
		jsonErr(w, http.StatusBadRequest, "decision must be keep or remove")
		return
	}

	err := h.queue.Resolve(r.Context(), id, req.Decision)
	switch {
	case errors.Is(err, moderation.ErrUnknownFlag):
		jsonErr(w, http.StatusNotFound, "flag not found")
		return
	case errors.Is(err, moderation.ErrAlreadyResolved):
		jsonErr(w, http.StatusConflict, "flag already resolved")
		return
	case err != nil:
		slog.Error("api: resolve failed", "flag", id, "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	h.metrics.IncResolved()
	jsonResp(w, http.StatusOK, ResolveResponse{FlagID: id, Decision: req.Decision})
}

// opsStats returns GET /api/v1/stats — today's intake volume, queue depth,
// board-wide average confidence and the trailing-week delay hotspots.
func (h *Handler) opsStats(w http.ResponseWriter, r *http.Request) {
	now := h.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	today, err := h.stats.CountReportsSince(r.Context(), midnight)
	if err != nil {
		slog.Error("api: stats count failed", "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	hotspots, err := h.stats.Hotspots(r.Context(), now.Add(-hotspotWindow), hotspotLimit)
	if err != nil {
		slog.Error("api: stats hotspots failed", "err", err)
		jsonErr(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	if hotspots == nil {
		hotspots = []model.Hotspot{}
	}

	board := h.engine.Board()
	var total float64
	for _, s := range board {
		total += s.Confidence
	}
	var avg float64
	if len(board) > 0 {
		avg = total / float64(len(board))
	}

	jsonResp(w, http.StatusOK, StatsResponse{
		ReportsToday:  today,
		PendingFlags:  h.queue.PendingCount(),
		AvgConfidence: avg,
		Hotspots:      hotspots,
		GeneratedAt:   now.Format(time.RFC3339),
	})
}

// --- helpers ----------------------------------------------------------------

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
