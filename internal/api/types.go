package api

import "github.com/commutepulse/commutepulse/internal/model"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	Status          string `json:"status"`
	RouteCount      int    `json:"route_count"`
	OnTimeCount     int    `json:"ontime_count"`
	DelayedCount    int    `json:"delayed_count"`
	NotRunningCount int    `json:"not_running_count"`
	UnknownCount    int    `json:"unknown_count"`
	PendingFlags    int    `json:"pending_flags"`
	GeneratedAt     string `json:"generated_at"` // RFC3339
}

// RouteResponse is one route entry in GET /api/v1/routes or
// GET /api/v1/routes/{id}: the static catalog entry plus its live summary.
type RouteResponse struct {
	Route   model.Route   `json:"route"`
	Summary model.Summary `json:"summary"`
}

// ReportsResponse is the payload for GET /api/v1/routes/{id}/reports.
type ReportsResponse struct {
	RouteID string         `json:"route_id"`
	Reports []model.Report `json:"reports"`
}

// ReliabilityResponse is the payload for GET /api/v1/routes/{id}/reliability.
// Days are in chronological order; the last entry is the current, still
// mutable day.
type ReliabilityResponse struct {
	RouteID string                    `json:"route_id"`
	Days    []model.ReliabilitySample `json:"days"`
}

// ResolveRequest is the body for POST /api/v1/moderation/flags/{id}.
type ResolveRequest struct {
	Decision model.Decision `json:"decision"`
}

// ResolveResponse confirms a moderation decision.
type ResolveResponse struct {
	FlagID   string         `json:"flag_id"`
	Decision model.Decision `json:"decision"`
}

// StatsResponse is the payload for GET /api/v1/stats.
type StatsResponse struct {
	ReportsToday  int             `json:"reports_today"`
	PendingFlags  int             `json:"pending_flags"`
	AvgConfidence float64         `json:"avg_confidence"`
	Hotspots      []model.Hotspot `json:"hotspots"`
	GeneratedAt   string          `json:"generated_at"` // RFC3339
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
