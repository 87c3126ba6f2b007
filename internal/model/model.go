package model

import "time"

// RouteCategory distinguishes campus shuttles from city bus lines.
type RouteCategory string

const (
	CategoryShuttle RouteCategory = "shuttle"
	CategoryCityBus RouteCategory = "city-bus"
)

// Route is one transit line on the board. Routes come from the static
// catalog at startup and are never created or deleted at runtime.
type Route struct {
	ID       string        `json:"id" yaml:"id"`
	Name     string        `json:"name" yaml:"name"`
	Short    string        `json:"short" yaml:"short"`
	Category RouteCategory `json:"category" yaml:"category"`
	Stops    []string      `json:"stops" yaml:"stops"`
}

// ReportKind is what a rider observed at a stop.
type ReportKind string

const (
	KindArrived    ReportKind = "arrived"     // bus arrived on time
	KindLate       ReportKind = "late"        // running late, carries delay minutes
	KindFull       ReportKind = "full"        // bus too full to board
	KindSkipped    ReportKind = "skipped"     // bus skipped the stop
	KindNotRunning ReportKind = "not_running" // no service observed
)

// ValidKind reports whether k is one of the accepted report kinds.
func ValidKind(k ReportKind) bool {
	switch k {
	case KindArrived, KindLate, KindFull, KindSkipped, KindNotRunning:
		return true
	}
	return false
}

// ModerationState is the lifecycle state of a report. Removed is terminal.
type ModerationState string

const (
	StateActive  ModerationState = "active"
	StateFlagged ModerationState = "flagged"
	StateRemoved ModerationState = "removed"
)

// Report is a single rider submission. Immutable once created except for
// its moderation state.
type Report struct {
	ID           string          `json:"id"`
	RouteID      string          `json:"route_id"`
	ReporterID   string          `json:"reporter_id"`
	Kind         ReportKind      `json:"kind"`
	DelayMinutes int             `json:"delay_minutes,omitempty"`
	StopID       string          `json:"stop_id"`
	SubmittedAt  time.Time       `json:"submitted_at"`
	State        ModerationState `json:"state"`
}

// Status is the aggregated service state of a route.
type Status string

const (
	StatusOnTime     Status = "on-time"
	StatusDelayed    Status = "delayed"
	StatusNotRunning Status = "not-running"
	StatusUnknown    Status = "unknown" // no reports seen yet
)

// Crowding is the aggregated crowding level. Empty means undefined
// (route not running, or no signal yet).
type Crowding string

const (
	CrowdingLow    Crowding = "low"
	CrowdingMedium Crowding = "medium"
	CrowdingHigh   Crowding = "high"
)

// Summary is the derived, public state of one route. It is always a pure
// function of the route's active in-window reports plus trust weights.
type Summary struct {
	RouteID           string    `json:"route_id"`
	Status            Status    `json:"status"`
	DelayMinutes      int       `json:"delay_minutes"`
	Crowding          Crowding  `json:"crowding,omitempty"`
	Confidence        float64   `json:"confidence"` // 0–100
	ReportCount       int       `json:"report_count"`
	DistinctReporters int       `json:"distinct_reporters"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FlagReason is why a report was quarantined.
type FlagReason string

const (
	FlagDuplicate FlagReason = "duplicate" // same reporter+kind inside the cooldown
	FlagSpam      FlagReason = "spam"      // submission rate limit exceeded
	FlagLowTrust  FlagReason = "low_trust" // reporter trust below threshold
)

// Resolution is the state of a moderation flag.
type Resolution string

const (
	ResolutionPending Resolution = "pending"
	ResolutionKept    Resolution = "kept"
	ResolutionRemoved Resolution = "removed"
)

// Decision is a moderator's verdict on a pending flag.
type Decision string

const (
	DecisionKeep   Decision = "keep"
	DecisionRemove Decision = "remove"
)

// ModerationFlag quarantines one report pending a human decision.
type ModerationFlag struct {
	ID         string     `json:"id"`
	ReportID   string     `json:"report_id"`
	RouteID    string     `json:"route_id"`
	ReporterID string     `json:"reporter_id"`
	Reason     FlagReason `json:"reason"`
	RaisedAt   time.Time  `json:"raised_at"`
	Resolution Resolution `json:"resolution"`
}

// ReporterTrust is the reputation record for one reporter identity.
// Weight stays clamped to [0, 1] and drifts toward neutral when idle.
type ReporterTrust struct {
	ReporterID    string    `json:"reporter_id"`
	Weight        float64   `json:"weight"`
	Submissions   int       `json:"submissions"`
	LastActive    time.Time `json:"last_active"`
	LastPenalized time.Time `json:"last_penalized,omitempty"`
}

// ReliabilitySample is one route's on-time percentage for one calendar day.
// The current day's sample stays mutable until day rollover.
type ReliabilitySample struct {
	RouteID   string  `json:"route_id"`
	Day       string  `json:"day"` // "2006-01-02"
	OnTimePct float64 `json:"ontime_pct"`
	Final     bool    `json:"final"`
}

// Hotspot is a (route, stop) pair with its count of late/skipped reports
// over the trailing week. Shown on the ops dashboard.
type Hotspot struct {
	RouteID string `json:"route_id"`
	StopID  string `json:"stop_id"`
	Count   int    `json:"count"`
}
