package store

import (
	"context"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"
)

// Store is the durable backend behind the engine. Two implementations
// exist: SQLite (default, single file) and PostgreSQL.
//
// The engine writes through Store before mutating any in-memory state, so
// a summary is never derived from a report that was not durably recorded.
type Store interface {
	// InsertReport durably records a new report in its initial state.
	InsertReport(ctx context.Context, r *model.Report) error

	// SetReportState updates one report's moderation state.
	SetReportState(ctx context.Context, reportID string, state model.ModerationState) error

	// ReportsSince returns a route's non-removed reports submitted at or
	// after since, oldest first. Used to rebuild the in-memory log at boot.
	ReportsSince(ctx context.Context, routeID string, since time.Time) ([]model.Report, error)

	// CountReportsSince returns the number of reports (any state) submitted
	// at or after since, across all routes.
	CountReportsSince(ctx context.Context, since time.Time) (int, error)

	// Hotspots returns the (route, stop) pairs with the most active
	// late/skipped reports since the given time, descending, at most limit.
	Hotspots(ctx context.Context, since time.Time, limit int) ([]model.Hotspot, error)

	// UpsertTrust inserts or replaces one reporter's trust record.
	UpsertTrust(ctx context.Context, t *model.ReporterTrust) error

	// TrustRecords returns all trust records. Loaded once at boot.
	TrustRecords(ctx context.Context) ([]model.ReporterTrust, error)

	// InsertFlag durably records a new moderation flag (resolution pending).
	InsertFlag(ctx context.Context, f *model.ModerationFlag) error

	// ResolveFlag marks a flag kept or removed.
	ResolveFlag(ctx context.Context, flagID string, res model.Resolution) error

	// PendingFlags returns unresolved flags, oldest first.
	PendingFlags(ctx context.Context) ([]model.ModerationFlag, error)

	// UpsertSample inserts or replaces one route's daily reliability sample.
	UpsertSample(ctx context.Context, s *model.ReliabilitySample) error

	// Samples returns a route's most recent daily samples, newest first,
	// at most lastN.
	Samples(ctx context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error)

	// PruneSamples deletes finalized samples for days before the given
	// calendar day ("2006-01-02") and returns how many were removed.
	PruneSamples(ctx context.Context, before string) (int, error)

	// AddSubscription and RemoveSubscription are idempotent set operations.
	AddSubscription(ctx context.Context, identity, routeID string) error
	RemoveSubscription(ctx context.Context, identity, routeID string) error

	// Subscriptions returns all subscriptions keyed by route ID.
	Subscriptions(ctx context.Context) (map[string][]string, error)

	Close() error
}
