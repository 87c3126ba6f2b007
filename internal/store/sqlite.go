package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/commutepulse/commutepulse/internal/model"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeFormat is a fixed-width UTC timestamp. Unlike RFC3339Nano it never
// trims fractional zeros, so lexicographic comparison in SQL matches
// chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store on a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite %q: %w", path, err)
	}
	// The engine serializes writes per route already; a single connection
	// avoids SQLITE_BUSY on concurrent route shards.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		route_id TEXT NOT NULL,
		reporter_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delay_minutes INTEGER NOT NULL DEFAULT 0,
		stop_id TEXT NOT NULL,
		submitted_at TIMESTAMP NOT NULL,
		state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_route_time ON reports(route_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_reports_time ON reports(submitted_at);

	CREATE TABLE IF NOT EXISTS trust (
		reporter_id TEXT PRIMARY KEY,
		weight REAL NOT NULL,
		submissions INTEGER NOT NULL,
		last_active TIMESTAMP NOT NULL,
		last_penalized TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS flags (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL,
		route_id TEXT NOT NULL,
		reporter_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		raised_at TIMESTAMP NOT NULL,
		resolution TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flags_pending ON flags(resolution, raised_at);

	CREATE TABLE IF NOT EXISTS reliability (
		route_id TEXT NOT NULL,
		day TEXT NOT NULL,
		ontime_pct REAL NOT NULL,
		final INTEGER NOT NULL,
		PRIMARY KEY (route_id, day)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		identity TEXT NOT NULL,
		route_id TEXT NOT NULL,
		PRIMARY KEY (identity, route_id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) InsertReport(ctx context.Context, r *model.Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, route_id, reporter_id, kind, delay_minutes, stop_id, submitted_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.RouteID, r.ReporterID, string(r.Kind), r.DelayMinutes, r.StopID,
		r.SubmittedAt.UTC().Format(timeFormat), string(r.State),
	)
	if err != nil {
		return fmt.Errorf("store: insert report %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SetReportState(ctx context.Context, reportID string, state model.ModerationState) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET state = ? WHERE id = ?`, string(state), reportID)
	if err != nil {
		return fmt.Errorf("store: set report %s state: %w", reportID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: report %s not found", reportID)
	}
	return nil
}

func (s *SQLiteStore) ReportsSince(ctx context.Context, routeID string, since time.Time) ([]model.Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, route_id, reporter_id, kind, delay_minutes, stop_id, submitted_at, state
		FROM reports
		WHERE route_id = ? AND state != 'removed' AND submitted_at >= ?
		ORDER BY submitted_at ASC`,
		routeID, since.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("store: query reports for %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		var kind, state, submitted string
		if err := rows.Scan(&r.ID, &r.RouteID, &r.ReporterID, &kind,
			&r.DelayMinutes, &r.StopID, &submitted, &state); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		r.Kind = model.ReportKind(kind)
		r.State = model.ModerationState(state)
		if r.SubmittedAt, err = time.Parse(timeFormat, submitted); err != nil {
			return nil, fmt.Errorf("store: parse report time: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountReportsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reports WHERE submitted_at >= ?`,
		since.UTC().Format(timeFormat)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Hotspots(ctx context.Context, since time.Time, limit int) ([]model.Hotspot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, stop_id, COUNT(*) AS n
		FROM reports
		WHERE state = 'active' AND kind IN ('late', 'skipped') AND submitted_at >= ?
		GROUP BY route_id, stop_id
		ORDER BY n DESC, route_id, stop_id
		LIMIT ?`,
		since.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query hotspots: %w", err)
	}
	defer rows.Close()

	var out []model.Hotspot
	for rows.Next() {
		var h model.Hotspot
		if err := rows.Scan(&h.RouteID, &h.StopID, &h.Count); err != nil {
			return nil, fmt.Errorf("store: scan hotspot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTrust(ctx context.Context, t *model.ReporterTrust) error {
	var penalized any
	if !t.LastPenalized.IsZero() {
		penalized = t.LastPenalized.UTC().Format(timeFormat)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO trust (reporter_id, weight, submissions, last_active, last_penalized)
		VALUES (?, ?, ?, ?, ?)`,
		t.ReporterID, t.Weight, t.Submissions,
		t.LastActive.UTC().Format(timeFormat), penalized,
	)
	if err != nil {
		return fmt.Errorf("store: upsert trust %s: %w", t.ReporterID, err)
	}
	return nil
}

func (s *SQLiteStore) TrustRecords(ctx context.Context) ([]model.ReporterTrust, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reporter_id, weight, submissions, last_active, last_penalized FROM trust`)
	if err != nil {
		return nil, fmt.Errorf("store: query trust: %w", err)
	}
	defer rows.Close()

	var out []model.ReporterTrust
	for rows.Next() {
		var t model.ReporterTrust
		var active string
		var penalized sql.NullString
		if err := rows.Scan(&t.ReporterID, &t.Weight, &t.Submissions, &active, &penalized); err != nil {
			return nil, fmt.Errorf("store: scan trust: %w", err)
		}
		if t.LastActive, err = time.Parse(timeFormat, active); err != nil {
			return nil, fmt.Errorf("store: parse trust time: %w", err)
		}
		if penalized.Valid {
			if t.LastPenalized, err = time.Parse(timeFormat, penalized.String); err != nil {
				return nil, fmt.Errorf("store: parse trust time: %w", err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertFlag(ctx context.Context, f *model.ModerationFlag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO flags (id, report_id, route_id, reporter_id, reason, raised_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ReportID, f.RouteID, f.ReporterID, string(f.Reason),
		f.RaisedAt.UTC().Format(timeFormat), string(f.Resolution),
	)
	if err != nil {
		return fmt.Errorf("store: insert flag %s: %w", f.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ResolveFlag(ctx context.Context, flagID string, res model.Resolution) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE flags SET resolution = ? WHERE id = ? AND resolution = 'pending'`,
		string(res), flagID)
	if err != nil {
		return fmt.Errorf("store: resolve flag %s: %w", flagID, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("store: flag %s not pending", flagID)
	}
	return nil
}

func (s *SQLiteStore) PendingFlags(ctx context.Context) ([]model.ModerationFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, route_id, reporter_id, reason, raised_at, resolution
		FROM flags WHERE resolution = 'pending'
		ORDER BY raised_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query pending flags: %w", err)
	}
	defer rows.Close()

	var out []model.ModerationFlag
	for rows.Next() {
		var f model.ModerationFlag
		var reason, res, raised string
		if err := rows.Scan(&f.ID, &f.ReportID, &f.RouteID, &f.ReporterID,
			&reason, &raised, &res); err != nil {
			return nil, fmt.Errorf("store: scan flag: %w", err)
		}
		f.Reason = model.FlagReason(reason)
		f.Resolution = model.Resolution(res)
		if f.RaisedAt, err = time.Parse(timeFormat, raised); err != nil {
			return nil, fmt.Errorf("store: parse flag time: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertSample(ctx context.Context, sample *model.ReliabilitySample) error {
	final := 0
	if sample.Final {
		final = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reliability (route_id, day, ontime_pct, final)
		VALUES (?, ?, ?, ?)`,
		sample.RouteID, sample.Day, sample.OnTimePct, final,
	)
	if err != nil {
		return fmt.Errorf("store: upsert sample %s/%s: %w", sample.RouteID, sample.Day, err)
	}
	return nil
}

func (s *SQLiteStore) Samples(ctx context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT route_id, day, ontime_pct, final
		FROM reliability WHERE route_id = ?
		ORDER BY day DESC LIMIT ?`,
		routeID, lastN)
	if err != nil {
		return nil, fmt.Errorf("store: query samples for %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []model.ReliabilitySample
	for rows.Next() {
		var sm model.ReliabilitySample
		var final int
		if err := rows.Scan(&sm.RouteID, &sm.Day, &sm.OnTimePct, &final); err != nil {
			return nil, fmt.Errorf("store: scan sample: %w", err)
		}
		sm.Final = final != 0
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PruneSamples(ctx context.Context, before string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reliability WHERE final = 1 AND day < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune samples: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) AddSubscription(ctx context.Context, identity, routeID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO subscriptions (identity, route_id) VALUES (?, ?)`,
		identity, routeID)
	if err != nil {
		return fmt.Errorf("store: add subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveSubscription(ctx context.Context, identity, routeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE identity = ? AND route_id = ?`,
		identity, routeID)
	if err != nil {
		return fmt.Errorf("store: remove subscription: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Subscriptions(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, route_id FROM subscriptions ORDER BY route_id, identity`)
	if err != nil {
		return nil, fmt.Errorf("store: query subscriptions: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var identity, routeID string
		if err := rows.Scan(&identity, &routeID); err != nil {
			return nil, fmt.Errorf("store: scan subscription: %w", err)
		}
		out[routeID] = append(out[routeID], identity)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
