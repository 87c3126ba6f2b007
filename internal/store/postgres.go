package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/commutepulse/commutepulse/internal/model"
)

// PostgresStore implements Store on a PostgreSQL database via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL, verifies the connection and ensures
// the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		id TEXT PRIMARY KEY,
		route_id TEXT NOT NULL,
		reporter_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		delay_minutes INT NOT NULL DEFAULT 0,
		stop_id TEXT NOT NULL,
		submitted_at TIMESTAMPTZ NOT NULL,
		state TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_reports_route_time ON reports(route_id, submitted_at);
	CREATE INDEX IF NOT EXISTS idx_reports_time ON reports(submitted_at);

	CREATE TABLE IF NOT EXISTS trust (
		reporter_id TEXT PRIMARY KEY,
		weight DOUBLE PRECISION NOT NULL,
		submissions INT NOT NULL,
		last_active TIMESTAMPTZ NOT NULL,
		last_penalized TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS flags (
		id TEXT PRIMARY KEY,
		report_id TEXT NOT NULL,
		route_id TEXT NOT NULL,
		reporter_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		raised_at TIMESTAMPTZ NOT NULL,
		resolution TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_flags_pending ON flags(resolution, raised_at);

	CREATE TABLE IF NOT EXISTS reliability (
		route_id TEXT NOT NULL,
		day TEXT NOT NULL,
		ontime_pct DOUBLE PRECISION NOT NULL,
		final BOOLEAN NOT NULL,
		PRIMARY KEY (route_id, day)
	);

	CREATE TABLE IF NOT EXISTS subscriptions (
		identity TEXT NOT NULL,
		route_id TEXT NOT NULL,
		PRIMARY KEY (identity, route_id)
	);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *PostgresStore) InsertReport(ctx context.Context, r *model.Report) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reports (id, route_id, reporter_id, kind, delay_minutes, stop_id, submitted_at, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.RouteID, r.ReporterID, string(r.Kind), r.DelayMinutes, r.StopID,
		r.SubmittedAt.UTC(), string(r.State),
	)
	if err != nil {
		return fmt.Errorf("store: insert report %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) SetReportState(ctx context.Context, reportID string, state model.ModerationState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET state = $1 WHERE id = $2`, string(state), reportID)
	if err != nil {
		return fmt.Errorf("store: set report %s state: %w", reportID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: report %s not found", reportID)
	}
	return nil
}

func (s *PostgresStore) ReportsSince(ctx context.Context, routeID string, since time.Time) ([]model.Report, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, route_id, reporter_id, kind, delay_minutes, stop_id, submitted_at, state
		FROM reports
		WHERE route_id = $1 AND state != 'removed' AND submitted_at >= $2
		ORDER BY submitted_at ASC`,
		routeID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("store: query reports for %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		var r model.Report
		var kind, state string
		if err := rows.Scan(&r.ID, &r.RouteID, &r.ReporterID, &kind,
			&r.DelayMinutes, &r.StopID, &r.SubmittedAt, &state); err != nil {
			return nil, fmt.Errorf("store: scan report: %w", err)
		}
		r.Kind = model.ReportKind(kind)
		r.State = model.ModerationState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountReportsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM reports WHERE submitted_at >= $1`, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Hotspots(ctx context.Context, since time.Time, limit int) ([]model.Hotspot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route_id, stop_id, COUNT(*) AS n
		FROM reports
		WHERE state = 'active' AND kind IN ('late', 'skipped') AND submitted_at >= $1
		GROUP BY route_id, stop_id
		ORDER BY n DESC, route_id, stop_id
		LIMIT $2`,
		since.UTC(), limit)
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

func (s *PostgresStore) UpsertTrust(ctx context.Context, t *model.ReporterTrust) error {
	var penalized *time.Time
	if !t.LastPenalized.IsZero() {
		p := t.LastPenalized.UTC()
		penalized = &p
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trust (reporter_id, weight, submissions, last_active, last_penalized)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (reporter_id) DO UPDATE SET
			weight = EXCLUDED.weight,
			submissions = EXCLUDED.submissions,
			last_active = EXCLUDED.last_active,
			last_penalized = EXCLUDED.last_penalized`,
		t.ReporterID, t.Weight, t.Submissions, t.LastActive.UTC(), penalized,
	)
	if err != nil {
		return fmt.Errorf("store: upsert trust %s: %w", t.ReporterID, err)
	}
	return nil
}

func (s *PostgresStore) TrustRecords(ctx context.Context) ([]model.ReporterTrust, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reporter_id, weight, submissions, last_active, last_penalized FROM trust`)
	if err != nil {
		return nil, fmt.Errorf("store: query trust: %w", err)
	}
	defer rows.Close()

	var out []model.ReporterTrust
	for rows.Next() {
		var t model.ReporterTrust
		var penalized *time.Time
		if err := rows.Scan(&t.ReporterID, &t.Weight, &t.Submissions,
			&t.LastActive, &penalized); err != nil {
			return nil, fmt.Errorf("store: scan trust: %w", err)
		}
		if penalized != nil {
			t.LastPenalized = *penalized
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertFlag(ctx context.Context, f *model.ModerationFlag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flags (id, report_id, route_id, reporter_id, reason, raised_at, resolution)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		f.ID, f.ReportID, f.RouteID, f.ReporterID, string(f.Reason),
		f.RaisedAt.UTC(), string(f.Resolution),
	)
	if err != nil {
		return fmt.Errorf("store: insert flag %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) ResolveFlag(ctx context.Context, flagID string, res model.Resolution) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE flags SET resolution = $1 WHERE id = $2 AND resolution = 'pending'`,
		string(res), flagID)
	if err != nil {
		return fmt.Errorf("store: resolve flag %s: %w", flagID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("store: flag %s not pending", flagID)
	}
	return nil
}

func (s *PostgresStore) PendingFlags(ctx context.Context) ([]model.ModerationFlag, error) {
	rows, err := s.pool.Query(ctx, `
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
		var reason, res string
		if err := rows.Scan(&f.ID, &f.ReportID, &f.RouteID, &f.ReporterID,
			&reason, &f.RaisedAt, &res); err != nil {
			return nil, fmt.Errorf("store: scan flag: %w", err)
		}
		f.Reason = model.FlagReason(reason)
		f.Resolution = model.Resolution(res)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSample(ctx context.Context, sample *model.ReliabilitySample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reliability (route_id, day, ontime_pct, final)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (route_id, day) DO UPDATE SET
			ontime_pct = EXCLUDED.ontime_pct,
			final = EXCLUDED.final`,
		sample.RouteID, sample.Day, sample.OnTimePct, sample.Final,
	)
	if err != nil {
		return fmt.Errorf("store: upsert sample %s/%s: %w", sample.RouteID, sample.Day, err)
	}
	return nil
}

func (s *PostgresStore) Samples(ctx context.Context, routeID string, lastN int) ([]model.ReliabilitySample, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT route_id, day, ontime_pct, final
		FROM reliability WHERE route_id = $1
		ORDER BY day DESC LIMIT $2`,
		routeID, lastN)
	if err != nil {
		return nil, fmt.Errorf("store: query samples for %s: %w", routeID, err)
	}
	defer rows.Close()

	var out []model.ReliabilitySample
	for rows.Next() {
		var sm model.ReliabilitySample
		if err := rows.Scan(&sm.RouteID, &sm.Day, &sm.OnTimePct, &sm.Final); err != nil {
			return nil, fmt.Errorf("store: scan sample: %w", err)
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PruneSamples(ctx context.Context, before string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM reliability WHERE final AND day < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: prune samples: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) AddSubscription(ctx context.Context, identity, routeID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (identity, route_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`,
		identity, routeID)
	if err != nil {
		return fmt.Errorf("store: add subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveSubscription(ctx context.Context, identity, routeID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE identity = $1 AND route_id = $2`,
		identity, routeID)
	if err != nil {
		return fmt.Errorf("store: remove subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) Subscriptions(ctx context.Context) (map[string][]string, error) {
	rows, err := s.pool.Query(ctx,
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
