// Package overlay implements the optional per-gauge forecast/cross-check
// series: fetched on a rate-limited schedule, merged by timestamp, trimmed
// to a window around "now", and summarized on read. Points are persisted
// in SQLite rather than the JSON state document: an upsert-by-timestamp
// series with range trims is a table, not a document field.
package overlay

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"streamvis/internal/clock"
	"streamvis/internal/domain"
	"streamvis/internal/httpclient"
)

const refreshInterval = 60 * time.Minute

// Config holds the overlay store's tunables.
type Config struct {
	URLTemplate string        // may contain {gauge_id}, {site_no}, {nws_lid}
	Horizon     time.Duration // trim window, applied both directions
}

func DefaultConfig() Config {
	return Config{Horizon: 72 * time.Hour}
}

// Store is the SQLite-backed overlay point repository.
type Store struct {
	cfg  Config
	clk  clock.Clock
	http *httpclient.Client
	db   *sql.DB

	lastRefresh map[string]time.Time
}

// Open opens (creating if absent) the SQLite database at dbPath and
// ensures the overlay_points table exists.
func Open(cfg Config, clk clock.Clock, hc *httpclient.Client, dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("overlay: opening %s: %w", dbPath, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS overlay_points (
	gauge_id  TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	stage     REAL,
	flow      REAL,
	PRIMARY KEY (gauge_id, ts)
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("overlay: creating schema: %w", err)
	}
	return &Store{cfg: cfg, clk: clk, http: hc, db: db, lastRefresh: map[string]time.Time{}}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Refresh fetches and merges forecast points for one gauge, honoring the
// 60-minute rate limit. The fetch runs synchronously on the caller's
// goroutine. A fetch failure is returned wrapped in domain.ErrOverlayFetch
// and leaves prior data intact.
func (s *Store) Refresh(ctx context.Context, gauge domain.Gauge) error {
	if s.cfg.URLTemplate == "" {
		return domain.ErrOverlayDisabled
	}
	now := s.clk.Now()
	if last, ok := s.lastRefresh[gauge.ID]; ok && now.Sub(last) < refreshInterval {
		return nil
	}
	s.lastRefresh[gauge.ID] = now

	points, err := s.fetch(ctx, gauge)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrOverlayFetch, err)
	}
	if err := s.merge(gauge.ID, points); err != nil {
		return err
	}
	return s.trim(gauge.ID, now)
}

type rawPoint struct {
	Timestamp string      `json:"timestamp"`
	Stage     interface{} `json:"stage"`
	Flow      interface{} `json:"flow"`
}

type forecastResponse struct {
	Points []rawPoint `json:"points"`
}

func (s *Store) fetch(ctx context.Context, gauge domain.Gauge) ([]domain.OverlayPoint, error) {
	reqURL := resolveTemplate(s.cfg.URLTemplate, gauge)

	var resp forecastResponse
	if err := s.http.GetJSON(ctx, reqURL, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.OverlayPoint, 0, len(resp.Points))
	for _, rp := range resp.Points {
		ts, err := clockParse(rp.Timestamp)
		if err != nil {
			continue // lenient: skip the one bad point, keep the rest
		}
		out = append(out, domain.OverlayPoint{
			Timestamp: ts,
			Stage:     coerceFloat(rp.Stage),
			Flow:      coerceFloat(rp.Flow),
		})
	}
	return out, nil
}

func (s *Store) merge(gaugeID string, points []domain.OverlayPoint) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("overlay: begin tx: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
INSERT INTO overlay_points (gauge_id, ts, stage, flow)
VALUES (?, ?, ?, ?)
ON CONFLICT(gauge_id, ts) DO UPDATE SET stage = excluded.stage, flow = excluded.flow;`

	for _, p := range points {
		if _, err := tx.Exec(upsert, gaugeID, p.Timestamp.Unix(), nullableFloat(p.Stage), nullableFloat(p.Flow)); err != nil {
			return fmt.Errorf("overlay: upsert: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) trim(gaugeID string, now time.Time) error {
	lo := now.Add(-s.cfg.Horizon).Unix()
	hi := now.Add(s.cfg.Horizon).Unix()
	_, err := s.db.Exec(`DELETE FROM overlay_points WHERE gauge_id = ? AND (ts < ? OR ts > ?)`, gaugeID, lo, hi)
	if err != nil {
		return fmt.Errorf("overlay: trim: %w", err)
	}
	return nil
}

// Points returns the currently stored, trimmed series for gaugeID in
// ascending timestamp order.
func (s *Store) Points(gaugeID string) ([]domain.OverlayPoint, error) {
	rows, err := s.db.Query(`SELECT ts, stage, flow FROM overlay_points WHERE gauge_id = ? ORDER BY ts ASC`, gaugeID)
	if err != nil {
		return nil, fmt.Errorf("overlay: query: %w", err)
	}
	defer rows.Close()

	var out []domain.OverlayPoint
	for rows.Next() {
		var ts int64
		var stage, flow sql.NullFloat64
		if err := rows.Scan(&ts, &stage, &flow); err != nil {
			return nil, fmt.Errorf("overlay: scan: %w", err)
		}
		p := domain.OverlayPoint{Timestamp: time.Unix(ts, 0).UTC()}
		if stage.Valid {
			v := stage.Float64
			p.Stage = &v
		}
		if flow.Valid {
			v := flow.Float64
			p.Flow = &v
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Populate fills st.Forecast with every gauge's currently stored overlay
// section (points plus derived summary), for callers assembling the
// read-facing state document. Gauges with no stored points are left out
// of the map entirely rather than included empty.
func (s *Store) Populate(st *domain.State, gauges map[string]domain.Gauge, now time.Time) error {
	for id := range gauges {
		points, err := s.Points(id)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			continue
		}
		var history []domain.HistoryPoint
		if gs, ok := st.Gauges[id]; ok {
			history = gs.History
		}
		summary, err := s.Summarize(id, history, now)
		if err != nil {
			return err
		}
		if st.Forecast == nil {
			st.Forecast = make(map[string]*domain.OverlaySection)
		}
		st.Forecast[id] = &domain.OverlaySection{Points: points, Summary: summary}
	}
	return nil
}

// Summarize computes the derived maxima/bias/peak-offset summary for
// gaugeID, given the gauge's observed history for comparison.
func (s *Store) Summarize(gaugeID string, history []domain.HistoryPoint, now time.Time) (domain.OverlaySummary, error) {
	points, err := s.Points(gaugeID)
	if err != nil {
		return domain.OverlaySummary{}, err
	}
	if len(points) == 0 {
		return domain.OverlaySummary{}, nil
	}

	var summary domain.OverlaySummary
	summary.MaxStage3h = maxStageWithin(points, now, 3*time.Hour)
	summary.MaxFlow3h = maxFlowWithin(points, now, 3*time.Hour)
	summary.MaxStage24h = maxStageWithin(points, now, 24*time.Hour)
	summary.MaxFlow24h = maxFlowWithin(points, now, 24*time.Hour)
	summary.MaxStageFull = maxStageWithin(points, now, s.cfg.Horizon)
	summary.MaxFlowFull = maxFlowWithin(points, now, s.cfg.Horizon)

	if len(history) > 0 {
		latest := history[len(history)-1]
		nearest := nearestPoint(points, latest.Timestamp)
		if nearest != nil && latest.Stage != nil && nearest.Stage != nil {
			bias := *latest.Stage - *nearest.Stage
			summary.AmplitudeBias = &bias
			if *nearest.Stage != 0 {
				ratio := *latest.Stage / *nearest.Stage
				summary.AmplitudeRatio = &ratio
			}
		}

		obsPeakTS := peakTimestamp(history)
		fcPeakTS := peakTimestampOverlay(points)
		if !obsPeakTS.IsZero() && !fcPeakTS.IsZero() {
			offset := fcPeakTS.Sub(obsPeakTS)
			summary.PeakTimeOffset = &offset
		}
	}
	return summary, nil
}

func maxStageWithin(points []domain.OverlayPoint, now time.Time, window time.Duration) *float64 {
	var best *float64
	for _, p := range points {
		if p.Stage == nil || absDuration(p.Timestamp.Sub(now)) > window {
			continue
		}
		if best == nil || *p.Stage > *best {
			v := *p.Stage
			best = &v
		}
	}
	return best
}

func maxFlowWithin(points []domain.OverlayPoint, now time.Time, window time.Duration) *float64 {
	var best *float64
	for _, p := range points {
		if p.Flow == nil || absDuration(p.Timestamp.Sub(now)) > window {
			continue
		}
		if best == nil || *p.Flow > *best {
			v := *p.Flow
			best = &v
		}
	}
	return best
}

func nearestPoint(points []domain.OverlayPoint, t time.Time) *domain.OverlayPoint {
	var best *domain.OverlayPoint
	var bestDelta time.Duration
	for i := range points {
		d := absDuration(points[i].Timestamp.Sub(t))
		if best == nil || d < bestDelta {
			best = &points[i]
			bestDelta = d
		}
	}
	return best
}

func peakTimestamp(history []domain.HistoryPoint) time.Time {
	var bestTS time.Time
	var bestVal float64
	found := false
	for _, h := range history {
		if h.Stage == nil {
			continue
		}
		if !found || *h.Stage > bestVal {
			bestVal = *h.Stage
			bestTS = h.Timestamp
			found = true
		}
	}
	return bestTS
}

func peakTimestampOverlay(points []domain.OverlayPoint) time.Time {
	var bestTS time.Time
	var bestVal float64
	found := false
	for _, p := range points {
		if p.Stage == nil {
			continue
		}
		if !found || *p.Stage > bestVal {
			bestVal = *p.Stage
			bestTS = p.Timestamp
			found = true
		}
	}
	return bestTS
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func resolveTemplate(tmpl string, gauge domain.Gauge) string {
	out := tmpl
	out = strings.ReplaceAll(out, "{gauge_id}", url.PathEscape(gauge.ID))
	out = strings.ReplaceAll(out, "{site_no}", url.PathEscape(gauge.SiteNo))
	out = strings.ReplaceAll(out, "{nws_lid}", url.PathEscape(gauge.Name))
	return out
}

func clockParse(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func coerceFloat(v interface{}) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

func nullableFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
