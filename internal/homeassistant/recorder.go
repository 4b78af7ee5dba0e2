package homeassistant

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// RecorderDB reads long-term statistics straight from Home Assistant's
// recorder database. The file is opened read-only so the agent can never
// write to HA's own store.
type RecorderDB struct {
	db *sql.DB
}

// OpenRecorderDB opens path (home-assistant_v2.db) read-only.
func OpenRecorderDB(path string) (*RecorderDB, error) {
	dsn := "file:" + path + "?mode=ro&_pragma=query_only(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	return &RecorderDB{db: db}, nil
}

// Close releases the database handle.
func (r *RecorderDB) Close() error { return r.db.Close() }

// SearchStatistics matches query against statistic_id and source.
func (r *RecorderDB) SearchStatistics(ctx context.Context, query string) ([]StatisticMeta, error) {
	like := "%" + strings.ToLower(query) + "%"
	rows, err := r.db.QueryContext(ctx, `
		SELECT statistic_id, COALESCE(unit_of_measurement, ''), COALESCE(source, '')
		FROM statistics_meta
		WHERE lower(statistic_id) LIKE ? OR lower(source) LIKE ?
		ORDER BY statistic_id
		LIMIT 50`, like, like)
	if err != nil {
		return nil, fmt.Errorf("search statistics: %w", err)
	}
	defer rows.Close()

	var out []StatisticMeta
	for rows.Next() {
		var m StatisticMeta
		if err := rows.Scan(&m.StatisticID, &m.Unit, &m.Source); err != nil {
			return nil, fmt.Errorf("scan statistic meta: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Statistics returns rows since start. The 5minute period reads the
// short-term table; every other period reads hourly rows, which
// Summarize folds into days.
func (r *RecorderDB) Statistics(ctx context.Context, ids []string, period string, start time.Time) ([]Series, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	table := "statistics"
	if period == "5minute" {
		table = "statistics_short_term"
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	metaRows, err := r.db.QueryContext(ctx,
		`SELECT id, statistic_id, COALESCE(unit_of_measurement, '') FROM statistics_meta WHERE statistic_id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("resolve statistic ids: %w", err)
	}
	type meta struct {
		id   int64
		sid  string
		unit string
	}
	var metas []meta
	for metaRows.Next() {
		var m meta
		if err := metaRows.Scan(&m.id, &m.sid, &m.unit); err != nil {
			metaRows.Close()
			return nil, fmt.Errorf("scan statistic meta: %w", err)
		}
		metas = append(metas, m)
	}
	metaRows.Close()

	var out []Series
	for _, m := range metas {
		s := Series{StatisticID: m.sid, Unit: m.unit}
		rows, err := r.db.QueryContext(ctx,
			`SELECT start_ts, sum, mean FROM `+table+` WHERE metadata_id = ? AND start_ts >= ? ORDER BY start_ts`,
			m.id, float64(start.Unix()))
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", m.sid, err)
		}
		for rows.Next() {
			var ts float64
			var sum, mean sql.NullFloat64
			if err := rows.Scan(&ts, &sum, &mean); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s: %w", m.sid, err)
			}
			p := StatPoint{Start: time.Unix(int64(ts), 0).UTC()}
			if sum.Valid {
				v := sum.Float64
				p.Sum = &v
			}
			if mean.Valid {
				v := mean.Float64
				p.Mean = &v
			}
			s.Points = append(s.Points, p)
		}
		rows.Close()
		out = append(out, s)
	}
	return out, nil
}
