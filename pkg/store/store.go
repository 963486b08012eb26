// Package store persists raw sensor measurements in SQLite and serves
// them to the shard layer one time window at a time.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/limnolab/aquifer/pkg/series"
)

const timeFormat = time.RFC3339

// Measurement is one sensor reading: a site's parameter sampled at a
// depth at an instant.
type Measurement struct {
	Site      string
	Parameter string
	SampledAt time.Time
	Depth     float64
	Value     float64
}

// DB is the SQLite-backed measurement store.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database and applies the schema. Use
// ":memory:" for an ephemeral store.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := path
	if path != ":memory:" && path != "" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	} else {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &DB{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS measurements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			site TEXT NOT NULL,
			parameter TEXT NOT NULL,
			sampled_at TEXT NOT NULL,
			depth_m REAL NOT NULL DEFAULT 0,
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_site_time ON measurements(site, sampled_at)`,
		`CREATE INDEX IF NOT EXISTS idx_measurements_time ON measurements(sampled_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores one measurement.
func (d *DB) Insert(ctx context.Context, m Measurement) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO measurements (site, parameter, sampled_at, depth_m, value)
		 VALUES (?, ?, ?, ?, ?)`,
		m.Site, m.Parameter, formatTime(m.SampledAt), m.Depth, m.Value)
	if err != nil {
		return fmt.Errorf("insert measurement: %w", err)
	}
	return nil
}

// InsertBatch stores measurements in one transaction.
func (d *DB) InsertBatch(ctx context.Context, ms []Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO measurements (site, parameter, sampled_at, depth_m, value)
		 VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range ms {
		if _, err := stmt.ExecContext(ctx,
			m.Site, m.Parameter, formatTime(m.SampledAt), m.Depth, m.Value); err != nil {
			return fmt.Errorf("insert measurement: %w", err)
		}
	}
	return tx.Commit()
}

// LoadRange returns measurements in [start, end) as a frame ordered by
// time. An empty entity list means every site; an empty parameter list
// means every parameter.
func (d *DB) LoadRange(ctx context.Context, start, end time.Time, entities, params []string) (*series.Frame, error) {
	query := `SELECT sampled_at, site, parameter, depth_m, value
		FROM measurements
		WHERE sampled_at >= ? AND sampled_at < ?`
	args := []any{formatTime(start), formatTime(end)}

	if len(entities) > 0 {
		query += ` AND site IN (` + placeholders(len(entities)) + `)`
		for _, e := range entities {
			args = append(args, e)
		}
	}
	if len(params) > 0 {
		query += ` AND parameter IN (` + placeholders(len(params)) + `)`
		for _, p := range params {
			args = append(args, p)
		}
	}
	query += ` ORDER BY sampled_at, site`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}
	defer rows.Close()

	frame := series.New("timestamp", "site", "parameter", "depth_m", "value")
	for rows.Next() {
		var sampledAt, site, parameter string
		var depth, value float64
		if err := rows.Scan(&sampledAt, &site, &parameter, &depth, &value); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		frame.Append(sampledAt, site, parameter, depth, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load range: %w", err)
	}
	return frame, nil
}

// Sites lists the distinct site IDs, sorted.
func (d *DB) Sites(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT site FROM measurements ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// Parameters lists the distinct parameter names, sorted.
func (d *DB) Parameters(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT parameter FROM measurements ORDER BY parameter`)
	if err != nil {
		return nil, fmt.Errorf("list parameters: %w", err)
	}
	defer rows.Close()

	var params []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan parameter: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

// Summary describes the stored dataset.
type Summary struct {
	Rows   int64     `json:"rows"`
	Sites  int       `json:"sites"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Summarize reports row count, site count and time bounds.
func (d *DB) Summarize(ctx context.Context) (Summary, error) {
	var s Summary
	var oldest, newest string
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT site),
			COALESCE(MIN(sampled_at), ''), COALESCE(MAX(sampled_at), '')
		 FROM measurements`).Scan(&s.Rows, &s.Sites, &oldest, &newest)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize: %w", err)
	}
	if oldest != "" {
		s.Oldest = parseTime(oldest)
	}
	if newest != "" {
		s.Newest = parseTime(newest)
	}
	return s, nil
}

// Ping checks database connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.db.Close()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}
