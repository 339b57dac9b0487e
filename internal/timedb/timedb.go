// Package timedb persists recent build durations per job name in SQLite,
// providing estimated run times for newly started builds.
package timedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// keep is how many recent records are retained per job.
const keep = 10

const schema = `
CREATE TABLE IF NOT EXISTS build_times (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_name    TEXT NOT NULL,
	duration_ms INTEGER NOT NULL,
	result      TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_build_times_job ON build_times(job_name, id);
`

// DB stores per-job recent-duration statistics.
type DB struct {
	db *sql.DB
}

// Open creates (or opens) the time database under dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating time database dir: %w", err)
	}
	path := filepath.Join(dir, "times.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening time database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialising time database: %w", err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record stores one build duration and trims history beyond the retention
// window.
func (d *DB) Record(jobName string, duration time.Duration, result string) error {
	_, err := d.db.Exec(
		`INSERT INTO build_times (job_name, duration_ms, result, recorded_at) VALUES (?, ?, ?, ?)`,
		jobName, duration.Milliseconds(), result, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("recording build time for %s: %w", jobName, err)
	}
	_, err = d.db.Exec(
		`DELETE FROM build_times WHERE job_name = ? AND id NOT IN (
			SELECT id FROM build_times WHERE job_name = ? ORDER BY id DESC LIMIT ?)`,
		jobName, jobName, keep,
	)
	if err != nil {
		return fmt.Errorf("trimming build times for %s: %w", jobName, err)
	}
	return nil
}

// Estimate returns the mean duration of the job's recent successful runs,
// or zero when no history exists.
func (d *DB) Estimate(jobName string) time.Duration {
	row := d.db.QueryRow(
		`SELECT COALESCE(AVG(duration_ms), 0) FROM (
			SELECT duration_ms FROM build_times
			WHERE job_name = ? AND result = 'SUCCESS'
			ORDER BY id DESC LIMIT ?)`,
		jobName, keep,
	)
	var ms float64
	if err := row.Scan(&ms); err != nil {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
