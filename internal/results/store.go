// Package results persists completed builds in PostgreSQL for the
// /api/builds query surface. The store is optional; a nil *Store is a
// valid no-op recorder.
package results

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/RevCBH/switchyard/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS builds (
	uuid        TEXT PRIMARY KEY,
	tenant      TEXT NOT NULL,
	pipeline    TEXT NOT NULL,
	project     TEXT NOT NULL,
	change_key  TEXT NOT NULL,
	job_name    TEXT NOT NULL,
	result      TEXT NOT NULL,
	start_time  TIMESTAMPTZ,
	end_time    TIMESTAMPTZ,
	worker_name TEXT NOT NULL DEFAULT '',
	node_name   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_builds_pipeline ON builds(tenant, pipeline, end_time DESC);
CREATE INDEX IF NOT EXISTS idx_builds_job ON builds(job_name, end_time DESC);
`

// BuildRecord is one persisted build.
type BuildRecord struct {
	UUID       string    `json:"uuid"`
	Tenant     string    `json:"tenant"`
	Pipeline   string    `json:"pipeline"`
	Project    string    `json:"project"`
	ChangeKey  string    `json:"change"`
	JobName    string    `json:"job"`
	Result     string    `json:"result"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	WorkerName string    `json:"worker,omitempty"`
	NodeName   string    `json:"node,omitempty"`
}

// Query filters a Recent lookup. Zero fields match everything.
type Query struct {
	Tenant   string
	Pipeline string
	Project  string
	JobName  string
	Result   string
	Limit    int
}

// Store writes build records through a background goroutine so the
// scheduler loop never blocks on the database.
type Store struct {
	log  *zap.SugaredLogger
	pool *pgxpool.Pool
	ch   chan BuildRecord
}

// Open connects to the database and ensures the schema.
func Open(ctx context.Context, dsn string, log *zap.SugaredLogger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to results database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialising results database: %w", err)
	}
	return &Store{
		log:  log.Named("results"),
		pool: pool,
		ch:   make(chan BuildRecord, 256),
	}, nil
}

// Run drains queued records until the context ends.
func (s *Store) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-s.ch:
			if err := s.insert(ctx, rec); err != nil {
				s.log.Errorw("recording build failed", "build", rec.UUID, "error", err)
			}
		}
	}
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// RecordBuild queues a completed build for persistence. A full queue drops
// the record rather than stall the caller.
func (s *Store) RecordBuild(tenant, pipeline string, build *model.Build) {
	if s == nil {
		return
	}
	item := build.BuildSet.Item
	rec := BuildRecord{
		UUID:       build.UUID,
		Tenant:     tenant,
		Pipeline:   pipeline,
		JobName:    build.Job.Name,
		Result:     build.Result,
		StartTime:  build.StartTime,
		EndTime:    build.EndTime,
		WorkerName: build.WorkerName,
		NodeName:   build.NodeName,
	}
	if item != nil {
		rec.Project = item.Change.Project().CanonicalName()
		rec.ChangeKey = item.Change.Key()
	}
	select {
	case s.ch <- rec:
	default:
		s.log.Warnw("results queue full, dropping record", "build", rec.UUID)
	}
}

func (s *Store) insert(ctx context.Context, rec BuildRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO builds
			(uuid, tenant, pipeline, project, change_key, job_name, result,
			 start_time, end_time, worker_name, node_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (uuid) DO UPDATE SET result = EXCLUDED.result,
			end_time = EXCLUDED.end_time`,
		rec.UUID, rec.Tenant, rec.Pipeline, rec.Project, rec.ChangeKey,
		rec.JobName, rec.Result, nullableTime(rec.StartTime),
		nullableTime(rec.EndTime), rec.WorkerName, rec.NodeName,
	)
	return err
}

// Recent returns the newest records matching the query, most recent first.
func (s *Store) Recent(ctx context.Context, q Query) ([]BuildRecord, error) {
	var where []string
	var args []any
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("tenant", q.Tenant)
	add("pipeline", q.Pipeline)
	add("project", q.Project)
	add("job_name", q.JobName)
	add("result", q.Result)

	sql := `SELECT uuid, tenant, pipeline, project, change_key, job_name,
		result, start_time, end_time, worker_name, node_name FROM builds`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	args = append(args, limit)
	sql += fmt.Sprintf(" ORDER BY end_time DESC NULLS LAST LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying builds: %w", err)
	}
	defer rows.Close()

	var out []BuildRecord
	for rows.Next() {
		var rec BuildRecord
		var start, end *time.Time
		if err := rows.Scan(&rec.UUID, &rec.Tenant, &rec.Pipeline, &rec.Project,
			&rec.ChangeKey, &rec.JobName, &rec.Result, &start, &end,
			&rec.WorkerName, &rec.NodeName); err != nil {
			return nil, fmt.Errorf("scanning build row: %w", err)
		}
		if start != nil {
			rec.StartTime = *start
		}
		if end != nil {
			rec.EndTime = *end
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
