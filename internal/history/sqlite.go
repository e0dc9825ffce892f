// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package history records finished runs in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/stagehand/internal/report"
	sherrors "github.com/tombee/stagehand/pkg/errors"
	"github.com/tombee/stagehand/pkg/pipeline"
)

// timeLayout has fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is a stored run summary.
type Run struct {
	ID         string           `json:"id"`
	Pipeline   string           `json:"pipeline,omitempty"`
	Outcome    pipeline.Outcome `json:"outcome"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Event      string           `json:"event,omitempty"`
	Ref        string           `json:"ref,omitempty"`
	SHA        string           `json:"sha,omitempty"`
	Instances  int              `json:"instances"`
	Failed     int              `json:"failed"`
	StartedAt  time.Time        `json:"started_at"`
	DurationMS int64            `json:"duration_ms"`
}

// Filter narrows List results.
type Filter struct {
	Pipeline string
	Outcome  pipeline.Outcome
	Limit    int
}

// Store is a SQLite run history.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path; parent directories are created.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Open opens or creates the history database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &sherrors.ConfigError{Key: "history.path", Reason: "path is required"}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline TEXT,
			outcome TEXT NOT NULL,
			cancelled INTEGER DEFAULT 0,
			event TEXT,
			ref TEXT,
			sha TEXT,
			instances INTEGER DEFAULT 0,
			failed INTEGER DEFAULT 0,
			report TEXT NOT NULL,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline ON runs(pipeline)`,
		`CREATE TABLE IF NOT EXISTS instances (
			run_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			job TEXT NOT NULL,
			instance TEXT NOT NULL,
			outcome TEXT NOT NULL,
			skip_reason TEXT,
			cache TEXT,
			failed_step TEXT,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, position),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_job ON instances(job)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Record stores a finished run. Recording the same run ID twice replaces it.
func (s *Store) Record(ctx context.Context, r *report.Report, run pipeline.RunContext) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	failed := 0
	for _, row := range r.Instances {
		if row.Outcome == pipeline.OutcomeFailed && !row.Tolerated {
			failed++
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", r.RunID); err != nil {
		return fmt.Errorf("failed to replace run: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, pipeline, outcome, cancelled, event, ref, sha, instances, failed,
			report, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, nullString(r.Pipeline), string(r.Outcome), boolInt(r.Cancelled),
		nullString(run.Event()), nullString(run.Ref()), nullString(run.SHA()),
		len(r.Instances), failed, string(data),
		r.StartedAt.UTC().Format(timeLayout), r.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for i, row := range r.Instances {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO instances (run_id, position, job, instance, outcome, skip_reason, cache,
				failed_step, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, i, row.Job, row.Instance, string(row.Outcome),
			nullString(string(row.SkipReason)), nullString(row.Cache), nullString(row.FailedStep),
			row.DurationMS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert instance %s: %w", row.Instance, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline, outcome, cancelled, event, ref, sha, instances, failed, started_at, duration_ms`

// List returns stored runs, newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]*Run, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE 1=1"
	args := []any{}

	if filter.Pipeline != "" {
		query += " AND pipeline = ?"
		args = append(args, filter.Pipeline)
	}
	if filter.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(filter.Outcome))
	}

	query += " ORDER BY started_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get returns the stored run and its full report. id may be a unique
// prefix of a run ID.
func (s *Store) Get(ctx context.Context, id string) (*Run, *report.Report, error) {
	fullID, err := s.resolveID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	row := s.db.QueryRowContext(ctx, "SELECT "+runColumns+", report FROM runs WHERE id = ?", fullID)
	var data string
	run, err := scanRun(row, &data)
	if err != nil {
		return nil, nil, err
	}

	var r report.Report
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal report: %w", err)
	}
	return run, &r, nil
}

func (s *Store) resolveID(ctx context.Context, prefix string) (string, error) {
	if prefix == "" {
		return "", &sherrors.NotFoundError{Resource: "run", ID: prefix}
	}
	escaped := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(prefix)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE id = ? OR id LIKE ? ESCAPE '\' ORDER BY id LIMIT 3`, prefix, escaped+"%")
	if err != nil {
		return "", fmt.Errorf("failed to look up run: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("failed to scan run id: %w", err)
		}
		if id == prefix {
			return id, nil
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", &sherrors.NotFoundError{Resource: "run", ID: prefix}
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("run id %q is ambiguous", prefix)
	}
}

// JobStats aggregates recorded instance outcomes for one job.
type JobStats struct {
	Job       string `json:"job"`
	Runs      int    `json:"runs"`
	Failures  int    `json:"failures"`
	AvgMS     int64  `json:"avg_duration_ms"`
	CacheHits int    `json:"cache_hits"`
}

// Stats summarises instance history per job, ordered by job id.
func (s *Store) Stats(ctx context.Context) ([]JobStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job,
			COUNT(*),
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END),
			CAST(COALESCE(AVG(CASE WHEN outcome IN ('succeeded', 'failed') THEN duration_ms END), 0) AS INTEGER),
			SUM(CASE WHEN cache = 'hit' THEN 1 ELSE 0 END)
		FROM instances GROUP BY job ORDER BY job`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var stats []JobStats
	for rows.Next() {
		var st JobStats
		if err := rows.Scan(&st.Job, &st.Runs, &st.Failures, &st.AvgMS, &st.CacheHits); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Prune deletes all but the newest keep runs and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner, extra ...any) (*Run, error) {
	var run Run
	var pipelineName, event, ref, sha sql.NullString
	var cancelled int
	var startedAt string

	dest := []any{
		&run.ID, &pipelineName, &run.Outcome, &cancelled, &event, &ref, &sha,
		&run.Instances, &run.Failed, &startedAt, &run.DurationMS,
	}
	err := row.Scan(append(dest, extra...)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sherrors.NotFoundError{Resource: "run"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Pipeline = pipelineName.String
	run.Event = event.String
	run.Ref = ref.String
	run.SHA = sha.String
	run.Cancelled = cancelled != 0
	run.StartedAt, _ = time.Parse(timeLayout, startedAt)
	return &run, nil
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
