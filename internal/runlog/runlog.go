// Package runlog persists per-run history in SQLite so job outcomes survive
// restarts and stay queryable from the CLI.
package runlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/cronclaw/internal/cron"
)

// defaultKeepPerJob caps retained history per job; older rows are pruned on
// insert.
const defaultKeepPerJob = 200

// Store records run outcomes. It satisfies cron.RunRecorder.
type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	keepPerJob int
}

// Open opens (or creates) the run log database at the given path.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, keepPerJob: defaultKeepPerJob}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("run log opened", "path", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			tenant INTEGER NOT NULL,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			started_at_ms INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id, started_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant, started_at_ms DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// Record inserts one run outcome and prunes that job's history beyond the
// retention cap. Errors are logged, never surfaced: losing a history row must
// not affect scheduling.
func (s *Store) Record(entry cron.RunEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT OR REPLACE INTO runs
		(run_id, job_id, tenant, source, status, error, summary, started_at_ms, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID, entry.JobID, entry.Tenant, entry.Source, entry.Status,
		entry.Error, entry.Summary, entry.StartedAtMS, entry.DurationMS)
	if err != nil {
		slog.Error("run log: insert failed", "run", entry.RunID, "error", err)
		return
	}

	_, err = s.db.Exec(`DELETE FROM runs WHERE job_id = ? AND run_id NOT IN (
		SELECT run_id FROM runs WHERE job_id = ? ORDER BY started_at_ms DESC LIMIT ?)`,
		entry.JobID, entry.JobID, s.keepPerJob)
	if err != nil {
		slog.Warn("run log: prune failed", "job", entry.JobID, "error", err)
	}
}

// List returns recent runs, newest first. An empty jobID returns runs across
// all jobs.
func (s *Store) List(jobID string, limit int) ([]cron.RunEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	query := `SELECT run_id, job_id, tenant, source, status, error, summary, started_at_ms, duration_ms
		FROM runs`
	args := []any{}
	if jobID != "" {
		query += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	query += ` ORDER BY started_at_ms DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []cron.RunEntry
	for rows.Next() {
		var e cron.RunEntry
		if err := rows.Scan(&e.RunID, &e.JobID, &e.Tenant, &e.Source, &e.Status,
			&e.Error, &e.Summary, &e.StartedAtMS, &e.DurationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
