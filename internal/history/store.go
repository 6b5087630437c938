// Package history persists cycle reports and fatal container locks in a
// local SQLite database.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hoarderhq/hoarder/internal/coordinator"
	"github.com/hoarderhq/hoarder/internal/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrNoHistory is returned when no cycle has been recorded yet.
var ErrNoHistory = errors.New("no cycle recorded")

// Store is the SQLite history store. It implements coordinator.LockStore.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens or creates the history database at path.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("history database initialized")
	return store, nil
}

// migrate creates the necessary tables.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS cycles (
			id TEXT PRIMARY KEY,
			trigger TEXT NOT NULL,
			started_at TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			fatal INTEGER NOT NULL,
			report TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);

		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			cycle_id TEXT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
			target TEXT NOT NULL,
			container_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			started_at TEXT NOT NULL,
			elapsed_ms INTEGER NOT NULL,
			snapshots INTEGER NOT NULL,
			report TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_target ON jobs(target, started_at);

		CREATE TABLE IF NOT EXISTS fatal_locks (
			container_id TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			job_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			reason TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveCycle stores a cycle report and its job reports.
func (s *Store) SaveCycle(ctx context.Context, cycle *models.CycleReport) error {
	report, err := json.Marshal(cycle)
	if err != nil {
		return fmt.Errorf("marshal cycle report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	counts := cycle.Counts()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO cycles (id, trigger, started_at, elapsed_ms, completed, failed, fatal, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cycle.ID.String(),
		cycle.Trigger,
		cycle.StartedAt.UTC().Format(time.RFC3339Nano),
		cycle.Elapsed.Milliseconds(),
		counts.Completed,
		counts.Failed,
		counts.Fatal,
		string(report),
	)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	for _, job := range cycle.Jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("marshal job report: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, cycle_id, target, container_id, state, reason, started_at, elapsed_ms, snapshots, report)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			job.JobID.String(),
			cycle.ID.String(),
			job.Target,
			job.ContainerID,
			string(job.State),
			nullString(string(job.Reason)),
			job.StartedAt.UTC().Format(time.RFC3339Nano),
			job.Elapsed.Milliseconds(),
			len(job.Snapshots),
			string(data),
		)
		if err != nil {
			return fmt.Errorf("insert job %s: %w", job.JobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle: %w", err)
	}
	return nil
}

// LastCycle returns the most recent cycle report.
func (s *Store) LastCycle(ctx context.Context) (*models.CycleReport, error) {
	var report string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM cycles ORDER BY started_at DESC LIMIT 1`).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("query last cycle: %w", err)
	}

	var cycle models.CycleReport
	if err := json.Unmarshal([]byte(report), &cycle); err != nil {
		return nil, fmt.Errorf("parse cycle report: %w", err)
	}
	return &cycle, nil
}

// TargetJobs returns the latest job reports of a target, newest first.
func (s *Store) TargetJobs(ctx context.Context, target string, limit int) ([]models.JobReport, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM jobs
		WHERE target = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.JobReport
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		var job models.JobReport
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			return nil, fmt.Errorf("parse job report: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// PruneOldEntries removes cycles and their jobs older than the given duration.
func (s *Store) PruneOldEntries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE cycle_id IN (SELECT id FROM cycles WHERE started_at < ?)
	`, cutoff); err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM cycles WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune cycles: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(affected), nil
}

// SaveLock persists a fatal container lock.
func (s *Store) SaveLock(info coordinator.LockInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO fatal_locks (container_id, target, job_id, acquired_at, reason)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(container_id) DO UPDATE SET
			target = excluded.target,
			job_id = excluded.job_id,
			acquired_at = excluded.acquired_at,
			reason = excluded.reason
	`,
		info.ContainerID,
		info.Target,
		info.JobID.String(),
		info.AcquiredAt.UTC().Format(time.RFC3339Nano),
		nullString(info.Reason),
	)
	if err != nil {
		return fmt.Errorf("save lock %s: %w", info.ContainerID, err)
	}
	return nil
}

// DeleteLock removes a persisted lock.
func (s *Store) DeleteLock(containerID string) error {
	if _, err := s.db.Exec(`DELETE FROM fatal_locks WHERE container_id = ?`, containerID); err != nil {
		return fmt.Errorf("delete lock %s: %w", containerID, err)
	}
	return nil
}

// FatalLocks returns all persisted locks.
func (s *Store) FatalLocks() ([]coordinator.LockInfo, error) {
	rows, err := s.db.Query(`
		SELECT container_id, target, job_id, acquired_at, reason
		FROM fatal_locks
		ORDER BY container_id
	`)
	if err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	defer rows.Close()

	var locks []coordinator.LockInfo
	for rows.Next() {
		var (
			containerID, target, jobIDStr, acquiredAtStr string
			reason                                       sql.NullString
		)
		if err := rows.Scan(&containerID, &target, &jobIDStr, &acquiredAtStr, &reason); err != nil {
			return nil, fmt.Errorf("scan lock row: %w", err)
		}
		jobID, err := uuid.Parse(jobIDStr)
		if err != nil {
			return nil, fmt.Errorf("parse job id: %w", err)
		}
		acquiredAt, err := time.Parse(time.RFC3339Nano, acquiredAtStr)
		if err != nil {
			return nil, fmt.Errorf("parse acquired_at: %w", err)
		}
		locks = append(locks, coordinator.LockInfo{
			ContainerID: containerID,
			Target:      target,
			JobID:       jobID,
			AcquiredAt:  acquiredAt,
			Fatal:       true,
			Reason:      reason.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate locks: %w", err)
	}
	return locks, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to a NULL value.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
