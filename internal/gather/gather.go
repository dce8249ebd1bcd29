// Package gather coordinates scattered partition work. A job is registered
// with an expected partial count, partitions post their partials as they
// finish, and the partial that brings the arrived count to the expected
// count collects the full result set exactly once.
//
// The arrived counter is incremented with a single UPDATE ... RETURNING, so
// two partitions posting concurrently can never both observe the completing
// count. Failed partition tasks never post a partial; their job stays open
// until swept (see StaleJobs / DeleteOlderThan).
package gather

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoJob is returned when the referenced job does not exist (never
// created, already finalized, or swept).
var ErrNoJob = errors.New("gather: no such job")

// Job describes a pending gather job.
type Job struct {
	ID       string
	Kind     string
	Expected int
	Arrived  int
	Created  time.Time
}

// Coordinator manages gather jobs in Postgres.
type Coordinator struct {
	db *sql.DB
}

// New creates a Coordinator on the given database handle.
func New(db *sql.DB) *Coordinator {
	return &Coordinator{db: db}
}

// EnsureSchema creates the coordinator relations if they do not exist.
func (c *Coordinator) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS gather_jobs (
			gather_id uuid PRIMARY KEY,
			kind text NOT NULL,
			expected int NOT NULL,
			arrived int NOT NULL DEFAULT 0,
			created timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS gather_results (
			gather_id uuid NOT NULL,
			ordinal serial,
			payload jsonb
		)`,
		`CREATE INDEX IF NOT EXISTS gather_results_job_idx ON gather_results (gather_id)`,
	}
	for _, stmt := range ddl {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("gather schema: %w", err)
		}
	}
	return nil
}

// Init registers a new job expecting the given number of partials and
// returns its id.
func (c *Coordinator) Init(ctx context.Context, kind string, expected int) (string, error) {
	if expected < 1 {
		return "", fmt.Errorf("gather: expected must be positive, got %d", expected)
	}
	id := uuid.New().String()
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO gather_jobs (gather_id, kind, expected) VALUES ($1, $2, $3)`,
		id, kind, expected)
	if err != nil {
		return "", fmt.Errorf("gather init %s: %w", kind, err)
	}
	return id, nil
}

// Complete posts one partial result for the job. When this partial is the
// last expected one and autoFinalize is true, the full list of partials is
// returned in arrival order and the job is removed; every other call
// returns nil. With autoFinalize false the job is left for Check even once
// complete.
func (c *Coordinator) Complete(ctx context.Context, jobID string, partial json.RawMessage, autoFinalize bool) ([]json.RawMessage, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gather complete begin: %w", err)
	}
	defer tx.Rollback()

	if partial == nil {
		partial = json.RawMessage("null")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO gather_results (gather_id, payload) VALUES ($1, $2)`,
		jobID, []byte(partial)); err != nil {
		return nil, fmt.Errorf("gather complete insert: %w", err)
	}

	var arrived, expected int
	err = tx.QueryRowContext(ctx,
		`UPDATE gather_jobs SET arrived = arrived + 1 WHERE gather_id = $1 RETURNING arrived, expected`,
		jobID).Scan(&arrived, &expected)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("gather complete count: %w", err)
	}

	if arrived != expected || !autoFinalize {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("gather complete commit: %w", err)
		}
		return nil, nil
	}

	results, err := collectTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := deleteTx(ctx, tx, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("gather finalize commit: %w", err)
	}
	return results, nil
}

// Check polls a job. It returns the full partial list and removes the job
// once all partials have arrived, nil while the job is still open, and
// ErrNoJob if the job is unknown.
func (c *Coordinator) Check(ctx context.Context, jobID string) ([]json.RawMessage, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gather check begin: %w", err)
	}
	defer tx.Rollback()

	var arrived, expected int
	err = tx.QueryRowContext(ctx,
		`SELECT arrived, expected FROM gather_jobs WHERE gather_id = $1`,
		jobID).Scan(&arrived, &expected)
	if err == sql.ErrNoRows {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("gather check: %w", err)
	}

	if arrived < expected {
		return nil, tx.Commit()
	}

	results, err := collectTx(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if err := deleteTx(ctx, tx, jobID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("gather check commit: %w", err)
	}
	return results, nil
}

// StaleJobs lists jobs older than the given age, for operator visibility
// into stalled scatters.
func (c *Coordinator) StaleJobs(ctx context.Context, olderThan time.Duration) ([]Job, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT gather_id, kind, expected, arrived, created FROM gather_jobs
		 WHERE created < $1 ORDER BY created`,
		time.Now().UTC().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("gather stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Expected, &j.Arrived, &j.Created); err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// DeleteOlderThan removes jobs (and their partials) older than the given
// age. Returns the number of jobs removed.
func (c *Coordinator) DeleteOlderThan(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM gather_results WHERE gather_id IN
		 (SELECT gather_id FROM gather_jobs WHERE created < $1)`, cutoff); err != nil {
		return 0, fmt.Errorf("gather sweep results: %w", err)
	}
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM gather_jobs WHERE created < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("gather sweep jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectTx(ctx context.Context, tx *sql.Tx, jobID string) ([]json.RawMessage, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT payload FROM gather_results WHERE gather_id = $1 ORDER BY ordinal`,
		jobID)
	if err != nil {
		return nil, fmt.Errorf("gather collect: %w", err)
	}
	defer rows.Close()

	var results []json.RawMessage
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		results = append(results, json.RawMessage(raw))
	}
	return results, rows.Err()
}

func deleteTx(ctx context.Context, tx *sql.Tx, jobID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gather_results WHERE gather_id = $1`, jobID); err != nil {
		return fmt.Errorf("gather delete results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM gather_jobs WHERE gather_id = $1`, jobID); err != nil {
		return fmt.Errorf("gather delete job: %w", err)
	}
	return nil
}
