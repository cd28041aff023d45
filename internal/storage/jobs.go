package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job represents a job record in the database.
type Job struct {
	ID             string
	Scenario       string
	ScenarioDigest string
	WorkDir        string
	Status         string
	ExitCode       *int
	ErrorMessage   *string
	OutputTail     string
	Retained       bool
	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	ReleasedAt     *time.Time
}

// JobStatus constants
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusTimedOut  = "timed_out"
)

const jobColumns = `id, scenario, scenario_digest, work_dir, status, exit_code, error_message,
	output_tail, retained, created_at, started_at, completed_at, released_at`

// CreateJob inserts a new pending job record.
func (d *DB) CreateJob(ctx context.Context, job *Job) error {
	if job.Status == "" {
		job.Status = JobStatusPending
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO jobs (id, scenario, scenario_digest, work_dir, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, job.ID, job.Scenario, job.ScenarioDigest, job.WorkDir, job.Status, job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	d.logger.Debug().Str("job_id", job.ID).Str("work_dir", job.WorkDir).Msg("Job created")
	return nil
}

// GetJob retrieves a job by ID. It returns nil, nil when no job matches.
func (d *DB) GetJob(ctx context.Context, id string) (*Job, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// UpdateJobStarted marks a job as running.
func (d *DB) UpdateJobStarted(ctx context.Context, id string, startedAt time.Time) error {
	return d.execOne(ctx, "start", `
		UPDATE jobs SET status = ?, started_at = ? WHERE id = ?
	`, JobStatusRunning, startedAt.UTC(), id)
}

// UpdateJobFinished records the terminal status of a job.
func (d *DB) UpdateJobFinished(ctx context.Context, id, status string, exitCode *int, errorMsg *string, outputTail string, completedAt time.Time) error {
	return d.execOne(ctx, "finish", `
		UPDATE jobs
		SET status = ?, exit_code = ?, error_message = ?, output_tail = ?, completed_at = ?
		WHERE id = ?
	`, status, exitCode, errorMsg, outputTail, completedAt.UTC(), id)
}

// UpdateJobRetained flags a job as retained by its caller.
func (d *DB) UpdateJobRetained(ctx context.Context, id string) error {
	return d.execOne(ctx, "retain", `UPDATE jobs SET retained = 1 WHERE id = ?`, id)
}

// UpdateJobReleased records that a job's working directory is gone.
// Releasing twice keeps the first timestamp.
func (d *DB) UpdateJobReleased(ctx context.Context, id string, releasedAt time.Time) error {
	return d.execOne(ctx, "release", `
		UPDATE jobs SET released_at = COALESCE(released_at, ?) WHERE id = ?
	`, releasedAt.UTC(), id)
}

// ListUnreleasedJobs returns every job whose directory still exists, oldest
// first.
func (d *DB) ListUnreleasedJobs(ctx context.Context) ([]*Job, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE released_at IS NULL
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CountJobsByStatus returns job counts grouped by status.
func (d *DB) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*Job, error) {
	var job Job
	var exitCode sql.NullInt64
	var errorMsg sql.NullString
	var startedAt, completedAt, releasedAt sql.NullTime

	err := s.Scan(
		&job.ID, &job.Scenario, &job.ScenarioDigest, &job.WorkDir, &job.Status,
		&exitCode, &errorMsg, &job.OutputTail, &job.Retained, &job.CreatedAt,
		&startedAt, &completedAt, &releasedAt,
	)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		v := int(exitCode.Int64)
		job.ExitCode = &v
	}
	if errorMsg.Valid {
		job.ErrorMessage = &errorMsg.String
	}
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	job.ReleasedAt = nullTime(releasedAt)
	return &job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func (d *DB) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s job: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("failed to %s job: %w", op, ErrNotFound)
	}
	return nil
}
