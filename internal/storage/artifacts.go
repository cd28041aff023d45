package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by updates that match no row.
var ErrNotFound = errors.New("not found")

// Artifact represents a harvested file recorded for a job.
type Artifact struct {
	JobID       string
	Name        string
	Kind        string
	Size        int64
	ContentType string
	ArchiveKey  *string
	CreatedAt   time.Time
}

// ReplaceArtifacts stores the artifact list of a job in a single
// transaction, replacing any previous list.
func (d *DB) ReplaceArtifacts(ctx context.Context, jobID string, artifacts []*Artifact) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM artifacts WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to clear artifacts: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO artifacts (job_id, name, kind, size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, a := range artifacts {
		if _, err := stmt.ExecContext(ctx, jobID, a.Name, a.Kind, a.Size, a.ContentType, a.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert artifact %s: %w", a.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	d.logger.Debug().Str("job_id", jobID).Int("count", len(artifacts)).Msg("Artifacts recorded")
	return nil
}

// ListArtifacts returns the artifacts of a job ordered by name.
func (d *DB) ListArtifacts(ctx context.Context, jobID string) ([]*Artifact, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT job_id, name, kind, size, content_type, archive_key, created_at
		FROM artifacts WHERE job_id = ?
		ORDER BY name ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var key sql.NullString
		if err := rows.Scan(&a.JobID, &a.Name, &a.Kind, &a.Size, &a.ContentType, &key, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if key.Valid {
			a.ArchiveKey = &key.String
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// UpdateArtifactArchived records where an artifact was archived.
func (d *DB) UpdateArtifactArchived(ctx context.Context, jobID, name, key string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE artifacts SET archive_key = ? WHERE job_id = ? AND name = ?
	`, key, jobID, name)
	if err != nil {
		return fmt.Errorf("failed to update artifact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("artifact %s/%s: %w", jobID, name, ErrNotFound)
	}
	return nil
}
