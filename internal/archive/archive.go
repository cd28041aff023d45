// Package archive copies job artifacts to an S3-compatible object store
// before their working directory is released.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/harvest"
)

// Store puts objects into one bucket.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
}

// Record is one archived artifact.
type Record struct {
	Name string
	Key  string
	Size int64
}

// Archiver uploads artifacts under <prefix>/<job-id>/<name>.
type Archiver struct {
	store  Store
	prefix string
	logger zerolog.Logger
}

// New creates a new archiver.
func New(store Store, prefix string, logger zerolog.Logger) *Archiver {
	return &Archiver{
		store:  store,
		prefix: strings.Trim(prefix, "/"),
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// ObjectKey returns the object key of an artifact.
func ObjectKey(prefix, jobID, name string) string {
	return path.Join(strings.Trim(prefix, "/"), jobID, name)
}

// Archive uploads every artifact. A failed upload does not stop the rest;
// the records of the successful uploads are returned with the joined errors.
func (a *Archiver) Archive(ctx context.Context, jobID string, artifacts []harvest.Artifact) ([]Record, error) {
	records := make([]Record, 0, len(artifacts))
	var errs []error

	for _, art := range artifacts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		key := ObjectKey(a.prefix, jobID, art.Name)
		if err := a.upload(ctx, key, art); err != nil {
			a.logger.Warn().Err(err).Str("job_id", jobID).Str("artifact", art.Name).Msg("Failed to archive artifact")
			errs = append(errs, fmt.Errorf("archive %s: %w", art.Name, err))
			continue
		}
		records = append(records, Record{Name: art.Name, Key: key, Size: art.Size})
	}

	a.logger.Info().
		Str("job_id", jobID).
		Int("archived", len(records)).
		Int("failed", len(errs)).
		Msg("Artifacts archived")

	return records, errors.Join(errs...)
}

func (a *Archiver) upload(ctx context.Context, key string, art harvest.Artifact) error {
	f, err := os.Open(art.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	contentType := art.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return a.store.Put(ctx, key, f, info.Size(), contentType)
}
