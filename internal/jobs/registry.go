// Package jobs owns execution job directories from acquisition to release
// and sweeps the ones nobody released.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/archive"
	"cymbytes.com/missiongen/internal/audit"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/internal/harvest"
	"cymbytes.com/missiongen/internal/sandbox"
	"cymbytes.com/missiongen/internal/storage"
)

// DirPrefix starts the name of every job directory.
const DirPrefix = "stk_job_"

// outputTailBytes bounds the output stored with a job record.
const outputTailBytes = 16 << 10

// ErrUnknownJob is returned for job IDs the registry never issued.
var ErrUnknownJob = errors.New("unknown job")

// Archiver copies artifacts somewhere durable before a directory is deleted.
type Archiver interface {
	Archive(ctx context.Context, jobID string, artifacts []harvest.Artifact) ([]archive.Record, error)
}

// Config holds registry configuration.
type Config struct {
	// WorkRoot is the parent of every job directory.
	WorkRoot string

	// TTL is how long an unreleased job may keep its directory.
	TTL time.Duration

	// SweepInterval is how often to look for expired jobs.
	SweepInterval time.Duration

	// MaxRuntime bounds how long a job may run before its record is
	// considered abandoned. Jobs that have neither finished nor been
	// retained are only swept once older than TTL plus MaxRuntime; zero
	// means they are never swept.
	MaxRuntime time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkRoot:      filepath.Join(os.TempDir(), "missiongen"),
		TTL:           24 * time.Hour,
		SweepInterval: 10 * time.Minute,
	}
}

// Job is an acquired execution job. Its directory belongs to it alone.
type Job struct {
	ID        string
	Dir       string
	Scenario  string
	CreatedAt time.Time
}

// Registry manages job directories and their records.
type Registry struct {
	db       *storage.DB
	archiver Archiver
	audit    *audit.Logger
	cfg      Config
	logger   zerolog.Logger
	now      func() time.Time

	// Serializes releases so the sweep and a caller never race on one dir.
	releaseMu sync.Mutex

	// Shutdown
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new job registry. archiver may be nil.
func New(db *storage.DB, cfg Config, archiver Archiver, auditLog *audit.Logger, logger zerolog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = def.WorkRoot
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	logger = logger.With().Str("component", "jobs").Logger()
	if auditLog == nil {
		auditLog = audit.NewLogger(logger)
	}
	return &Registry{
		db:       db,
		archiver: archiver,
		audit:    auditLog,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Acquire creates a fresh, uniquely named job directory and records the job
// as pending.
func (r *Registry) Acquire(ctx context.Context, scenario, digest string) (*Job, error) {
	if err := os.MkdirAll(r.cfg.WorkRoot, 0o755); err != nil {
		return nil, faults.Execution("jobs.acquire", "failed to create work root", err)
	}

	id := uuid.NewString()
	dir := filepath.Join(r.cfg.WorkRoot, DirPrefix+id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, faults.Execution("jobs.acquire", "failed to create job directory", err)
	}

	job := &Job{ID: id, Dir: dir, Scenario: scenario, CreatedAt: r.now()}
	err := r.db.CreateJob(ctx, &storage.Job{
		ID:             id,
		Scenario:       scenario,
		ScenarioDigest: digest,
		WorkDir:        dir,
		CreatedAt:      job.CreatedAt,
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, faults.Execution("jobs.acquire", "failed to record job", err)
	}

	r.audit.JobAcquired(id, dir)
	return job, nil
}

// MarkRunning records that the job's program was spawned.
func (r *Registry) MarkRunning(ctx context.Context, id, interpreter string) error {
	if err := r.db.UpdateJobStarted(ctx, id, r.now()); err != nil {
		return r.lookupErr(err, id)
	}
	r.audit.ExecutionStarted(id, interpreter)
	return nil
}

// Complete records how a job ended. res is nil when the program never
// started; execErr is the executor's error, if any.
func (r *Registry) Complete(ctx context.Context, id string, res *sandbox.Result, artifacts []harvest.Artifact, execErr error) error {
	status := storage.JobStatusCompleted
	switch {
	case res == nil:
		status = storage.JobStatusFailed
	case res.TimedOut:
		status = storage.JobStatusTimedOut
	case execErr != nil:
		status = storage.JobStatusFailed
	}

	var exitCode *int
	var tail string
	var duration time.Duration
	if res != nil {
		code := res.ExitCode
		exitCode = &code
		tail = lastBytes(res.Output, outputTailBytes)
		duration = res.Duration
	}
	var errMsg *string
	if execErr != nil {
		msg := execErr.Error()
		errMsg = &msg
	}

	if err := r.db.UpdateJobFinished(ctx, id, status, exitCode, errMsg, tail, r.now()); err != nil {
		return r.lookupErr(err, id)
	}

	records := make([]*storage.Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		records = append(records, &storage.Artifact{
			Name:        a.Name,
			Kind:        string(a.Kind),
			Size:        a.Size,
			ContentType: a.ContentType,
			CreatedAt:   r.now(),
		})
	}
	if err := r.db.ReplaceArtifacts(ctx, id, records); err != nil {
		return fmt.Errorf("failed to record artifacts: %w", err)
	}

	if res != nil {
		r.audit.ExecutionFinished(id, res.ExitCode, duration, res.TimedOut, execErr)
	}
	return nil
}

// Release ends a caller's use of a job. With retain the directory is kept
// for inspection until the TTL sweep; otherwise artifacts are archived
// (when an archiver is configured) and the directory is deleted. Releasing
// a released job is a no-op.
func (r *Registry) Release(ctx context.Context, id string, retain bool) error {
	r.releaseMu.Lock()
	defer r.releaseMu.Unlock()

	job, err := r.db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("release %s: %w", id, ErrUnknownJob)
	}
	if job.ReleasedAt != nil {
		return nil
	}

	if retain {
		if err := r.db.UpdateJobRetained(ctx, id); err != nil {
			return err
		}
		r.logger.Info().Str("job_id", id).Str("dir", job.WorkDir).Msg("Job directory retained")
		r.audit.JobReleased(id, true, 0, nil)
		return nil
	}

	archived, err := r.dispose(ctx, job)
	r.audit.JobReleased(id, false, archived, err)
	return err
}

// Get returns the stored record of a job, or nil when unknown.
func (r *Registry) Get(ctx context.Context, id string) (*storage.Job, error) {
	return r.db.GetJob(ctx, id)
}

// Sweep releases every unreleased job older than the TTL, retained or not,
// and returns how many it released. A job still owned by a run (not
// finished and not retained) is left alone until it is abandoned.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	r.releaseMu.Lock()
	defer r.releaseMu.Unlock()

	pending, err := r.db.ListUnreleasedJobs(ctx)
	if err != nil {
		return 0, err
	}

	now := r.now()
	var errs []error
	swept := 0
	for _, job := range pending {
		age := now.Sub(job.CreatedAt)
		if age <= r.cfg.TTL {
			continue
		}
		if inFlight(job) && (r.cfg.MaxRuntime <= 0 || age <= r.cfg.TTL+r.cfg.MaxRuntime) {
			r.logger.Debug().Str("job_id", job.ID).Str("status", job.Status).Msg("Skipping unfinished job")
			continue
		}
		archived, err := r.dispose(ctx, job)
		r.audit.JobSwept(job.ID, age, archived, err)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		swept++
	}

	if swept > 0 {
		r.logger.Info().Int("count", swept).Msg("Swept expired jobs")
	}
	return swept, errors.Join(errs...)
}

// inFlight reports whether a run may still be using the job directory.
func inFlight(job *storage.Job) bool {
	if job.Retained {
		return false
	}
	return job.Status == storage.JobStatusPending || job.Status == storage.JobStatusRunning
}

// dispose archives and deletes a job directory, then marks it released.
// A failed archive keeps the directory so a later sweep can retry.
func (r *Registry) dispose(ctx context.Context, job *storage.Job) (int, error) {
	archived := 0
	if r.archiver != nil {
		arts, err := harvest.Harvest(job.WorkDir)
		switch {
		case err == nil && len(arts) > 0:
			records, err := r.archiver.Archive(ctx, job.ID, arts)
			for _, rec := range records {
				if uerr := r.db.UpdateArtifactArchived(ctx, job.ID, rec.Name, rec.Key); uerr != nil && !errors.Is(uerr, storage.ErrNotFound) {
					r.logger.Warn().Err(uerr).Str("job_id", job.ID).Msg("Failed to record archive key")
				}
			}
			archived = len(records)
			if err != nil {
				return archived, fmt.Errorf("archive job %s: %w", job.ID, err)
			}
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return 0, fmt.Errorf("harvest job %s for archiving: %w", job.ID, err)
		}
	}

	if err := os.RemoveAll(job.WorkDir); err != nil {
		return archived, fmt.Errorf("remove job directory %s: %w", job.WorkDir, err)
	}
	if err := r.db.UpdateJobReleased(ctx, job.ID, r.now()); err != nil {
		return archived, err
	}

	r.logger.Debug().Str("job_id", job.ID).Int("archived", archived).Msg("Job released")
	return archived, nil
}

func (r *Registry) lookupErr(err error, id string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("job %s: %w", id, ErrUnknownJob)
	}
	return err
}

// Start begins the background TTL sweep.
func (r *Registry) Start(ctx context.Context) {
	r.logger.Debug().
		Dur("ttl", r.cfg.TTL).
		Dur("sweep_interval", r.cfg.SweepInterval).
		Msg("Starting job sweep")

	r.wg.Add(1)
	go r.sweepLoop(ctx)
}

// Stop halts the background sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Failed to sweep expired jobs")
			}
		}
	}
}

// lastBytes returns at most n trailing bytes of s, starting on a rune.
func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for len(s) > 0 && !utf8.RuneStart(s[0]) {
		s = s[1:]
	}
	return s
}
