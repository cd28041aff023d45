// Package pipeline runs one scenario from free text to harvested artifacts.
package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/compiler"
	"cymbytes.com/missiongen/internal/harvest"
	"cymbytes.com/missiongen/internal/jobs"
	"cymbytes.com/missiongen/internal/planner"
	"cymbytes.com/missiongen/internal/sandbox"
	"cymbytes.com/missiongen/pkg/report"
)

// Synthesizer turns a scenario into a sanitized program.
type Synthesizer interface {
	Synthesize(ctx context.Context, spec compiler.ScenarioSpec) (*planner.Synthesis, error)
}

// Runner executes a program inside a job directory.
type Runner interface {
	Interpreter() string
	Execute(ctx context.Context, job sandbox.Job) (*sandbox.Result, error)
}

// Options tune a single run.
type Options struct {
	// Retain keeps the job directory for inspection; the registry sweep
	// removes it once the TTL passes. Without it the directory is deleted
	// (after archiving, when an archive is configured) before Run returns,
	// and the artifact paths in the Outcome are cleared.
	Retain bool

	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// ReportCheck is the outcome of loading one CSV artifact against the
// report schemas.
type ReportCheck struct {
	Name string
	Kind report.Kind
	Err  error
}

// Outcome is everything a run produced. It is returned alongside execution
// errors so callers can show partial results.
type Outcome struct {
	JobID     string
	Dir       string
	Document  compiler.Document
	Code      string
	Result    *sandbox.Result
	Artifacts []harvest.Artifact
	Reports   []ReportCheck
	Retained  bool
}

// Pipeline wires synthesis, execution, harvesting and job bookkeeping.
type Pipeline struct {
	synth  Synthesizer
	runner Runner
	jobs   *jobs.Registry
	logger zerolog.Logger
}

// New creates a new pipeline.
func New(synth Synthesizer, runner Runner, registry *jobs.Registry, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		synth:  synth,
		runner: runner,
		jobs:   registry,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes one scenario. An empty scenario returns
// compiler.ErrEmptyScenario before anything else happens. Generation
// failures return before a job exists. Once a job is acquired the
// artifacts are always harvested, and the Outcome is returned even when
// execution failed or timed out.
func (p *Pipeline) Run(ctx context.Context, scenario string, opts Options) (*Outcome, error) {
	if strings.TrimSpace(scenario) == "" {
		return nil, compiler.ErrEmptyScenario
	}

	syn, err := p.synth.Synthesize(ctx, compiler.ScenarioSpec{Text: scenario})
	if err != nil {
		return nil, err
	}

	job, err := p.jobs.Acquire(ctx, scenario, syn.Document.Digest)
	if err != nil {
		return nil, err
	}
	log := p.logger.With().Str("job_id", job.ID).Logger()
	out := &Outcome{
		JobID:    job.ID,
		Dir:      job.Dir,
		Document: syn.Document,
		Code:     syn.Code,
	}

	if err := p.jobs.MarkRunning(ctx, job.ID, p.runner.Interpreter()); err != nil {
		log.Warn().Err(err).Msg("Failed to mark job running")
	}

	res, execErr := p.runner.Execute(ctx, sandbox.Job{
		ID:      job.ID,
		Dir:     job.Dir,
		Code:    syn.Code,
		Timeout: opts.Timeout,
	})
	out.Result = res

	arts, harvestErr := harvest.Harvest(job.Dir)
	out.Artifacts = arts
	out.Reports = checkReports(arts)
	for _, rc := range out.Reports {
		if rc.Err != nil {
			log.Warn().Err(rc.Err).Str("artifact", rc.Name).Msg("CSV artifact does not match a report schema")
		}
	}

	// Bookkeeping must survive a cancelled run.
	bg := context.WithoutCancel(ctx)
	if err := p.jobs.Complete(bg, job.ID, res, arts, execErr); err != nil {
		log.Error().Err(err).Msg("Failed to record job completion")
	}

	out.Retained = opts.Retain
	if err := p.jobs.Release(bg, job.ID, opts.Retain); err != nil {
		log.Error().Err(err).Msg("Failed to release job")
		out.Retained = true
	}
	if !out.Retained {
		for i := range out.Artifacts {
			out.Artifacts[i].Path = ""
		}
	}

	if execErr != nil {
		return out, execErr
	}
	if harvestErr != nil {
		return out, harvestErr
	}

	log.Info().
		Int("exit_code", res.ExitCode).
		Int("artifacts", len(arts)).
		Msg("Scenario run finished")
	return out, nil
}

// checkReports loads every CSV artifact. Files whose header matches no
// report kind are reported with a nil Kind and no error.
func checkReports(arts []harvest.Artifact) []ReportCheck {
	var checks []ReportCheck
	for _, a := range arts {
		if a.Kind != harvest.KindCSV {
			continue
		}
		rc := ReportCheck{Name: a.Name}
		tbl, err := report.Load(a.Path)
		switch {
		case err == nil:
			rc.Kind = tbl.Kind()
		case errors.Is(err, report.ErrUnknownReport):
		default:
			rc.Err = err
		}
		checks = append(checks, rc)
	}
	return checks
}

// ArtifactPaths returns the full path of every artifact still on disk.
func (o *Outcome) ArtifactPaths() []string {
	paths := make([]string, 0, len(o.Artifacts))
	for _, a := range o.Artifacts {
		if a.Path == "" {
			continue
		}
		paths = append(paths, filepath.Clean(a.Path))
	}
	return paths
}
