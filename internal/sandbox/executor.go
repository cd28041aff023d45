// Package sandbox runs generated automation programs in an isolated working
// directory under a dedicated interpreter with a wall-clock bound.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
)

// Config holds executor configuration.
type Config struct {
	Interpreter string

	// Timeout applies when a Job does not set its own.
	Timeout time.Duration

	// KillGrace bounds how long output pipes may stay open after the
	// process is killed or exits.
	KillGrace time.Duration

	// MaxOutputBytes is the size of the retained output tail.
	MaxOutputBytes int

	// Live, when set, receives output as it is produced.
	Live io.Writer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:        15 * time.Minute,
		KillGrace:      5 * time.Second,
		MaxOutputBytes: 4 << 20,
	}
}

// Job is one execution request. Dir must already exist and be owned
// exclusively by this job.
type Job struct {
	ID      string
	Dir     string
	Code    string
	Timeout time.Duration
}

// Result describes a process that ran. A non-zero ExitCode is a normal result.
type Result struct {
	Output    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Executor spawns interpreter processes.
type Executor struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a new executor.
func New(cfg Config, logger zerolog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = def.MaxOutputBytes
	}
	return &Executor{
		cfg:    cfg,
		logger: logger.With().Str("component", "sandbox").Logger(),
	}
}

// Interpreter returns the configured interpreter command.
func (e *Executor) Interpreter() string {
	return e.cfg.Interpreter
}

// Execute writes job.Code into the job directory and runs it. Spawn failures
// return an execution error and no result. When the timeout elapses the
// process group is killed and the partial result is returned together with
// an execution error tagged as a timeout.
func (e *Executor) Execute(ctx context.Context, job Job) (*Result, error) {
	if job.Dir == "" {
		return nil, faults.Execution("sandbox.execute", "job has no working directory", nil)
	}
	script := filepath.Join(job.Dir, contract.ScriptName)
	if err := os.WriteFile(script, []byte(job.Code), 0o644); err != nil {
		return nil, faults.Execution("sandbox.execute", "failed to write program", err)
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := newTailBuffer(e.cfg.MaxOutputBytes)
	var sink io.Writer = out
	if e.cfg.Live != nil {
		sink = io.MultiWriter(out, e.cfg.Live)
	}

	cmd := exec.CommandContext(runCtx, e.cfg.Interpreter, contract.ScriptName)
	cmd.Dir = job.Dir
	cmd.Env = append(os.Environ(),
		"MISSIONGEN_JOB_ID="+job.ID,
		"MISSIONGEN_WORK_DIR="+job.Dir,
		"PYTHONUNBUFFERED=1",
	)
	cmd.Stdout = sink
	cmd.Stderr = sink
	cmd.WaitDelay = e.cfg.KillGrace
	configureProcess(cmd)

	log := e.logger.With().Str("job_id", job.ID).Logger()
	log.Info().
		Str("interpreter", e.cfg.Interpreter).
		Str("dir", job.Dir).
		Dur("timeout", timeout).
		Msg("Starting program")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Msg("Failed to start interpreter")
		return nil, faults.Execution("sandbox.start", fmt.Sprintf("failed to start %s", e.cfg.Interpreter), err)
	}
	waitErr := cmd.Wait()

	res := &Result{
		Duration:  time.Since(start),
		ExitCode:  -1,
		Output:    out.String(),
		Truncated: out.Truncated(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if waitErr != nil && runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			log.Warn().
				Dur("elapsed", res.Duration).
				Msg("Program exceeded its time limit and was terminated")
			return res, faults.ExecutionTimeout("sandbox.wait",
				fmt.Sprintf("program did not finish within %s", timeout), runCtx.Err())
		}
		log.Warn().Msg("Program cancelled")
		return res, faults.Execution("sandbox.wait", "program cancelled", runCtx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.As(waitErr, &exitErr):
	case errors.Is(waitErr, exec.ErrWaitDelay):
		log.Warn().Msg("Program exited but left its output streams open")
	default:
		return res, faults.Execution("sandbox.wait", "failed waiting for program", waitErr)
	}

	log.Info().
		Int("exit_code", res.ExitCode).
		Dur("elapsed", res.Duration).
		Int("output_bytes", len(res.Output)).
		Msg("Program finished")
	return res, nil
}
