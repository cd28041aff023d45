// Package main is the entry point for missiongen.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/archive"
	"cymbytes.com/missiongen/internal/audit"
	"cymbytes.com/missiongen/internal/compiler"
	"cymbytes.com/missiongen/internal/config"
	"cymbytes.com/missiongen/internal/console"
	"cymbytes.com/missiongen/internal/engine/memengine"
	"cymbytes.com/missiongen/internal/engine/stkcom"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/internal/harvest"
	"cymbytes.com/missiongen/internal/jobs"
	"cymbytes.com/missiongen/internal/pipeline"
	"cymbytes.com/missiongen/internal/planner"
	"cymbytes.com/missiongen/internal/sandbox"
	"cymbytes.com/missiongen/internal/selfcheck"
	"cymbytes.com/missiongen/internal/storage"
	"cymbytes.com/missiongen/pkg/contract"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Exit codes. A program that ran and exited non-zero is still a success
// of the tool.
const (
	exitOK            = 0
	exitConfiguration = 1
	exitGeneration    = 2
	exitExecution     = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	retain := flag.Bool("retain", true, "Keep the job directory after the run (default from jobs.retain)")
	timeout := flag.Duration("timeout", 0, "Override the program execution timeout")
	runSelfCheck := flag.Bool("selfcheck", false, "Exercise the configured engine without the generative backend")
	scenarioFile := flag.String("scenario-file", "", "Read the scenario from a file instead of the terminal")
	flag.Parse()

	if *showVersion {
		fmt.Printf("missiongen\n")
		fmt.Printf("  Version:    %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
		fmt.Printf("  Contract:   %s\n", contract.Version)
		return exitOK
	}

	// Load configuration
	load := config.Load
	if *runSelfCheck {
		load = config.LoadForSelfCheck
	}
	cfg, err := load(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return exitConfiguration
	}
	if *timeout > 0 {
		cfg.Sandbox.Timeout = *timeout
	}
	keep := cfg.Jobs.Retain
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "retain" {
			keep = *retain
		}
	})

	// Initialize logger
	logger := initLogger(cfg.Logging)
	logger.Debug().
		Str("version", Version).
		Str("contract_version", contract.Version).
		Msg("Starting missiongen")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = cfg.Jobs.DatabasePath
	db, err := storage.New(ctx, dbCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open job database: %v\n", err)
		return exitConfiguration
	}
	defer db.Close()

	// Initialize archive (if enabled)
	var archiver jobs.Archiver
	if cfg.Archive.Enabled {
		store, err := archive.NewMinioStore(ctx, archive.Config{
			Endpoint:  cfg.Archive.Endpoint,
			AccessKey: cfg.Archive.AccessKey,
			SecretKey: cfg.Archive.SecretKey,
			Bucket:    cfg.Archive.Bucket,
			Region:    cfg.Archive.Region,
			UseSSL:    cfg.Archive.UseSSL,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize artifact archive: %v\n", err)
			return exitConfiguration
		}
		archiver = archive.New(store, cfg.Archive.Prefix, logger)
		logger.Info().
			Str("endpoint", cfg.Archive.Endpoint).
			Str("bucket", cfg.Archive.Bucket).
			Msg("Artifact archive enabled")
	}

	// Initialize job registry
	registry := jobs.New(db, jobs.Config{
		WorkRoot:      cfg.Jobs.WorkRoot,
		TTL:           cfg.Jobs.TTL,
		SweepInterval: cfg.Jobs.SweepInterval,
		MaxRuntime:    cfg.Sandbox.Timeout + cfg.Sandbox.KillGrace,
	}, archiver, audit.NewLogger(logger), logger)
	if n, err := registry.Sweep(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to sweep expired jobs")
	} else if n > 0 {
		logger.Debug().Int("count", n).Msg("Released expired jobs from earlier runs")
	}
	registry.Start(ctx)
	defer registry.Stop()

	interactive := *scenarioFile == "" && (isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()))
	con := console.New(os.Stdin, os.Stdout, interactive)

	if *runSelfCheck {
		return runEngineCheck(ctx, cfg, registry, keep, con, logger)
	}

	// Read scenario
	scenario, err := readScenario(con, *scenarioFile)
	if err != nil {
		con.Error("%v", err)
		return exitConfiguration
	}
	if scenario == "" {
		fmt.Println(console.NoScenarioMessage)
		return exitOK
	}

	// Initialize planner
	client, err := planner.NewClient(ctx, planner.ClientConfig{
		APIKey:          cfg.Generation.APIKey,
		Model:           cfg.Generation.Model,
		BaseURL:         cfg.Generation.BaseURL,
		APIVersion:      cfg.Generation.APIVersion,
		Temperature:     cfg.Generation.Temperature,
		MaxOutputTokens: cfg.Generation.MaxOutputTokens,
		RequestTimeout:  cfg.Generation.RequestTimeout,
	}, &http.Client{}, logger)
	if err != nil {
		con.Error("%v", err)
		return exitConfiguration
	}
	var gen planner.Generator = client
	if cfg.Generation.MaxAttempts > 1 {
		gen = planner.NewRetrying(gen, cfg.Generation.MaxAttempts, cfg.Generation.RetryDelay, logger)
	}

	// Initialize executor
	var live io.Writer
	if cfg.Sandbox.StreamOutput {
		live = os.Stdout
	}
	executor := sandbox.New(sandbox.Config{
		Interpreter:    cfg.Sandbox.Interpreter,
		Timeout:        cfg.Sandbox.Timeout,
		KillGrace:      cfg.Sandbox.KillGrace,
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		Live:           live,
	}, logger)

	pipe := pipeline.New(planner.New(gen, logger), executor, registry, logger)

	con.Info("Calling the generative backend to generate the STK Python script...")
	out, err := pipe.Run(ctx, scenario, pipeline.Options{Retain: keep})
	if out == nil {
		if errors.Is(err, compiler.ErrEmptyScenario) {
			fmt.Println(console.NoScenarioMessage)
			return exitOK
		}
		con.Error("%v", err)
		return exitCodeFor(err)
	}

	if out.Retained {
		con.Info("Saved generated code to: %s", filepath.Join(out.Dir, contract.ScriptName))
		con.Info("Working directory: %s", out.Dir)
	}
	con.Artifacts(out.Artifacts)
	output := ""
	if out.Result != nil {
		output = out.Result.Output
	}
	con.Output(output)

	if err != nil {
		con.Error("%v", err)
		return exitCodeFor(err)
	}
	return exitOK
}

func readScenario(con *console.Console, path string) (string, error) {
	if path == "" {
		con.Banner()
		return con.ReadScenario()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", faults.Configuration("scenario", "failed to read scenario file", err)
	}
	return string(data), nil
}

// runEngineCheck drives the configured engine through a job directory so the
// self check output is harvested, recorded and released like any run.
func runEngineCheck(ctx context.Context, cfg config.Config, registry *jobs.Registry, keep bool, con *console.Console, logger zerolog.Logger) int {
	job, err := registry.Acquire(ctx, "engine self check", "")
	if err != nil {
		con.Error("%v", err)
		return exitExecution
	}
	if err := registry.MarkRunning(ctx, job.ID, "engine:"+cfg.Engine.Backend); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark job running")
	}

	start := time.Now()
	sum, checkErr := checkEngine(ctx, cfg.Engine, job.Dir, logger)
	res := &sandbox.Result{Duration: time.Since(start)}
	if checkErr != nil {
		res.ExitCode = 1
		res.Output = checkErr.Error()
	} else {
		res.Output = fmt.Sprintf("access intervals: %d\naer samples: %d\nlink samples: %d\ncoverage: %.2f%%\n",
			sum.AccessIntervals, sum.AERSamples, sum.LinkSamples, sum.PercentCovered)
	}

	arts, harvestErr := harvest.Harvest(job.Dir)
	bg := context.WithoutCancel(ctx)
	if err := registry.Complete(bg, job.ID, res, arts, checkErr); err != nil {
		logger.Error().Err(err).Msg("Failed to record job completion")
	}
	if err := registry.Release(bg, job.ID, keep); err != nil {
		logger.Error().Err(err).Msg("Failed to release job")
	}

	con.Artifacts(arts)
	con.Output(res.Output)
	if err := errors.Join(checkErr, harvestErr); err != nil {
		con.Error("%v", err)
		return exitExecution
	}
	return exitOK
}

func checkEngine(ctx context.Context, cfg config.EngineConfig, dir string, logger zerolog.Logger) (*selfcheck.Summary, error) {
	var eng contract.Engine
	switch cfg.Backend {
	case "stk":
		stk, err := stkcom.Open(ctx, stkcom.Config{
			ProgID:        cfg.ProgID,
			Visible:       cfg.Visible,
			AttachRunning: cfg.AttachRun,
			Dir:           dir,
		}, logger)
		if err != nil {
			return nil, err
		}
		defer stk.Close()
		eng = stk
	default:
		eng = memengine.New(memengine.Config{Dir: dir}, logger)
	}
	return selfcheck.Run(ctx, eng, dir, selfcheck.DefaultConfig(), logger)
}

func exitCodeFor(err error) int {
	switch faults.KindOf(err) {
	case faults.KindConfiguration:
		return exitConfiguration
	case faults.KindGeneration:
		return exitGeneration
	default:
		return exitExecution
	}
}

func initLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	// Logs go to stderr; stdout carries the run summary.
	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
