// Package selfcheck drives an engine through every capability of the
// automation contract and leaves the reports in a directory, without any
// generated code involved.
package selfcheck

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
	"cymbytes.com/missiongen/pkg/report"
)

// Output file names.
const (
	AccessFile     = "selfcheck_access.csv"
	AERFile        = "selfcheck_aer.csv"
	LinkBudgetFile = "selfcheck_link_budget.csv"
	CoverageFile   = "selfcheck_coverage.txt"
	ScreenshotFile = "selfcheck_view.png"
)

// Config holds the scenario the check builds.
type Config struct {
	Start    time.Time
	Duration time.Duration
	Step     time.Duration
}

// DefaultConfig checks the current UTC day at one-minute steps.
func DefaultConfig() Config {
	return Config{
		Start:    time.Now().UTC().Truncate(24 * time.Hour),
		Duration: 24 * time.Hour,
		Step:     time.Minute,
	}
}

// Summary reports what the check produced.
type Summary struct {
	Files           []string
	AccessIntervals int
	AERSamples      int
	LinkSamples     int
	PercentCovered  float64
}

// Run builds a small scenario, runs every analysis and exports the results
// into dir. The scenario is closed before returning.
func Run(ctx context.Context, eng contract.Engine, dir string, cfg Config, logger zerolog.Logger) (*Summary, error) {
	logger = logger.With().Str("component", "selfcheck").Logger()
	def := DefaultConfig()
	if cfg.Start.IsZero() {
		cfg.Start = def.Start
	}
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.Step <= 0 {
		cfg.Step = def.Step
	}

	if err := eng.NewScenario(ctx, contract.ScenarioRequest{
		Name:  "SelfCheck",
		Start: cfg.Start,
		Stop:  cfg.Start.Add(cfg.Duration),
	}); err != nil {
		return nil, step("scenario", err)
	}
	defer func() {
		if err := eng.CloseScenario(context.WithoutCancel(ctx)); err != nil {
			logger.Warn().Err(err).Msg("Failed to close self check scenario")
		}
	}()

	if err := populate(ctx, eng); err != nil {
		return nil, err
	}

	sum := &Summary{}
	export := func(name string, t report.Table) error {
		path := filepath.Join(dir, name)
		if err := report.ExportCSV(path, t); err != nil {
			return err
		}
		sum.Files = append(sum.Files, name)
		return nil
	}

	access, err := eng.ComputeAccess(ctx, contract.AccessRequest{From: "CheckSat", To: "CheckGround"})
	if err != nil {
		return nil, step("access", err)
	}
	sum.AccessIntervals = len(access.Intervals)
	if err := export(AccessFile, access); err != nil {
		return nil, err
	}

	aer, err := eng.ComputeAER(ctx, contract.AERRequest{
		AccessRequest: contract.AccessRequest{From: "CheckGround", To: "CheckSat"},
		Step:          cfg.Step,
	})
	if err != nil {
		return nil, step("aer", err)
	}
	sum.AERSamples = len(aer.Samples)
	if err := export(AERFile, aer); err != nil {
		return nil, err
	}

	link, err := eng.ComputeLinkBudget(ctx, contract.LinkRequest{Transmitter: "CheckTx", Receiver: "CheckRx", Step: cfg.Step})
	if err != nil {
		return nil, step("link budget", err)
	}
	sum.LinkSamples = len(link.Samples)
	if err := export(LinkBudgetFile, link); err != nil {
		return nil, err
	}

	cov, err := eng.ComputeCoverage(ctx, contract.CoverageRequest{Asset: "CheckImager", Region: "CheckRegion"})
	if err != nil {
		return nil, step("coverage", err)
	}
	sum.PercentCovered = cov.PercentCovered
	line := fmt.Sprintf("%s covers %s: %.2f%%\n", cov.Asset, cov.Region, cov.PercentCovered)
	if err := os.WriteFile(filepath.Join(dir, CoverageFile), []byte(line), 0o644); err != nil {
		return nil, faults.Report("selfcheck.coverage", "failed to write coverage summary", err)
	}
	sum.Files = append(sum.Files, CoverageFile)

	mid := cfg.Start.Add(cfg.Duration / 2)
	if len(access.Intervals) > 0 {
		mid = access.Intervals[0].Start
	}
	if err := eng.CaptureScreenshot(ctx, contract.ScreenshotRequest{Path: ScreenshotFile, At: &mid}); err != nil {
		return nil, step("screenshot", err)
	}
	sum.Files = append(sum.Files, ScreenshotFile)

	logger.Info().
		Int("access_intervals", sum.AccessIntervals).
		Int("aer_samples", sum.AERSamples).
		Int("link_samples", sum.LinkSamples).
		Float64("percent_covered", sum.PercentCovered).
		Msg("Self check completed")
	return sum, nil
}

func populate(ctx context.Context, eng contract.Engine) error {
	assets := []contract.AssetDescriptor{
		{
			Name: "CheckSat",
			Kind: contract.AssetSatellite,
			Orbit: &contract.OrbitalElements{
				SemiMajorAxis: contract.EarthEquatorialRadius + 500e3,
				Eccentricity:  0.0001,
				Inclination:   97.4,
				TrueAnomaly:   30,
			},
		},
		{
			Name:     "CheckGround",
			Kind:     contract.AssetFacility,
			Position: &contract.Geodetic{Latitude: 38.9, Longitude: -77.0, Altitude: 100},
		},
	}
	for _, a := range assets {
		if err := eng.AddAsset(ctx, a); err != nil {
			return step("asset "+a.Name, err)
		}
	}
	if err := eng.AddSensor(ctx, contract.SensorDescriptor{Name: "CheckImager", Parent: "CheckSat", ConeHalfAngle: 30}); err != nil {
		return step("sensor", err)
	}
	for _, trx := range []contract.TransceiverDescriptor{
		{Name: "CheckTx", Parent: "CheckSat", Role: contract.RoleTransmitter, FrequencyMHz: 2250, PowerDBm: 40},
		{Name: "CheckRx", Parent: "CheckGround", Role: contract.RoleReceiver, FrequencyMHz: 2250},
	} {
		if err := eng.AddTransceiver(ctx, trx); err != nil {
			return step("transceiver "+trx.Name, err)
		}
	}
	return nil
}

func step(name string, err error) error {
	return fmt.Errorf("self check %s: %w", name, err)
}
