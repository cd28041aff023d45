package contract

import (
	"context"

	"cymbytes.com/missiongen/pkg/report"
)

// Engine is the capability set a simulation backend exposes. Synthesized
// programs are instructed to realize the same operations; Go callers use
// this interface with either the production adapter or the in-memory double.
//
// Implementations validate every request with Validate before acting on it.
type Engine interface {
	// NewScenario opens a scenario, replacing any open one.
	NewScenario(ctx context.Context, req ScenarioRequest) error

	// CloseScenario discards the open scenario.
	CloseScenario(ctx context.Context) error

	AddAsset(ctx context.Context, asset AssetDescriptor) error
	AddSensor(ctx context.Context, sensor SensorDescriptor) error
	AddTransceiver(ctx context.Context, trx TransceiverDescriptor) error

	// ComputeAccess returns ordered, non-overlapping visibility intervals.
	// No visibility is an empty result, not an error.
	ComputeAccess(ctx context.Context, req AccessRequest) (*report.AccessResult, error)

	ComputeAER(ctx context.Context, req AERRequest) (*report.AERResult, error)

	// ComputeLinkBudget returns samples whose received power equals EIRP
	// minus path loss.
	ComputeLinkBudget(ctx context.Context, req LinkRequest) (*report.LinkBudgetResult, error)

	ComputeCoverage(ctx context.Context, req CoverageRequest) (*report.CoverageResult, error)

	// CaptureScreenshot writes an image to req.Path, advancing the scenario
	// clock to req.At first when set.
	CaptureScreenshot(ctx context.Context, req ScreenshotRequest) error
}
