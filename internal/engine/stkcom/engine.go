// Package stkcom drives a running STK desktop application over its COM
// automation interface by sending Connect commands.
package stkcom

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/engine/connect"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
	"cymbytes.com/missiongen/pkg/report"
)

// ErrUnsupported is returned by Dial on platforms without COM.
var ErrUnsupported = errors.New("STK COM automation requires windows")

// Conn executes one Connect command and returns its result lines.
type Conn interface {
	Exec(ctx context.Context, cmd string) ([]string, error)
	Close() error
}

// Config holds STK connection settings.
type Config struct {
	// ProgID is the COM class of the application.
	ProgID string

	// Visible shows the application window.
	Visible bool

	// AttachRunning attaches to an already running instance instead of
	// starting a new one.
	AttachRunning bool

	// Dir is the directory screenshot paths are resolved against.
	Dir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ProgID:  "STK12.Application",
		Visible: true,
	}
}

// Engine implements contract.Engine on top of a Conn.
type Engine struct {
	conn    Conn
	dir     string
	logger  zerolog.Logger
	mu      sync.Mutex
	builder *connect.Builder
}

var _ contract.Engine = (*Engine)(nil)

// Open connects to STK and returns an engine using the connection.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.ProgID == "" {
		cfg.ProgID = DefaultConfig().ProgID
	}
	conn, err := Dial(ctx, cfg)
	if err != nil {
		return nil, faults.Execution("stkcom.open", "failed to connect to STK", err)
	}
	return New(conn, cfg.Dir, logger), nil
}

// New creates an engine over an existing connection.
func New(conn Conn, dir string, logger zerolog.Logger) *Engine {
	return &Engine{
		conn:    conn,
		dir:     dir,
		logger:  logger.With().Str("component", "stkcom").Logger(),
		builder: connect.NewBuilder(),
	}
}

// Close releases the connection.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// NewScenario opens a scenario, unloading any open one first.
func (e *Engine) NewScenario(ctx context.Context, req contract.ScenarioRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.builder.Scenario(); open {
		if _, err := e.run(ctx, e.builder.CloseScenario()); err != nil {
			return err
		}
	}
	cmds, err := e.builder.NewScenario(req)
	if err != nil {
		return err
	}
	_, err = e.run(ctx, cmds)
	return err
}

// CloseScenario unloads the open scenario.
func (e *Engine) CloseScenario(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.builder.Scenario(); !open {
		return nil
	}
	_, err := e.run(ctx, e.builder.CloseScenario())
	return err
}

func (e *Engine) AddAsset(ctx context.Context, asset contract.AssetDescriptor) error {
	return e.apply(ctx, func() ([]string, error) { return e.builder.AddAsset(asset) })
}

func (e *Engine) AddSensor(ctx context.Context, sensor contract.SensorDescriptor) error {
	return e.apply(ctx, func() ([]string, error) { return e.builder.AddSensor(sensor) })
}

func (e *Engine) AddTransceiver(ctx context.Context, trx contract.TransceiverDescriptor) error {
	return e.apply(ctx, func() ([]string, error) { return e.builder.AddTransceiver(trx) })
}

// ComputeAccess runs the access report between two objects.
func (e *Engine) ComputeAccess(ctx context.Context, req contract.AccessRequest) (*report.AccessResult, error) {
	lines, err := e.query(ctx, func() ([]string, error) { return e.builder.Access(req) })
	if err != nil {
		return nil, err
	}
	return connect.ParseAccess(req.From, req.To, lines)
}

// ComputeAER runs the AER report between two objects.
func (e *Engine) ComputeAER(ctx context.Context, req contract.AERRequest) (*report.AERResult, error) {
	lines, err := e.query(ctx, func() ([]string, error) { return e.builder.AER(req) })
	if err != nil {
		return nil, err
	}
	return connect.ParseAER(req.From, req.To, lines)
}

// ComputeLinkBudget runs the link budget report.
func (e *Engine) ComputeLinkBudget(ctx context.Context, req contract.LinkRequest) (*report.LinkBudgetResult, error) {
	lines, err := e.query(ctx, func() ([]string, error) { return e.builder.LinkBudget(req) })
	if err != nil {
		return nil, err
	}
	return connect.ParseLinkBudget(req.Transmitter, req.Receiver, lines)
}

// ComputeCoverage runs the percent-coverage report.
func (e *Engine) ComputeCoverage(ctx context.Context, req contract.CoverageRequest) (*report.CoverageResult, error) {
	lines, err := e.query(ctx, func() ([]string, error) { return e.builder.Coverage(req) })
	if err != nil {
		return nil, err
	}
	return connect.ParseCoverage(req.Asset, req.Region, lines)
}

// CaptureScreenshot saves the view below the engine directory.
func (e *Engine) CaptureScreenshot(ctx context.Context, req contract.ScreenshotRequest) error {
	if err := contract.Validate(req); err != nil {
		return err
	}
	target, err := filepath.Abs(filepath.Join(e.dir, filepath.FromSlash(req.Path)))
	if err != nil {
		return faults.Execution("stkcom.screenshot", "failed to resolve screenshot path", err)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return faults.Execution("stkcom.screenshot", "failed to create screenshot directory", err)
	}
	return e.apply(ctx, func() ([]string, error) { return e.builder.Screenshot(req, target) })
}

func (e *Engine) apply(ctx context.Context, build func() ([]string, error)) error {
	_, err := e.query(ctx, build)
	return err
}

// query builds a command sequence under the lock and returns the output of
// the last command.
func (e *Engine) query(ctx context.Context, build func() ([]string, error)) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := build()
	if err != nil {
		return nil, err
	}
	return e.run(ctx, cmds)
}

func (e *Engine) run(ctx context.Context, cmds []string) ([]string, error) {
	var out []string
	for _, cmd := range cmds {
		e.logger.Trace().Str("cmd", cmd).Msg("Executing Connect command")
		lines, err := e.conn.Exec(ctx, cmd)
		if err != nil {
			return nil, faults.Execution("stkcom.exec", fmt.Sprintf("command %q failed", cmd), err)
		}
		out = lines
	}
	return out, nil
}
