// Package memengine is a deterministic in-memory simulation engine. It
// validates and serializes every request exactly like the STK adapter, keeps
// the resulting Connect transcript, and answers analyses from simple
// geometry or from scripted values.
package memengine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/engine/connect"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
	"cymbytes.com/missiongen/pkg/report"
)

const (
	// earthMu is the standard gravitational parameter, m^3/s^2.
	earthMu = 3.986004418e14

	// geoAltitudeKm is the altitude of a geosynchronous orbit.
	geoAltitudeKm = 35786.0

	// geoVisibleLongitude is how far from the sub-satellite point a ground
	// object still sees a geosynchronous satellite.
	geoVisibleLongitude = 75.0

	// passFraction is the share of each orbit a ground object sees.
	passFraction = 0.1

	// defaultRangeKm is used between objects without orbital geometry.
	defaultRangeKm = 1000.0

	// peakElevation is the elevation at the middle of a pass, deg.
	peakElevation = 60.0
)

// Config holds engine settings.
type Config struct {
	// Dir is the directory screenshot paths are resolved against.
	Dir string

	ImageWidth  int
	ImageHeight int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Dir:         ".",
		ImageWidth:  640,
		ImageHeight: 360,
	}
}

type pairKey struct{ a, b string }

func keyOf(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a, b}
}

// Engine implements contract.Engine in memory.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu         sync.Mutex
	builder    *connect.Builder
	transcript []string
	clock      time.Time

	assets       map[string]contract.AssetDescriptor
	sensors      map[string]contract.SensorDescriptor
	transceivers map[string]contract.TransceiverDescriptor

	// Scripted answers survive scenario changes.
	access   map[pairKey][]report.Interval
	ranges   map[pairKey]float64
	coverage map[pairKey]float64
}

var _ contract.Engine = (*Engine)(nil)

// New creates an engine with no open scenario.
func New(cfg Config, logger zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Dir == "" {
		cfg.Dir = def.Dir
	}
	if cfg.ImageWidth <= 0 {
		cfg.ImageWidth = def.ImageWidth
	}
	if cfg.ImageHeight <= 0 {
		cfg.ImageHeight = def.ImageHeight
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logger.With().Str("component", "memengine").Logger(),
		builder:  connect.NewBuilder(),
		access:   make(map[pairKey][]report.Interval),
		ranges:   make(map[pairKey]float64),
		coverage: make(map[pairKey]float64),
	}
	e.reset()
	return e
}

// ScriptAccess fixes the access intervals between two objects.
func (e *Engine) ScriptAccess(a, b string, intervals ...report.Interval) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.access[keyOf(a, b)] = append([]report.Interval{}, intervals...)
}

// ScriptRange fixes the range between two objects, km.
func (e *Engine) ScriptRange(a, b string, km float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ranges[keyOf(a, b)] = km
}

// ScriptCoverage fixes the coverage of a region by an asset.
func (e *Engine) ScriptCoverage(asset, region string, percent float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.coverage[pairKey{asset, region}] = percent
}

// Transcript returns the Connect commands issued so far.
func (e *Engine) Transcript() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.transcript...)
}

// Clock returns the current scenario time.
func (e *Engine) Clock() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clock
}

func (e *Engine) reset() {
	e.assets = make(map[string]contract.AssetDescriptor)
	e.sensors = make(map[string]contract.SensorDescriptor)
	e.transceivers = make(map[string]contract.TransceiverDescriptor)
	e.clock = time.Time{}
}

func (e *Engine) record(cmds []string) {
	for _, cmd := range cmds {
		e.logger.Trace().Str("cmd", cmd).Msg("Recording Connect command")
	}
	e.transcript = append(e.transcript, cmds...)
}

func (e *Engine) NewScenario(ctx context.Context, req contract.ScenarioRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.builder.Scenario(); open {
		e.record(e.builder.CloseScenario())
	}
	cmds, err := e.builder.NewScenario(req)
	if err != nil {
		return err
	}
	e.record(cmds)
	e.reset()
	e.clock = req.Start
	return nil
}

func (e *Engine) CloseScenario(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, open := e.builder.Scenario(); !open {
		return nil
	}
	e.record(e.builder.CloseScenario())
	e.reset()
	return nil
}

func (e *Engine) AddAsset(ctx context.Context, asset contract.AssetDescriptor) error {
	return e.add(ctx, func() ([]string, error) { return e.builder.AddAsset(asset) }, func() {
		e.assets[asset.Name] = asset
	})
}

func (e *Engine) AddSensor(ctx context.Context, sensor contract.SensorDescriptor) error {
	return e.add(ctx, func() ([]string, error) { return e.builder.AddSensor(sensor) }, func() {
		e.sensors[sensor.Name] = sensor
	})
}

func (e *Engine) AddTransceiver(ctx context.Context, trx contract.TransceiverDescriptor) error {
	return e.add(ctx, func() ([]string, error) { return e.builder.AddTransceiver(trx) }, func() {
		e.transceivers[trx.Name] = trx
	})
}

func (e *Engine) add(ctx context.Context, build func() ([]string, error), store func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := build()
	if err != nil {
		return err
	}
	e.record(cmds)
	store()
	return nil
}

// ComputeAccess returns scripted intervals or derives passes from the
// orbit of the satellite involved.
func (e *Engine) ComputeAccess(ctx context.Context, req contract.AccessRequest) (*report.AccessResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := e.builder.Access(req)
	if err != nil {
		return nil, err
	}
	e.record(cmds)

	res := &report.AccessResult{From: req.From, To: req.To, Intervals: e.windows(req.From, req.To)}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ComputeAER samples every access window at the requested step.
func (e *Engine) ComputeAER(ctx context.Context, req contract.AERRequest) (*report.AERResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := e.builder.AER(req)
	if err != nil {
		return nil, err
	}
	e.record(cmds)

	base := e.baseRange(req.From, req.To)
	res := &report.AERResult{From: req.From, To: req.To, Samples: []report.AERSample{}}
	for _, iv := range e.windows(req.From, req.To) {
		sampleWindow(iv, req.Step, func(t time.Time, frac float64) {
			el := peakElevation * math.Sin(math.Pi*frac)
			res.Samples = append(res.Samples, report.AERSample{
				Time:      t,
				Azimuth:   180 * frac,
				Elevation: el,
				Range:     slantRange(base, el),
			})
		})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ComputeLinkBudget applies free-space path loss over the AER geometry of
// the two parent platforms.
func (e *Engine) ComputeLinkBudget(ctx context.Context, req contract.LinkRequest) (*report.LinkBudgetResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := e.builder.LinkBudget(req)
	if err != nil {
		return nil, err
	}
	e.record(cmds)

	tx := e.transceivers[req.Transmitter]
	base := e.baseRange(req.Transmitter, req.Receiver)
	res := &report.LinkBudgetResult{Transmitter: req.Transmitter, Receiver: req.Receiver, Samples: []report.LinkSample{}}
	for _, iv := range e.windows(req.Transmitter, req.Receiver) {
		sampleWindow(iv, req.Step, func(t time.Time, frac float64) {
			rng := slantRange(base, peakElevation*math.Sin(math.Pi*frac))
			res.Samples = append(res.Samples, report.NewLinkSample(t, tx.PowerDBm, FreeSpacePathLoss(rng, tx.FrequencyMHz)))
		})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ComputeCoverage returns the scripted value, or a figure derived from the
// sensor cone for sensors and zero for everything else.
func (e *Engine) ComputeCoverage(ctx context.Context, req contract.CoverageRequest) (*report.CoverageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	cmds, err := e.builder.Coverage(req)
	if err != nil {
		return nil, err
	}
	e.record(cmds)

	pct, scripted := e.coverage[pairKey{req.Asset, req.Region}]
	if !scripted {
		if s, ok := e.sensors[req.Asset]; ok {
			pct = math.Min(100, s.ConeHalfAngle/90*100)
		}
	}
	res := &report.CoverageResult{Asset: req.Asset, Region: req.Region, PercentCovered: pct}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// FreeSpacePathLoss returns the loss in dB over rangeKm at freqMHz.
func FreeSpacePathLoss(rangeKm, freqMHz float64) float64 {
	rangeKm = math.Max(rangeKm, 1e-3)
	return 20*math.Log10(rangeKm) + 20*math.Log10(freqMHz) + 32.44
}

// ============================================================
// Geometry
// ============================================================

// platform resolves sensors and transceivers to the asset carrying them.
func (e *Engine) platform(name string) (contract.AssetDescriptor, bool) {
	for i := 0; i < 8; i++ {
		if a, ok := e.assets[name]; ok {
			return a, true
		}
		obj, err := e.builder.Lookup(name)
		if err != nil || obj.Parent == "" {
			return contract.AssetDescriptor{}, false
		}
		name = obj.Parent
	}
	return contract.AssetDescriptor{}, false
}

func (e *Engine) windows(a, b string) []report.Interval {
	if scripted, ok := e.access[keyOf(a, b)]; ok {
		return append([]report.Interval{}, scripted...)
	}
	sc, _ := e.builder.Scenario()
	pa, okA := e.platform(a)
	pb, okB := e.platform(b)
	if !okA || !okB {
		return []report.Interval{}
	}
	if pa.Name == pb.Name {
		return []report.Interval{{Start: sc.Start, Stop: sc.Stop}}
	}

	sat, other := pa, pb
	if sat.Kind != contract.AssetSatellite {
		sat, other = pb, pa
	}
	switch {
	case sat.Kind != contract.AssetSatellite:
		return []report.Interval{}
	case sat.GeoLongitude != nil:
		if other.Position != nil && math.Abs(lonDiff(*sat.GeoLongitude, other.Position.Longitude)) > geoVisibleLongitude {
			return []report.Interval{}
		}
		return []report.Interval{{Start: sc.Start, Stop: sc.Stop}}
	default:
		return passes(sat.Orbit, sc.Start, sc.Stop)
	}
}

// passes places one pass per orbital period, phased by true anomaly.
func passes(o *contract.OrbitalElements, start, stop time.Time) []report.Interval {
	period := 2 * math.Pi * math.Sqrt(math.Pow(o.SemiMajorAxis, 3)/earthMu)
	periodDur := time.Duration(period * float64(time.Second))
	window := time.Duration(period * passFraction * float64(time.Second))
	offset := time.Duration(period * (o.TrueAnomaly / 360) * float64(time.Second))

	out := []report.Interval{}
	for t := start.Add(offset); t.Before(stop); t = t.Add(periodDur) {
		end := t.Add(window)
		if end.After(stop) {
			end = stop
		}
		out = append(out, report.Interval{Start: t, Stop: end})
	}
	return out
}

func (e *Engine) baseRange(a, b string) float64 {
	if km, ok := e.ranges[keyOf(a, b)]; ok {
		return km
	}
	pa, okA := e.platform(a)
	pb, okB := e.platform(b)
	if !okA || !okB {
		return defaultRangeKm
	}
	if d := math.Abs(altitudeKm(pa) - altitudeKm(pb)); d > 0 {
		return d
	}
	return defaultRangeKm
}

func altitudeKm(a contract.AssetDescriptor) float64 {
	switch {
	case a.Orbit != nil:
		return (a.Orbit.SemiMajorAxis - contract.EarthEquatorialRadius) / 1000
	case a.GeoLongitude != nil:
		return geoAltitudeKm
	case a.Position != nil:
		return a.Position.Altitude / 1000
	}
	return 0
}

// slantRange stretches the zenith range as elevation drops, floored at 10
// degrees so horizon samples stay finite.
func slantRange(zenithKm, elevationDeg float64) float64 {
	el := math.Max(elevationDeg, 10) * math.Pi / 180
	return zenithKm / math.Sin(el)
}

func sampleWindow(iv report.Interval, step time.Duration, fn func(t time.Time, frac float64)) {
	dur := iv.Duration()
	for t := iv.Start; !t.After(iv.Stop); t = t.Add(step) {
		frac := 0.5
		if dur > 0 {
			frac = float64(t.Sub(iv.Start)) / float64(dur)
		}
		fn(t, frac)
	}
}

func lonDiff(a, b float64) float64 {
	return math.Mod(a-b+540, 360) - 180
}

func (e *Engine) outsidePeriod(t time.Time) error {
	sc, _ := e.builder.Scenario()
	if t.Before(sc.Start) || t.After(sc.Stop) {
		return faults.Execution("memengine.clock",
			fmt.Sprintf("time %s outside analysis period", t.UTC().Format(report.TimeLayout)), nil)
	}
	return nil
}
