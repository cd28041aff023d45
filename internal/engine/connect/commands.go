// Package connect serializes validated engine requests into STK Connect
// commands and parses the report lines the engine sends back.
package connect

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cymbytes.com/missiongen/pkg/contract"
	"cymbytes.com/missiongen/pkg/report"
)

var (
	// ErrNoScenario is returned when a command needs an open scenario.
	ErrNoScenario = errors.New("no scenario is open")

	// ErrUnknownObject is returned for references to objects never added.
	ErrUnknownObject = errors.New("unknown object")

	// ErrDuplicateObject is returned when a name is already taken.
	ErrDuplicateObject = errors.New("object already exists")
)

// Object is a scenario object known to the builder.
type Object struct {
	Name   string
	Class  string
	Path   string
	Parent string
}

// Builder turns typed requests into command sequences. It tracks the objects
// of the open scenario so references resolve to object paths. Every request
// is validated before any text is produced.
type Builder struct {
	scenario *contract.ScenarioRequest
	objects  map[string]Object
}

// NewBuilder creates a builder with no open scenario.
func NewBuilder() *Builder {
	return &Builder{objects: make(map[string]Object)}
}

// Scenario returns the open scenario, if any.
func (b *Builder) Scenario() (contract.ScenarioRequest, bool) {
	if b.scenario == nil {
		return contract.ScenarioRequest{}, false
	}
	return *b.scenario, true
}

// Lookup returns a known object by name.
func (b *Builder) Lookup(name string) (Object, error) {
	obj, ok := b.objects[name]
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrUnknownObject, name)
	}
	return obj, nil
}

// NewScenario opens a scenario, forgetting every previous object.
func (b *Builder) NewScenario(req contract.ScenarioRequest) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	b.scenario = &req
	b.objects = make(map[string]Object)
	return []string{
		"New / Scenario " + req.Name,
		fmt.Sprintf("SetAnalysisTimePeriod * %s %s", quoteTime(req.Start), quoteTime(req.Stop)),
		"Animate * Reset",
	}, nil
}

// CloseScenario unloads the open scenario.
func (b *Builder) CloseScenario() []string {
	b.scenario = nil
	b.objects = make(map[string]Object)
	return []string{"Unload / *"}
}

var assetClasses = map[contract.AssetKind]string{
	contract.AssetSatellite: "Satellite",
	contract.AssetAircraft:  "Aircraft",
	contract.AssetFacility:  "Facility",
	contract.AssetTarget:    "Target",
	contract.AssetPlace:     "Place",
}

// AddAsset creates a platform and positions it.
func (b *Builder) AddAsset(a contract.AssetDescriptor) ([]string, error) {
	if err := contract.Validate(a); err != nil {
		return nil, err
	}
	if b.scenario == nil {
		return nil, ErrNoScenario
	}
	if _, taken := b.objects[a.Name]; taken {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateObject, a.Name)
	}

	class := assetClasses[a.Kind]
	obj := Object{Name: a.Name, Class: class, Path: "*/" + class + "/" + a.Name}
	cmds := []string{fmt.Sprintf("New / */%s %s", class, a.Name)}

	switch {
	case a.Position != nil:
		cmds = append(cmds, fmt.Sprintf("SetPosition %s Geodetic %s %s %s",
			obj.Path, num(a.Position.Latitude), num(a.Position.Longitude), num(a.Position.Altitude)))
	case a.Orbit != nil:
		o := a.Orbit
		cmds = append(cmds, fmt.Sprintf("SetState %s Classical TwoBody %s %s 60 ICRF %s %s %s %s 0 %s %s",
			obj.Path, quoteTime(b.scenario.Start), quoteTime(b.scenario.Stop), quoteTime(b.scenario.Start),
			num(o.SemiMajorAxis), num(o.Eccentricity), num(o.Inclination), num(o.ArgOfPerigee), num(o.TrueAnomaly)))
	case a.GeoLongitude != nil:
		cmds = append(cmds, fmt.Sprintf("SetState %s Geosynchronous %s %s 60 ICRF %s %s",
			obj.Path, quoteTime(b.scenario.Start), quoteTime(b.scenario.Stop), quoteTime(b.scenario.Start),
			num(*a.GeoLongitude)))
	}

	b.objects[a.Name] = obj
	return cmds, nil
}

// AddSensor attaches a simple conic sensor to an asset.
func (b *Builder) AddSensor(s contract.SensorDescriptor) ([]string, error) {
	if err := contract.Validate(s); err != nil {
		return nil, err
	}
	parent, err := b.child(s.Name, s.Parent)
	if err != nil {
		return nil, err
	}

	obj := Object{Name: s.Name, Class: "Sensor", Path: parent.Path + "/Sensor/" + s.Name, Parent: parent.Name}
	b.objects[s.Name] = obj
	return []string{
		fmt.Sprintf("New / %s/Sensor %s", parent.Path, s.Name),
		fmt.Sprintf("Define %s SimpleCone %s", obj.Path, num(s.ConeHalfAngle)),
	}, nil
}

// AddTransceiver attaches a transmitter or receiver to an asset.
func (b *Builder) AddTransceiver(t contract.TransceiverDescriptor) ([]string, error) {
	if err := contract.Validate(t); err != nil {
		return nil, err
	}
	parent, err := b.child(t.Name, t.Parent)
	if err != nil {
		return nil, err
	}

	class := "Receiver"
	if t.Role == contract.RoleTransmitter {
		class = "Transmitter"
	}
	obj := Object{Name: t.Name, Class: class, Path: parent.Path + "/" + class + "/" + t.Name, Parent: parent.Name}
	cmds := []string{
		fmt.Sprintf("New / %s/%s %s", parent.Path, class, t.Name),
		fmt.Sprintf("%s %s SetValue Model.Frequency %s MHz", class, obj.Path, num(t.FrequencyMHz)),
	}
	if t.Role == contract.RoleTransmitter {
		cmds = append(cmds, fmt.Sprintf("%s %s SetValue Model.PowerEIRP %s dBm", class, obj.Path, num(t.PowerDBm)))
	}
	b.objects[t.Name] = obj
	return cmds, nil
}

// Access computes access and requests the interval report. The last
// command's output is the report.
func (b *Builder) Access(req contract.AccessRequest) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	from, to, err := b.pair(req.From, req.To)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("Access %s %s", from.Path, to.Path),
		fmt.Sprintf(`Report_RM %s Style "Access" AccessObject %s`, from.Path, to.Path),
	}, nil
}

// AER requests sampled azimuth, elevation and range.
func (b *Builder) AER(req contract.AERRequest) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	from, to, err := b.pair(req.From, req.To)
	if err != nil {
		return nil, err
	}
	return []string{
		fmt.Sprintf("Access %s %s", from.Path, to.Path),
		fmt.Sprintf(`Report_RM %s Style "AER" TimeStep %s AccessObject %s`, from.Path, seconds(req.Step), to.Path),
	}, nil
}

// LinkBudget requests the link budget between a transmitter and a receiver.
func (b *Builder) LinkBudget(req contract.LinkRequest) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	tx, rx, err := b.pair(req.Transmitter, req.Receiver)
	if err != nil {
		return nil, err
	}
	if tx.Class != "Transmitter" || rx.Class != "Receiver" {
		return nil, fmt.Errorf("link budget needs a transmitter and a receiver, got %s and %s", tx.Class, rx.Class)
	}
	return []string{
		fmt.Sprintf("Access %s %s", tx.Path, rx.Path),
		fmt.Sprintf(`Report_RM %s Style "Link Budget - Detailed" TimeStep %s AccessObject %s`, tx.Path, seconds(req.Step), rx.Path),
	}, nil
}

// Coverage defines a coverage region for an asset and requests the
// percent-coverage report.
func (b *Builder) Coverage(req contract.CoverageRequest) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	if b.scenario == nil {
		return nil, ErrNoScenario
	}
	asset, err := b.Lookup(req.Asset)
	if err != nil {
		return nil, err
	}

	cov, exists := b.objects[req.Region]
	var cmds []string
	switch {
	case !exists:
		cov = Object{Name: req.Region, Class: "CoverageDefinition", Path: "*/CoverageDefinition/" + req.Region}
		b.objects[req.Region] = cov
		cmds = append(cmds, "New / */CoverageDefinition "+req.Region)
	case cov.Class != "CoverageDefinition":
		return nil, fmt.Errorf("%w: %s is a %s", ErrDuplicateObject, req.Region, cov.Class)
	}
	return append(cmds,
		fmt.Sprintf("Cov %s Asset %s Assign", cov.Path, asset.Path),
		fmt.Sprintf("Cov %s Access Compute", cov.Path),
		fmt.Sprintf(`Report_RM %s Style "Percent Coverage"`, cov.Path),
	), nil
}

// Screenshot saves the current view to absPath, moving the clock first when
// req.At is set. absPath is where the engine process should write, which
// differs from the validated relative req.Path.
func (b *Builder) Screenshot(req contract.ScreenshotRequest, absPath string) ([]string, error) {
	if err := contract.Validate(req); err != nil {
		return nil, err
	}
	if b.scenario == nil {
		return nil, ErrNoScenario
	}
	target, err := quote(absPath)
	if err != nil {
		return nil, err
	}

	mode := req.ViewMode
	if mode == "" {
		mode = "2D"
	}
	var cmds []string
	if req.At != nil {
		cmds = append(cmds, "SetAnimation * CurrentTime "+quoteTime(*req.At))
	}
	return append(cmds,
		"VO * ViewMode "+mode,
		"VO * SaveImage "+target,
	), nil
}

func (b *Builder) child(name, parentName string) (Object, error) {
	if b.scenario == nil {
		return Object{}, ErrNoScenario
	}
	if _, taken := b.objects[name]; taken {
		return Object{}, fmt.Errorf("%w: %s", ErrDuplicateObject, name)
	}
	return b.Lookup(parentName)
}

func (b *Builder) pair(a, c string) (Object, Object, error) {
	if b.scenario == nil {
		return Object{}, Object{}, ErrNoScenario
	}
	first, err := b.Lookup(a)
	if err != nil {
		return Object{}, Object{}, err
	}
	second, err := b.Lookup(c)
	if err != nil {
		return Object{}, Object{}, err
	}
	return first, second, nil
}

// quote wraps s in double quotes. Text that could break out of the quoted
// argument is rejected rather than escaped.
func quote(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty argument")
	}
	if strings.ContainsAny(s, "\"\r\n\x00") {
		return "", fmt.Errorf("argument %q contains a quote or control character", s)
	}
	return `"` + s + `"`, nil
}

func quoteTime(t time.Time) string {
	return `"` + t.UTC().Format(report.TimeLayout) + `"`
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
