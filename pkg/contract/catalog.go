// Package contract defines the automation contract every synthesized
// program must realize: the versioned operation catalog embedded in
// prompts, the typed requests a backend accepts, and the Engine interface
// a simulation backend implements.
package contract

import (
	_ "embed"
	"fmt"
	"strings"
)

// Version identifies the contract revision. Bump it whenever the catalog
// or the reference automation source changes.
const Version = "stk-automation-v1"

// FirstStatement is the statement every synthesized program must begin with.
const FirstStatement = "import csv"

// ScriptName is the file name the sandbox writes synthesized code to.
const ScriptName = "generated_stk.py"

//go:embed automation.py
var automationSource string

// AutomationSource returns the reference automation class that synthesized
// programs extend.
func AutomationSource() string {
	return automationSource
}

// Param describes one operation parameter.
type Param struct {
	Name    string
	Type    string
	Default string
}

// Operation is one capability of the contract.
type Operation struct {
	Name    string
	Group   string
	Params  []Param
	Effect  string
	Returns string
}

// Signature renders the operation as name(param: type = default, ...).
func (o Operation) Signature() string {
	parts := make([]string, 0, len(o.Params))
	for _, p := range o.Params {
		s := p.Name + ": " + p.Type
		if p.Default != "" {
			s += " = " + p.Default
		}
		parts = append(parts, s)
	}
	return fmt.Sprintf("%s(%s)", o.Name, strings.Join(parts, ", "))
}

var catalog = []Operation{
	// Scenario lifecycle
	{Name: "new_scenario", Group: "scenario",
		Params: []Param{{"name", "str", ""}, {"start", "str", `"Today"`}, {"stop", "str", `"+250hr"`}},
		Effect: "creates the scenario, sets its analysis period and rewinds the clock", Returns: "None"},

	// Assets
	{Name: "add_satellite", Group: "asset", Params: []Param{{"name", "str", ""}},
		Effect: "adds a satellite with no orbit assigned", Returns: "satellite object"},
	{Name: "add_aircraft", Group: "asset", Params: []Param{{"name", "str", ""}},
		Effect: "adds an aircraft", Returns: "aircraft object"},
	{Name: "add_facility", Group: "asset",
		Params: []Param{{"name", "str", ""}, {"lat", "float deg", ""}, {"lon", "float deg", ""}, {"alt", "float m", "0"}},
		Effect: "adds a ground facility at a geodetic position", Returns: "facility object"},
	{Name: "add_target", Group: "asset",
		Params: []Param{{"name", "str", ""}, {"lat", "float deg", ""}, {"lon", "float deg", ""}, {"alt", "float m", "0"}},
		Effect: "adds a target at a geodetic position", Returns: "target object"},
	{Name: "add_place", Group: "asset",
		Params: []Param{{"name", "str", ""}, {"lat", "float deg", ""}, {"lon", "float deg", ""}, {"alt", "float m", "0"}},
		Effect: "adds a place at a geodetic position", Returns: "place object"},
	{Name: "set_simple_orbit", Group: "asset",
		Params: []Param{{"sat", "satellite", ""}, {"sma", "float m", "7000000"}, {"ecc", "float", "0"},
			{"inc", "float deg", "98"}, {"aop", "float deg", "0"}, {"ta", "float deg", "0"}},
		Effect: "propagates the satellite on a two-body classical orbit over the scenario period", Returns: "None"},
	{Name: "set_geo_orbit", Group: "asset",
		Params: []Param{{"sat", "satellite", ""}, {"longitude_deg", "float deg", ""}},
		Effect: "places the satellite in a geosynchronous orbit over the given longitude", Returns: "None"},

	// Sensors and transceivers
	{Name: "add_sensor", Group: "payload",
		Params: []Param{{"parent_obj", "asset", ""}, {"sensor_name", "str", ""}, {"cone_half_angle_deg", "float deg", "45"}},
		Effect: "attaches a simple conic sensor to the parent asset", Returns: "sensor object"},
	{Name: "add_transmitter", Group: "payload",
		Params: []Param{{"parent_obj", "asset", ""}, {"tx_name", "str", ""}, {"frequency_mhz", "float MHz", "2400"}, {"power_dbm", "float dBm", "30"}},
		Effect: "attaches a transmitter with the given frequency and EIRP", Returns: "transmitter object"},
	{Name: "add_receiver", Group: "payload",
		Params: []Param{{"parent_obj", "asset", ""}, {"rx_name", "str", ""}, {"frequency_mhz", "float MHz", "2400"}},
		Effect: "attaches a receiver tuned to the given frequency", Returns: "receiver object"},

	// Analysis
	{Name: "compute_access", Group: "analysis",
		Params: []Param{{"from_obj", "object", ""}, {"to_obj", "object", ""}},
		Effect: "computes visibility intervals between two objects; zero intervals is success", Returns: "access object"},
	{Name: "get_access_intervals", Group: "analysis", Params: []Param{{"access", "access object", ""}},
		Effect: "reads the ordered, non-overlapping (start, stop, duration) intervals", Returns: "interval data"},
	{Name: "get_aer_data", Group: "analysis", Params: []Param{{"access", "access object", ""}},
		Effect: "samples azimuth, elevation and range every 60 s", Returns: "AER data"},
	{Name: "compute_link_budget", Group: "analysis",
		Params: []Param{{"tx_obj", "transmitter", ""}, {"rx_obj", "receiver", ""}},
		Effect: "samples EIRP, path loss and received power; received power = EIRP - path loss", Returns: "link budget data"},
	{Name: "compute_coverage", Group: "analysis",
		Params: []Param{{"sensor", "sensor", ""}, {"region_name", "str", `"CoverageRegion"`}},
		Effect: "computes coverage of a region by the sensor", Returns: "coverage object"},

	// Reports
	{Name: "save_access_csv", Group: "report",
		Params: []Param{{"result", "interval data", ""}, {"file_path", "relative path", ""}},
		Effect: "writes header Start Time,Stop Time,Duration (sec) then one row per interval", Returns: "None"},
	{Name: "save_aer_csv", Group: "report",
		Params: []Param{{"result", "AER data", ""}, {"file_path", "relative path", ""}},
		Effect: "writes header Time,Azimuth (deg),Elevation (deg),Range (km) then one row per sample", Returns: "None"},
	{Name: "save_link_budget_csv", Group: "report",
		Params: []Param{{"result", "link budget data", ""}, {"file_path", "relative path", ""}},
		Effect: "writes header Time,EIRP (dBm),Path Loss (dB),Received Power (dBm) then one row per sample", Returns: "None"},

	// Imagery
	{Name: "take_screenshot", Group: "imagery",
		Params: []Param{{"file_path", "relative path", ""}, {"view_mode", "str", `"2D"`}},
		Effect: "saves an image of the current view", Returns: "None"},
	{Name: "take_screenshot_at_time", Group: "imagery",
		Params: []Param{{"file_path", "relative path", ""}, {"time_str", "str", ""}, {"view_mode", "str", `"2D"`}},
		Effect: "advances the scenario clock to time_str, then saves an image", Returns: "None"},
}

// Catalog returns the fixed, ordered operation list.
func Catalog() []Operation {
	out := make([]Operation, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup returns the operation with the given name.
func Lookup(name string) (Operation, bool) {
	for _, op := range catalog {
		if op.Name == name {
			return op, true
		}
	}
	return Operation{}, false
}

// Render returns the textual form of the contract that is embedded in
// instruction documents. The output depends only on Version and the catalog.
func Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Automation contract %s\n\n", Version)

	group := ""
	for _, op := range catalog {
		if op.Group != group {
			group = op.Group
			fmt.Fprintf(&b, "[%s]\n", group)
		}
		fmt.Fprintf(&b, "- %s\n    effect: %s\n    returns: %s\n", op.Signature(), op.Effect, op.Returns)
	}

	b.WriteString("\nReference implementation (extend it, do not replace it):\n\n")
	b.WriteString(automationSource)
	if !strings.HasSuffix(automationSource, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}
