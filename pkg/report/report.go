// Package report defines the structured results of access, AER, link-budget
// and coverage analyses and their CSV serialization.
package report

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"cymbytes.com/missiongen/internal/faults"
)

// TimeLayout is the UTCG layout used in every report file.
const TimeLayout = "2 Jan 2006 15:04:05.000"

// Tolerance bounds the received-power invariant of in-memory link-budget
// samples. Loaded reports are checked against the precision of the file.
const Tolerance = 1e-9

// ErrReport matches every error returned by this package.
var ErrReport = faults.ErrReport

// Kind identifies a tabular report.
type Kind string

const (
	KindAccess     Kind = "access"
	KindAER        Kind = "aer"
	KindLinkBudget Kind = "link_budget"
)

var headers = map[Kind][]string{
	KindAccess:     {"Start Time", "Stop Time", "Duration (sec)"},
	KindAER:        {"Time", "Azimuth (deg)", "Elevation (deg)", "Range (km)"},
	KindLinkBudget: {"Time", "EIRP (dBm)", "Path Loss (dB)", "Received Power (dBm)"},
}

// Header returns the fixed column names for a report kind.
func Header(k Kind) []string {
	h := headers[k]
	out := make([]string, len(h))
	copy(out, h)
	return out
}

// Table is a result that serializes to one CSV row per sample or interval.
type Table interface {
	Kind() Kind
	Rows() [][]string
	Validate() error
}

// ============================================================
// Access
// ============================================================

// Interval is one access window.
type Interval struct {
	Start time.Time
	Stop  time.Time
}

// Duration returns the interval length.
func (i Interval) Duration() time.Duration {
	return i.Stop.Sub(i.Start)
}

// AccessResult holds the ordered visibility windows between two assets.
// Zero intervals is a valid result meaning no visibility.
type AccessResult struct {
	From      string
	To        string
	Intervals []Interval
}

// Kind implements Table.
func (r *AccessResult) Kind() Kind { return KindAccess }

// Validate checks ordering and that no two intervals overlap.
func (r *AccessResult) Validate() error {
	for i, iv := range r.Intervals {
		if iv.Start.IsZero() || iv.Stop.IsZero() {
			return faults.Report("access.validate", fmt.Sprintf("interval %d has a missing bound", i), nil)
		}
		if iv.Stop.Before(iv.Start) {
			return faults.Report("access.validate", fmt.Sprintf("interval %d stops before it starts", i), nil)
		}
		if i > 0 && iv.Start.Before(r.Intervals[i-1].Stop) {
			return faults.Report("access.validate", fmt.Sprintf("interval %d overlaps or precedes interval %d", i, i-1), nil)
		}
	}
	return nil
}

// Rows implements Table.
func (r *AccessResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Intervals))
	for _, iv := range r.Intervals {
		// The duration follows the bounds as written, not the raw ones.
		start, stop := iv.Start.Truncate(time.Millisecond), iv.Stop.Truncate(time.Millisecond)
		rows = append(rows, []string{
			formatTime(start),
			formatTime(stop),
			strconv.FormatFloat(stop.Sub(start).Seconds(), 'f', 3, 64),
		})
	}
	return rows
}

// TotalDuration sums all interval durations.
func (r *AccessResult) TotalDuration() time.Duration {
	var total time.Duration
	for _, iv := range r.Intervals {
		total += iv.Duration()
	}
	return total
}

// ============================================================
// AER
// ============================================================

// AERSample is one azimuth/elevation/range sample.
type AERSample struct {
	Time      time.Time
	Azimuth   float64 // deg
	Elevation float64 // deg
	Range     float64 // km
}

// AERResult holds sampled azimuth, elevation and range between two assets.
type AERResult struct {
	From    string
	To      string
	Samples []AERSample
}

// Kind implements Table.
func (r *AERResult) Kind() Kind { return KindAER }

// Validate checks every sample is finite and within angular bounds.
func (r *AERResult) Validate() error {
	for i, s := range r.Samples {
		if s.Time.IsZero() {
			return faults.Report("aer.validate", fmt.Sprintf("sample %d has no time", i), nil)
		}
		if !finite(s.Azimuth, s.Elevation, s.Range) {
			return faults.Report("aer.validate", fmt.Sprintf("sample %d has a non-finite value", i), nil)
		}
		if s.Azimuth < 0 || s.Azimuth > 360 {
			return faults.Report("aer.validate", fmt.Sprintf("sample %d azimuth %g out of [0,360]", i, s.Azimuth), nil)
		}
		if s.Elevation < -90 || s.Elevation > 90 {
			return faults.Report("aer.validate", fmt.Sprintf("sample %d elevation %g out of [-90,90]", i, s.Elevation), nil)
		}
		if s.Range < 0 {
			return faults.Report("aer.validate", fmt.Sprintf("sample %d has negative range", i), nil)
		}
	}
	return nil
}

// Rows implements Table.
func (r *AERResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Samples))
	for _, s := range r.Samples {
		rows = append(rows, []string{
			formatTime(s.Time),
			formatFloat(s.Azimuth),
			formatFloat(s.Elevation),
			formatFloat(s.Range),
		})
	}
	return rows
}

// ============================================================
// Link budget
// ============================================================

// LinkSample is one link-budget sample.
// ReceivedPower is always EIRP minus PathLoss.
type LinkSample struct {
	Time          time.Time
	EIRP          float64 // dBm
	PathLoss      float64 // dB
	ReceivedPower float64 // dBm
}

// NewLinkSample builds a sample whose received power satisfies the invariant.
func NewLinkSample(t time.Time, eirp, pathLoss float64) LinkSample {
	return LinkSample{
		Time:          t,
		EIRP:          eirp,
		PathLoss:      pathLoss,
		ReceivedPower: eirp - pathLoss,
	}
}

// LinkBudgetResult holds per-sample RF power accounting between a
// transmitter and a receiver.
type LinkBudgetResult struct {
	Transmitter string
	Receiver    string
	Samples     []LinkSample
}

// Kind implements Table.
func (r *LinkBudgetResult) Kind() Kind { return KindLinkBudget }

// Validate checks received_power = eirp - path_loss for every sample.
func (r *LinkBudgetResult) Validate() error {
	return r.validate(func(int) float64 { return Tolerance })
}

func (r *LinkBudgetResult) validate(tolerance func(i int) float64) error {
	for i, s := range r.Samples {
		if s.Time.IsZero() {
			return faults.Report("link_budget.validate", fmt.Sprintf("sample %d has no time", i), nil)
		}
		if !finite(s.EIRP, s.PathLoss, s.ReceivedPower) {
			return faults.Report("link_budget.validate", fmt.Sprintf("sample %d has a non-finite value", i), nil)
		}
		if diff := math.Abs(s.ReceivedPower - (s.EIRP - s.PathLoss)); diff > tolerance(i) {
			return faults.Report("link_budget.validate",
				fmt.Sprintf("sample %d received power %g != eirp %g - path loss %g", i, s.ReceivedPower, s.EIRP, s.PathLoss), nil)
		}
	}
	return nil
}

// Rows implements Table.
func (r *LinkBudgetResult) Rows() [][]string {
	rows := make([][]string, 0, len(r.Samples))
	for _, s := range r.Samples {
		rows = append(rows, []string{
			formatTime(s.Time),
			formatFloat(s.EIRP),
			formatFloat(s.PathLoss),
			formatFloat(s.ReceivedPower),
		})
	}
	return rows
}

// ============================================================
// Coverage
// ============================================================

// CoverageResult is the opaque coverage metric of an asset over a region.
type CoverageResult struct {
	Asset          string
	Region         string
	PercentCovered float64
}

// Validate checks the metric exists and is a percentage.
func (r *CoverageResult) Validate() error {
	if r.Asset == "" || r.Region == "" {
		return faults.Report("coverage.validate", "asset and region are required", nil)
	}
	if !finite(r.PercentCovered) || r.PercentCovered < 0 || r.PercentCovered > 100 {
		return faults.Report("coverage.validate", fmt.Sprintf("percent covered %g out of [0,100]", r.PercentCovered), nil)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
