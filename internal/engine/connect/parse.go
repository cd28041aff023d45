package connect

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/report"
)

// Report lines are comma separated. A line whose first field is not a UTCG
// time is a title or header line and is skipped.

// ParseAccess reads access interval lines: start, stop[, duration].
func ParseAccess(from, to string, lines []string) (*report.AccessResult, error) {
	res := &report.AccessResult{From: from, To: to, Intervals: []report.Interval{}}
	for i, line := range lines {
		fields := splitFields(line)
		if len(fields) < 2 {
			continue
		}
		start, ok := parseTime(fields[0])
		if !ok {
			continue
		}
		stop, ok := parseTime(fields[1])
		if !ok {
			return nil, faults.Report("connect.access", fmt.Sprintf("line %d: bad stop time %q", i+1, fields[1]), nil)
		}
		res.Intervals = append(res.Intervals, report.Interval{Start: start, Stop: stop})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ParseAER reads time, azimuth, elevation, range lines.
func ParseAER(from, to string, lines []string) (*report.AERResult, error) {
	res := &report.AERResult{From: from, To: to, Samples: []report.AERSample{}}
	for i, line := range lines {
		t, vals, ok, err := sampleLine(line, 3)
		if err != nil {
			return nil, faults.Report("connect.aer", fmt.Sprintf("line %d", i+1), err)
		}
		if !ok {
			continue
		}
		res.Samples = append(res.Samples, report.AERSample{Time: t, Azimuth: vals[0], Elevation: vals[1], Range: vals[2]})
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ParseLinkBudget reads time, EIRP, path loss[, received power] lines.
// Received power is derived from EIRP and path loss so every sample holds
// the link invariant regardless of the engine's rounding.
func ParseLinkBudget(tx, rx string, lines []string) (*report.LinkBudgetResult, error) {
	res := &report.LinkBudgetResult{Transmitter: tx, Receiver: rx, Samples: []report.LinkSample{}}
	for i, line := range lines {
		t, vals, ok, err := sampleLine(line, 2)
		if err != nil {
			return nil, faults.Report("connect.link_budget", fmt.Sprintf("line %d", i+1), err)
		}
		if !ok {
			continue
		}
		res.Samples = append(res.Samples, report.NewLinkSample(t, vals[0], vals[1]))
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// ParseCoverage reads the first numeric value of the percent-coverage report.
func ParseCoverage(asset, region string, lines []string) (*report.CoverageResult, error) {
	for _, line := range lines {
		fields := splitFields(line)
		if len(fields) == 0 {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(fields[len(fields)-1], "%"), 64)
		if err != nil {
			continue
		}
		res := &report.CoverageResult{Asset: asset, Region: region, PercentCovered: v}
		if err := res.Validate(); err != nil {
			return nil, err
		}
		return res, nil
	}
	return nil, faults.Report("connect.coverage", "no coverage value in report", nil)
}

// sampleLine parses a time followed by at least n numbers. ok is false for
// header lines.
func sampleLine(line string, n int) (time.Time, []float64, bool, error) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return time.Time{}, nil, false, nil
	}
	t, ok := parseTime(fields[0])
	if !ok {
		return time.Time{}, nil, false, nil
	}
	if len(fields) < n+1 {
		return time.Time{}, nil, false, fmt.Errorf("want %d values, got %d", n, len(fields)-1)
	}
	vals := make([]float64, n)
	for i := range vals {
		v, err := strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return time.Time{}, nil, false, fmt.Errorf("field %d: %w", i+2, err)
		}
		vals[i] = v
	}
	return t, vals, true, nil
}

func splitFields(line string) []string {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.Trim(strings.TrimSpace(fields[i]), `"`)
	}
	return fields
}

func parseTime(s string) (time.Time, bool) {
	t, err := time.Parse(report.TimeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
