package report

import (
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cymbytes.com/missiongen/internal/faults"
)

// ExportCSV validates t and writes it to path as a header row followed by
// one row per sample or interval, in source order. Parent directories are
// created when absent. An empty result yields a header-only file.
func ExportCSV(path string, t Table) error {
	if t == nil {
		return faults.Report("export_csv", "no result to export", nil)
	}
	header, ok := headers[t.Kind()]
	if !ok {
		return faults.Report("export_csv", fmt.Sprintf("unknown report kind %q", t.Kind()), nil)
	}
	if err := t.Validate(); err != nil {
		return err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return faults.Report("export_csv", "failed to create report directory", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return faults.Report("export_csv", "failed to create report file", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return faults.Report("export_csv", "failed to write header", err)
	}
	if err := w.WriteAll(t.Rows()); err != nil {
		f.Close()
		return faults.Report("export_csv", "failed to write rows", err)
	}
	if err := f.Close(); err != nil {
		return faults.Report("export_csv", "failed to close report file", err)
	}
	return nil
}

// ErrUnknownReport is the cause when a file's header matches no report kind.
var ErrUnknownReport = errors.New("unknown report header")

// KindForHeader returns the report kind whose fixed header matches header.
func KindForHeader(header []string) (Kind, bool) {
	for kind, h := range headers {
		if len(h) != len(header) {
			continue
		}
		match := true
		for i := range h {
			if h[i] != header[i] {
				match = false
				break
			}
		}
		if match {
			return kind, true
		}
	}
	return "", false
}

// Load reads a report file written by ExportCSV (or by a synthesized
// program following the same contract), detects its kind from the header
// and returns the validated result.
func Load(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, faults.Report("load", "failed to open report", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, faults.Report("load", "malformed csv", err)
	}
	if len(records) == 0 {
		return nil, faults.Report("load", "report has no header", nil)
	}

	kind, ok := KindForHeader(records[0])
	if !ok {
		return nil, faults.Report("load", fmt.Sprintf("unrecognised header %v", records[0]), ErrUnknownReport)
	}

	rows := records[1:]
	for i, row := range rows {
		if len(row) != len(records[0]) {
			return nil, faults.Report("load", fmt.Sprintf("row %d has %d columns, want %d", i+1, len(row), len(records[0])), nil)
		}
	}

	var table Table
	validate := func() error { return table.Validate() }
	switch kind {
	case KindAccess:
		table, err = parseAccess(rows)
	case KindAER:
		table, err = parseAER(rows)
	case KindLinkBudget:
		var lb *LinkBudgetResult
		lb, err = parseLinkBudget(rows)
		table = lb
		validate = func() error { return lb.validate(rowTolerance(rows)) }
	}
	if err != nil {
		return nil, err
	}
	if err := validate(); err != nil {
		return nil, err
	}
	return table, nil
}

// rowTolerance allows half a unit in the last written place of each power
// column, so rounded values still satisfy the link-budget identity.
func rowTolerance(rows [][]string) func(i int) float64 {
	return func(i int) float64 {
		row := rows[i]
		return halfUnit(row[1]) + halfUnit(row[2]) + halfUnit(row[3]) + Tolerance
	}
}

// halfUnit returns half of one unit in the last place of a decimal string,
// e.g. 0.005 for "30.12" and 0.5 for "30".
func halfUnit(s string) float64 {
	s = strings.TrimSpace(s)
	exp := 0
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		if e, err := strconv.Atoi(s[i+1:]); err == nil {
			exp = e
		}
		s = s[:i]
	}
	decimals := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		decimals = len(s) - i - 1
	}
	return 0.5 * math.Pow10(exp-decimals)
}

func parseAccess(rows [][]string) (*AccessResult, error) {
	result := &AccessResult{}
	for i, row := range rows {
		start, err := parseTime(row[0])
		if err != nil {
			return nil, rowError(i, "start time", err)
		}
		stop, err := parseTime(row[1])
		if err != nil {
			return nil, rowError(i, "stop time", err)
		}
		dur, err := strconv.ParseFloat(row[2], 64)
		if err != nil {
			return nil, rowError(i, "duration", err)
		}
		iv := Interval{Start: start, Stop: stop}
		tol := math.Max(0.001, halfUnit(row[2])) + Tolerance
		if math.Abs(iv.Duration().Seconds()-dur) > tol {
			return nil, faults.Report("load", fmt.Sprintf("row %d duration %g does not match its bounds", i+1, dur), nil)
		}
		result.Intervals = append(result.Intervals, iv)
	}
	return result, nil
}

func parseAER(rows [][]string) (*AERResult, error) {
	result := &AERResult{}
	for i, row := range rows {
		ts, err := parseTime(row[0])
		if err != nil {
			return nil, rowError(i, "time", err)
		}
		vals, err := parseFloats(row[1:])
		if err != nil {
			return nil, rowError(i, "value", err)
		}
		result.Samples = append(result.Samples, AERSample{Time: ts, Azimuth: vals[0], Elevation: vals[1], Range: vals[2]})
	}
	return result, nil
}

func parseLinkBudget(rows [][]string) (*LinkBudgetResult, error) {
	result := &LinkBudgetResult{}
	for i, row := range rows {
		ts, err := parseTime(row[0])
		if err != nil {
			return nil, rowError(i, "time", err)
		}
		vals, err := parseFloats(row[1:])
		if err != nil {
			return nil, rowError(i, "value", err)
		}
		result.Samples = append(result.Samples, LinkSample{Time: ts, EIRP: vals[0], PathLoss: vals[1], ReceivedPower: vals[2]})
	}
	return result, nil
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(TimeLayout, s, time.UTC)
}

func parseFloats(cols []string) ([]float64, error) {
	out := make([]float64, len(cols))
	for i, c := range cols {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func rowError(i int, field string, err error) error {
	return faults.Report("load", fmt.Sprintf("row %d: invalid %s", i+1, field), err)
}
