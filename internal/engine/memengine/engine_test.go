package memengine

import (
	"context"
	"errors"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/engine/connect"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
	"cymbytes.com/missiongen/pkg/report"
)

var epoch = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

func newScenario(t *testing.T) *Engine {
	t.Helper()
	e := New(Config{Dir: t.TempDir(), ImageWidth: 64, ImageHeight: 32}, zerolog.Nop())
	ctx := context.Background()
	if err := e.NewScenario(ctx, contract.ScenarioRequest{Name: "Demo", Start: epoch, Stop: epoch.Add(24 * time.Hour)}); err != nil {
		t.Fatalf("NewScenario: %v", err)
	}
	geo := -70.0
	for _, a := range []contract.AssetDescriptor{
		{Name: "Leo", Kind: contract.AssetSatellite, Orbit: &contract.OrbitalElements{SemiMajorAxis: 7000000, Inclination: 98, TrueAnomaly: 90}},
		{Name: "Geo", Kind: contract.AssetSatellite, GeoLongitude: &geo},
		{Name: "Boston", Kind: contract.AssetFacility, Position: &contract.Geodetic{Latitude: 42.36, Longitude: -71.06}},
		{Name: "Tokyo", Kind: contract.AssetFacility, Position: &contract.Geodetic{Latitude: 35.68, Longitude: 139.69}},
	} {
		if err := e.AddAsset(ctx, a); err != nil {
			t.Fatalf("AddAsset(%s): %v", a.Name, err)
		}
	}
	return e
}

func TestComputeAccess_OrbitPasses(t *testing.T) {
	e := newScenario(t)
	res, err := e.ComputeAccess(context.Background(), contract.AccessRequest{From: "Leo", To: "Boston"})
	if err != nil {
		t.Fatalf("ComputeAccess: %v", err)
	}
	if len(res.Intervals) < 10 {
		t.Fatalf("intervals = %d, want one per orbit over a day", len(res.Intervals))
	}
	for i, iv := range res.Intervals {
		if iv.Start.Before(epoch) || iv.Stop.After(epoch.Add(24*time.Hour)) {
			t.Errorf("interval %d outside the analysis period", i)
		}
		if i > 0 && iv.Start.Before(res.Intervals[i-1].Stop) {
			t.Errorf("interval %d overlaps its predecessor", i)
		}
	}

	again, _ := e.ComputeAccess(context.Background(), contract.AccessRequest{From: "Boston", To: "Leo"})
	if len(again.Intervals) != len(res.Intervals) || !again.Intervals[0].Start.Equal(res.Intervals[0].Start) {
		t.Error("Access is not symmetric and deterministic")
	}
}

func TestComputeAccess_Geosynchronous(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()

	seen, err := e.ComputeAccess(ctx, contract.AccessRequest{From: "Geo", To: "Boston"})
	if err != nil {
		t.Fatal(err)
	}
	if len(seen.Intervals) != 1 || seen.TotalDuration() != 24*time.Hour {
		t.Errorf("Boston should see the satellite all day: %+v", seen.Intervals)
	}

	hidden, err := e.ComputeAccess(ctx, contract.AccessRequest{From: "Geo", To: "Tokyo"})
	if err != nil {
		t.Fatal(err)
	}
	if hidden.Intervals == nil || len(hidden.Intervals) != 0 {
		t.Errorf("No visibility should be an empty result, got %+v", hidden.Intervals)
	}

	ground, _ := e.ComputeAccess(ctx, contract.AccessRequest{From: "Boston", To: "Tokyo"})
	if len(ground.Intervals) != 0 {
		t.Error("Ground stations should not see each other")
	}
}

func TestComputeAccess_Scripted(t *testing.T) {
	e := newScenario(t)
	iv := report.Interval{Start: epoch.Add(time.Hour), Stop: epoch.Add(2 * time.Hour)}
	e.ScriptAccess("Tokyo", "Boston", iv)

	res, err := e.ComputeAccess(context.Background(), contract.AccessRequest{From: "Boston", To: "Tokyo"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Intervals) != 1 || res.Intervals[0] != iv {
		t.Errorf("scripted intervals not returned: %+v", res.Intervals)
	}

	e.ScriptAccess("Boston", "Tokyo", iv, report.Interval{Start: epoch.Add(90 * time.Minute), Stop: epoch.Add(3 * time.Hour)})
	if _, err := e.ComputeAccess(context.Background(), contract.AccessRequest{From: "Boston", To: "Tokyo"}); !errors.Is(err, faults.ErrReport) {
		t.Errorf("Expected report error for overlapping script, got %v", err)
	}
}

func TestComputeAER(t *testing.T) {
	e := newScenario(t)
	e.ScriptAccess("Leo", "Boston", report.Interval{Start: epoch, Stop: epoch.Add(10 * time.Minute)})

	res, err := e.ComputeAER(context.Background(), contract.AERRequest{
		AccessRequest: contract.AccessRequest{From: "Boston", To: "Leo"},
		Step:          time.Minute,
	})
	if err != nil {
		t.Fatalf("ComputeAER: %v", err)
	}
	if len(res.Samples) != 11 {
		t.Fatalf("samples = %d, want 11", len(res.Samples))
	}
	mid := res.Samples[5]
	if math.Abs(mid.Elevation-peakElevation) > 1e-9 {
		t.Errorf("mid-pass elevation = %g", mid.Elevation)
	}
	if res.Samples[0].Range <= mid.Range {
		t.Error("Range should shrink toward the middle of the pass")
	}
}

func TestComputeLinkBudget(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()
	if err := e.AddTransceiver(ctx, contract.TransceiverDescriptor{Name: "Downlink", Parent: "Leo", Role: contract.RoleTransmitter, FrequencyMHz: 2250, PowerDBm: 43}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddTransceiver(ctx, contract.TransceiverDescriptor{Name: "Dish", Parent: "Boston", Role: contract.RoleReceiver, FrequencyMHz: 2250}); err != nil {
		t.Fatal(err)
	}
	e.ScriptAccess("Downlink", "Dish", report.Interval{Start: epoch, Stop: epoch.Add(4 * time.Minute)})
	e.ScriptRange("Downlink", "Dish", 1000)

	res, err := e.ComputeLinkBudget(ctx, contract.LinkRequest{Transmitter: "Downlink", Receiver: "Dish", Step: time.Minute})
	if err != nil {
		t.Fatalf("ComputeLinkBudget: %v", err)
	}
	if len(res.Samples) != 5 {
		t.Fatalf("samples = %d, want 5", len(res.Samples))
	}
	for i, s := range res.Samples {
		if math.Abs(s.ReceivedPower-(s.EIRP-s.PathLoss)) > report.Tolerance {
			t.Errorf("sample %d breaks received = eirp - loss", i)
		}
		if s.EIRP != 43 {
			t.Errorf("sample %d eirp = %g", i, s.EIRP)
		}
	}
}

func TestComputeLinkBudget_UsesParentGeometry(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()
	_ = e.AddTransceiver(ctx, contract.TransceiverDescriptor{Name: "Tx", Parent: "Leo", Role: contract.RoleTransmitter, FrequencyMHz: 8000, PowerDBm: 30})
	_ = e.AddTransceiver(ctx, contract.TransceiverDescriptor{Name: "Rx", Parent: "Boston", Role: contract.RoleReceiver, FrequencyMHz: 8000})

	link, err := e.ComputeLinkBudget(ctx, contract.LinkRequest{Transmitter: "Tx", Receiver: "Rx", Step: 5 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if len(link.Samples) == 0 {
		t.Error("Transceivers should inherit the passes of their platforms")
	}
}

func TestFreeSpacePathLoss(t *testing.T) {
	// 1000 km at 2250 MHz.
	got := FreeSpacePathLoss(1000, 2250)
	want := 60 + 20*math.Log10(2250) + 32.44
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("FSPL = %g, want %g", got, want)
	}
	if math.IsInf(FreeSpacePathLoss(0, 2250), 0) {
		t.Error("Zero range should stay finite")
	}
}

func TestComputeCoverage(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()
	if err := e.AddSensor(ctx, contract.SensorDescriptor{Name: "Cam", Parent: "Leo", ConeHalfAngle: 45}); err != nil {
		t.Fatal(err)
	}

	res, err := e.ComputeCoverage(ctx, contract.CoverageRequest{Asset: "Cam", Region: "Europe"})
	if err != nil {
		t.Fatal(err)
	}
	if res.PercentCovered != 50 {
		t.Errorf("percent = %g, want 50", res.PercentCovered)
	}

	e.ScriptCoverage("Leo", "Europe", 12.5)
	res, err = e.ComputeCoverage(ctx, contract.CoverageRequest{Asset: "Leo", Region: "Europe"})
	if err != nil || res.PercentCovered != 12.5 {
		t.Errorf("scripted coverage = %+v, %v", res, err)
	}
}

func TestCaptureScreenshot(t *testing.T) {
	e := newScenario(t)
	at := epoch.Add(6 * time.Hour)

	if err := e.CaptureScreenshot(context.Background(), contract.ScreenshotRequest{Path: "views/noon.png", At: &at}); err != nil {
		t.Fatalf("CaptureScreenshot: %v", err)
	}
	if !e.Clock().Equal(at) {
		t.Errorf("clock = %v, want %v", e.Clock(), at)
	}

	path := filepath.Join(e.cfg.Dir, "views", "noon.png")
	mt, err := mimetype.DetectFile(path)
	if err != nil || !mt.Is("image/png") {
		t.Fatalf("detected %v, %v", mt, err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
		t.Errorf("bounds = %v", b)
	}
}

func TestCaptureScreenshot_Rejections(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()
	late := epoch.Add(48 * time.Hour)

	if err := e.CaptureScreenshot(ctx, contract.ScreenshotRequest{Path: "x.png", At: &late}); !errors.Is(err, faults.ErrExecution) {
		t.Errorf("Expected execution error for time outside the period, got %v", err)
	}
	if !e.Clock().Equal(epoch) {
		t.Error("Clock moved by a rejected screenshot")
	}
	if err := e.CaptureScreenshot(ctx, contract.ScreenshotRequest{Path: "../../etc/x.png"}); !errors.Is(err, contract.ErrInvalidRequest) {
		t.Errorf("Expected invalid request, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(e.cfg.Dir, "x.png")); !os.IsNotExist(err) {
		t.Error("Rejected screenshot wrote a file")
	}
}

func TestTranscript_InvalidRequestsLeaveNoTrace(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()
	before := len(e.Transcript())

	_ = e.AddAsset(ctx, contract.AssetDescriptor{Name: "Bad\nName", Kind: contract.AssetTarget, Position: &contract.Geodetic{}})
	_ = e.AddSensor(ctx, contract.SensorDescriptor{Name: "Cam", Parent: "Ghost", ConeHalfAngle: 5})
	_, _ = e.ComputeAER(ctx, contract.AERRequest{AccessRequest: contract.AccessRequest{From: "Leo", To: "Boston"}})

	if got := e.Transcript(); len(got) != before {
		t.Errorf("transcript grew by %q", got[before:])
	}
}

func TestScenarioLifecycle(t *testing.T) {
	e := newScenario(t)
	ctx := context.Background()

	if err := e.NewScenario(ctx, contract.ScenarioRequest{Name: "Next", Start: epoch, Stop: epoch.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if err := e.AddSensor(ctx, contract.SensorDescriptor{Name: "Cam", Parent: "Leo", ConeHalfAngle: 5}); !errors.Is(err, connect.ErrUnknownObject) {
		t.Errorf("Objects survived a new scenario: %v", err)
	}
	if err := e.CloseScenario(ctx); err != nil {
		t.Fatal(err)
	}
	if err := e.AddAsset(ctx, contract.AssetDescriptor{Name: "Leo", Kind: contract.AssetTarget, Position: &contract.Geodetic{}}); !errors.Is(err, connect.ErrNoScenario) {
		t.Errorf("Expected ErrNoScenario, got %v", err)
	}

	transcript := strings.Join(e.Transcript(), "\n")
	if strings.Count(transcript, "Unload / *") != 2 {
		t.Errorf("Expected two unloads in transcript:\n%s", transcript)
	}
}
