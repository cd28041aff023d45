package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/compiler"
	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/internal/jobs"
	"cymbytes.com/missiongen/internal/planner"
	"cymbytes.com/missiongen/internal/sandbox"
	"cymbytes.com/missiongen/internal/storage"
	"cymbytes.com/missiongen/pkg/report"
)

// fakeSynth compiles for real and returns a fixed program.
type fakeSynth struct {
	code  string
	err   error
	calls atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, spec compiler.ScenarioSpec) (*planner.Synthesis, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	doc, err := compiler.Compile(spec)
	if err != nil {
		return nil, err
	}
	return &planner.Synthesis{Document: doc, Raw: f.code, Code: f.code}, nil
}

type harness struct {
	pipe     *Pipeline
	synth    *fakeSynth
	db       *storage.DB
	workRoot string
}

func newHarness(t *testing.T, code string) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests run programs with /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}

	root := t.TempDir()
	dbCfg := storage.DefaultConfig()
	dbCfg.Path = filepath.Join(root, "jobs.db")
	db, err := storage.New(context.Background(), dbCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	workRoot := filepath.Join(root, "work")
	registry := jobs.New(db, jobs.Config{WorkRoot: workRoot, TTL: time.Hour, SweepInterval: time.Hour}, nil, nil, zerolog.Nop())
	exec := sandbox.New(sandbox.Config{Interpreter: "/bin/sh", Timeout: 10 * time.Second, KillGrace: time.Second}, zerolog.Nop())
	synth := &fakeSynth{code: code}
	return &harness{
		pipe:     New(synth, exec, registry, zerolog.Nop()),
		synth:    synth,
		db:       db,
		workRoot: workRoot,
	}
}

func (h *harness) jobCount(t *testing.T) int {
	t.Helper()
	counts, err := h.db.CountJobsByStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

const reportProgram = `echo "building scenario"
printf 'Start Time,Stop Time,Duration (sec)\n1 Jul 2024 00:00:00.000,1 Jul 2024 00:01:00.000,60\n' > access.csv
printf 'name,value\nx,1\n' > notes.csv
printf 'Time,Azimuth (deg),Elevation (deg),Range (km)\n1 Jul 2024 00:00:00.000,500,1,1\n' > bad_aer.csv
echo "done"
`

func TestRun_Success(t *testing.T) {
	h := newHarness(t, reportProgram)

	out, err := h.pipe.Run(context.Background(), "Two satellites over Boston", Options{Retain: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.ExitCode != 0 || !strings.Contains(out.Result.Output, "building scenario") {
		t.Errorf("Unexpected result %+v", out.Result)
	}

	var names []string
	for _, a := range out.Artifacts {
		names = append(names, a.Name)
	}
	if strings.Join(names, ",") != "access.csv,bad_aer.csv,notes.csv" {
		t.Errorf("artifacts = %v", names)
	}

	checks := map[string]ReportCheck{}
	for _, rc := range out.Reports {
		checks[rc.Name] = rc
	}
	if rc := checks["access.csv"]; rc.Kind != report.KindAccess || rc.Err != nil {
		t.Errorf("access check = %+v", rc)
	}
	if rc := checks["notes.csv"]; rc.Kind != "" || rc.Err != nil {
		t.Errorf("unrelated csv should be ignored, got %+v", rc)
	}
	if rc := checks["bad_aer.csv"]; !errors.Is(rc.Err, faults.ErrReport) {
		t.Errorf("invalid aer should fail validation, got %+v", rc)
	}

	rec, _ := h.db.GetJob(context.Background(), out.JobID)
	if rec.Status != storage.JobStatusCompleted || !rec.Retained {
		t.Errorf("job record = %+v", rec)
	}
	if _, err := os.Stat(out.Dir); err != nil {
		t.Errorf("Retained directory missing: %v", err)
	}
	if out.Document.Digest == "" || rec.ScenarioDigest != out.Document.Digest {
		t.Error("Scenario digest not recorded")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	h := newHarness(t, "echo failing >&2\nexit 4\n")

	out, err := h.pipe.Run(context.Background(), "scenario", Options{Retain: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Result.ExitCode != 4 || !strings.Contains(out.Result.Output, "failing") {
		t.Errorf("Unexpected result %+v", out.Result)
	}
	if len(out.Artifacts) != 0 {
		t.Errorf("artifacts = %v", out.Artifacts)
	}
}

func TestRun_EmptyScenario(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t\n"} {
		h := newHarness(t, "echo never")
		out, err := h.pipe.Run(context.Background(), text, Options{})
		if !errors.Is(err, compiler.ErrEmptyScenario) || out != nil {
			t.Errorf("%q: got %v, %v", text, out, err)
		}
		if n := h.synth.calls.Load(); n != 0 {
			t.Errorf("%q: synthesizer called %d times", text, n)
		}
		if n := h.jobCount(t); n != 0 {
			t.Errorf("%q: %d jobs created", text, n)
		}
	}
}

func TestRun_GenerationErrorCreatesNoJob(t *testing.T) {
	h := newHarness(t, "")
	h.synth.err = faults.Generation("synthesize", "quota exceeded", nil)

	out, err := h.pipe.Run(context.Background(), "scenario", Options{})
	if !errors.Is(err, faults.ErrGeneration) || out != nil {
		t.Fatalf("got %v, %v", out, err)
	}
	if n := h.jobCount(t); n != 0 {
		t.Errorf("%d jobs created", n)
	}
	if entries, _ := os.ReadDir(h.workRoot); len(entries) != 0 {
		t.Errorf("job directories created: %d", len(entries))
	}
}

func TestRun_TimeoutKeepsArtifacts(t *testing.T) {
	h := newHarness(t, "printf 'partial\\n' > partial.txt\necho started\nsleep 30\n")

	start := time.Now()
	out, err := h.pipe.Run(context.Background(), "scenario", Options{Retain: true, Timeout: 500 * time.Millisecond})
	if !errors.Is(err, faults.ErrTimeout) || !errors.Is(err, faults.ErrExecution) {
		t.Fatalf("Expected timeout execution error, got %v", err)
	}
	if time.Since(start) > 8*time.Second {
		t.Error("Timeout did not stop the program promptly")
	}
	if out == nil || !out.Result.TimedOut {
		t.Fatalf("Expected timed out outcome, got %+v", out)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].Name != "partial.txt" {
		t.Errorf("artifacts = %+v", out.Artifacts)
	}
	rec, _ := h.db.GetJob(context.Background(), out.JobID)
	if rec.Status != storage.JobStatusTimedOut {
		t.Errorf("status = %s", rec.Status)
	}
}

func TestRun_ReleaseWithoutRetain(t *testing.T) {
	h := newHarness(t, "printf 'x' > out.txt\n")

	out, err := h.pipe.Run(context.Background(), "scenario", Options{Retain: false})
	if err != nil {
		t.Fatal(err)
	}
	if out.Retained {
		t.Error("Outcome claims the directory was retained")
	}
	if _, err := os.Stat(out.Dir); !os.IsNotExist(err) {
		t.Errorf("Job directory still present: %v", err)
	}
	if len(out.Artifacts) != 1 || out.Artifacts[0].Name != "out.txt" {
		t.Fatalf("Artifacts should still be reported after release: %+v", out.Artifacts)
	}
	if out.Artifacts[0].Path != "" {
		t.Errorf("Artifact path %q points into a deleted directory", out.Artifacts[0].Path)
	}
	if paths := out.ArtifactPaths(); len(paths) != 0 {
		t.Errorf("ArtifactPaths = %v, want none", paths)
	}
}

func TestRun_RetainKeepsArtifactPaths(t *testing.T) {
	h := newHarness(t, "printf 'x' > out.txt\n")

	out, err := h.pipe.Run(context.Background(), "scenario", Options{Retain: true})
	if err != nil {
		t.Fatal(err)
	}
	paths := out.ArtifactPaths()
	if len(paths) != 1 {
		t.Fatalf("ArtifactPaths = %v", paths)
	}
	if _, err := os.Stat(paths[0]); err != nil {
		t.Errorf("Retained artifact missing: %v", err)
	}
}

func TestRun_ConcurrentJobsAreIsolated(t *testing.T) {
	h := newHarness(t, "printf 'x' > same.txt\n")

	results := make(chan *Outcome, 2)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			out, err := h.pipe.Run(context.Background(), "scenario", Options{Retain: true})
			results <- out
			errs <- err
		}()
	}
	a, b := <-results, <-results
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	if a.Dir == b.Dir {
		t.Error("Concurrent runs shared a directory")
	}
	if len(a.Artifacts) != 1 || len(b.Artifacts) != 1 {
		t.Error("Each run should see only its own artifact")
	}
}
