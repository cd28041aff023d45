package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/faults"
	"cymbytes.com/missiongen/pkg/contract"
)

// newShellExecutor runs programs with /bin/sh so the tests need no Python.
func newShellExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell interpreter tests require a unix shell")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	cfg.Interpreter = "/bin/sh"
	if cfg.KillGrace == 0 {
		cfg.KillGrace = time.Second
	}
	return New(cfg, zerolog.Nop())
}

func TestExecute_Success(t *testing.T) {
	e := newShellExecutor(t, Config{})
	dir := t.TempDir()
	code := "echo hello\necho oops 1>&2\necho 'Start Time,Stop Time,Duration (sec)' > access.csv\n"

	res, err := e.Execute(context.Background(), Job{ID: "job-1", Dir: dir, Code: code})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Errorf("Output should combine stdout and stderr, got %q", res.Output)
	}
	if _, err := os.Stat(filepath.Join(dir, "access.csv")); err != nil {
		t.Errorf("Program did not run in the job directory: %v", err)
	}
	written, err := os.ReadFile(filepath.Join(dir, contract.ScriptName))
	if err != nil || string(written) != code {
		t.Errorf("Program file not materialized: %v", err)
	}
}

func TestExecute_NonZeroExitIsNotAnError(t *testing.T) {
	e := newShellExecutor(t, Config{})

	res, err := e.Execute(context.Background(), Job{ID: "job-2", Dir: t.TempDir(), Code: "echo failing\nexit 3\n"})
	if err != nil {
		t.Fatalf("Execute returned error for non-zero exit: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if !strings.Contains(res.Output, "failing") {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e := newShellExecutor(t, Config{})
	dir := t.TempDir()
	code := "echo partial > partial.txt\necho started\nsleep 30 &\nsleep 30\n"

	start := time.Now()
	res, err := e.Execute(context.Background(), Job{ID: "job-3", Dir: dir, Code: code, Timeout: 500 * time.Millisecond})
	elapsed := time.Since(start)

	if !errors.Is(err, faults.ErrTimeout) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if !errors.Is(err, faults.ErrExecution) {
		t.Errorf("Timeout should be an execution error, got %v", err)
	}
	if res == nil || !res.TimedOut {
		t.Fatalf("Expected partial result marked as timed out, got %+v", res)
	}
	if !strings.Contains(res.Output, "started") {
		t.Errorf("Partial output lost: %q", res.Output)
	}
	if _, err := os.Stat(filepath.Join(dir, "partial.txt")); err != nil {
		t.Errorf("Partial artifact missing: %v", err)
	}
	if elapsed > 10*time.Second {
		t.Errorf("Execute took %v; process group was not killed", elapsed)
	}
}

func TestExecute_SpawnFailure(t *testing.T) {
	e := New(Config{Interpreter: filepath.Join(t.TempDir(), "missing-python")}, zerolog.Nop())

	res, err := e.Execute(context.Background(), Job{ID: "job-4", Dir: t.TempDir(), Code: "import csv"})
	if !errors.Is(err, faults.ErrExecution) {
		t.Fatalf("Expected execution error, got %v", err)
	}
	if errors.Is(err, faults.ErrTimeout) {
		t.Error("Spawn failure must not be tagged as timeout")
	}
	if res != nil {
		t.Errorf("Expected no result, got %+v", res)
	}
}

func TestExecute_MissingDir(t *testing.T) {
	e := New(Config{Interpreter: "/bin/sh"}, zerolog.Nop())
	if _, err := e.Execute(context.Background(), Job{ID: "x", Code: "true"}); !errors.Is(err, faults.ErrExecution) {
		t.Errorf("Expected execution error, got %v", err)
	}
}

func TestExecute_EnvironmentAndLiveOutput(t *testing.T) {
	var live bytes.Buffer
	e := newShellExecutor(t, Config{Live: &live})
	dir := t.TempDir()

	res, err := e.Execute(context.Background(), Job{ID: "job-env", Dir: dir, Code: "echo id=$MISSIONGEN_JOB_ID\necho dir=$MISSIONGEN_WORK_DIR\n"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "id=job-env") || !strings.Contains(res.Output, "dir="+dir) {
		t.Errorf("Environment not passed: %q", res.Output)
	}
	if live.String() != res.Output {
		t.Errorf("Live output %q differs from captured %q", live.String(), res.Output)
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defghij"))
	if got := b.String(); got != "cdefghij" {
		t.Errorf("String() = %q, want cdefghij", got)
	}
	if !b.Truncated() {
		t.Error("Expected truncated")
	}

	b = newTailBuffer(4)
	_, _ = b.Write([]byte("héllo"))
	// The cut lands inside é and must not leave a partial rune.
	if got := b.String(); got != "llo" {
		t.Errorf("String() = %q, want llo", got)
	}

	b = newTailBuffer(64)
	_, _ = b.Write([]byte("short"))
	if b.Truncated() || b.String() != "short" {
		t.Errorf("Unexpected state %q truncated=%v", b.String(), b.Truncated())
	}
}
