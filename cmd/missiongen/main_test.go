package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"cymbytes.com/missiongen/internal/config"
	"cymbytes.com/missiongen/internal/console"
	"cymbytes.com/missiongen/internal/faults"
)

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"configuration", faults.Configuration("config", "missing key", nil), exitConfiguration},
		{"generation", fmt.Errorf("run: %w", faults.Generation("synthesize", "empty reply", nil)), exitGeneration},
		{"execution", faults.Execution("sandbox", "spawn failed", nil), exitExecution},
		{"timeout", faults.ExecutionTimeout("sandbox", "deadline exceeded", nil), exitExecution},
		{"unclassified", errors.New("boom"), exitExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCodeFor(tt.err); got != tt.want {
				t.Errorf("exitCodeFor = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReadScenarioFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.txt")
	if err := os.WriteFile(path, []byte("One GEO satellite at 75E\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	con := console.New(strings.NewReader(""), &bytes.Buffer{}, false)

	got, err := readScenario(con, path)
	if err != nil || !strings.Contains(got, "GEO satellite") {
		t.Errorf("got %q, %v", got, err)
	}

	_, err = readScenario(con, filepath.Join(t.TempDir(), "missing.txt"))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("missing file should be a configuration error, got %v", err)
	}
}

func TestCheckEngineMemoryBackend(t *testing.T) {
	dir := t.TempDir()
	sum, err := checkEngine(t.Context(), config.EngineConfig{Backend: "memory"}, dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("checkEngine: %v", err)
	}
	if len(sum.Files) != 5 {
		t.Errorf("files = %v", sum.Files)
	}
	for _, name := range sum.Files {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("%s not written: %v", name, err)
		}
	}
}
