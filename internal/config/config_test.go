package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cymbytes.com/missiongen/internal/faults"
)

// testInterpreter is an executable that is guaranteed to exist.
var testInterpreter = os.Args[0]

func envMap(m map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"GOOGLE_API_KEY":       "test-key",
		"GOOGLE_GEMINI_MODEL":  "gemini-test",
		"STK_PYTHON_CMD":       testInterpreter,
		"MISSIONGEN_TIMEOUT":   "90s",
		"MISSIONGEN_WORK_ROOT": "/tmp/mg-test",
		"LOG_LEVEL":            "DEBUG",
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Generation.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.Generation.APIKey)
	}
	if cfg.Generation.Model != "gemini-test" {
		t.Errorf("Model = %q, want gemini-test", cfg.Generation.Model)
	}
	if cfg.Sandbox.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v, want 90s", cfg.Sandbox.Timeout)
	}
	if cfg.Jobs.DatabasePath != filepath.Join("/tmp/mg-test", "missiongen.db") {
		t.Errorf("DatabasePath = %q", cfg.Jobs.DatabasePath)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", envMap(map[string]string{
		"GOOGLE_API_KEY": "k",
		"STK_PYTHON_CMD": testInterpreter,
	}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.Model != "gemini-2.5-flash" {
		t.Errorf("default model = %q", cfg.Generation.Model)
	}
	if cfg.Sandbox.Timeout != 15*time.Minute {
		t.Errorf("default timeout = %v, want 15m", cfg.Sandbox.Timeout)
	}
	if cfg.Generation.MaxAttempts != 1 {
		t.Errorf("default attempts = %d, want 1", cfg.Generation.MaxAttempts)
	}
	if cfg.Generation.RequestTimeout != 0 {
		t.Errorf("default request timeout = %v, want none", cfg.Generation.RequestTimeout)
	}
}

func TestLoad_MissingCredential(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"STK_PYTHON_CMD": testInterpreter}))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "GOOGLE_API_KEY") {
		t.Errorf("Error should name the credential variable: %v", err)
	}
}

func TestLoad_MissingInterpreter(t *testing.T) {
	_, err := Load("", envMap(map[string]string{"GOOGLE_API_KEY": "k"}))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "STK_PYTHON_CMD") {
		t.Errorf("Error should name the interpreter variable: %v", err)
	}
}

func TestLoad_InterpreterNotExecutable(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-python")
	_, err := Load("", envMap(map[string]string{
		"GOOGLE_API_KEY": "k",
		"STK_PYTHON_CMD": missing,
	}))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
}

func TestLoad_BothMissingReportsBoth(t *testing.T) {
	_, err := Load("", envMap(nil))
	if err == nil {
		t.Fatal("Expected error")
	}
	for _, want := range []string{"GOOGLE_API_KEY", "STK_PYTHON_CMD"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Error %q missing %s", err.Error(), want)
		}
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missiongen.yaml")
	content := `
generation:
  api_key: file-key
  max_attempts: 3
  request_timeout: 45s
sandbox:
  interpreter: ` + testInterpreter + `
  timeout: 2m
jobs:
  retain: false
logging:
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	// Environment wins over the file.
	cfg, err := Load(path, envMap(map[string]string{"GOOGLE_API_KEY": "env-key"}))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Generation.APIKey != "env-key" {
		t.Errorf("APIKey = %q, want env-key", cfg.Generation.APIKey)
	}
	if cfg.Generation.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Generation.MaxAttempts)
	}
	if cfg.Generation.RequestTimeout != 45*time.Second {
		t.Errorf("RequestTimeout = %v, want 45s", cfg.Generation.RequestTimeout)
	}
	if cfg.Sandbox.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v, want 2m", cfg.Sandbox.Timeout)
	}
	if cfg.Jobs.Retain {
		t.Error("Retain should be false from file")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format = %q, want json", cfg.Logging.Format)
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("generation: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, nil); !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestLoad_BadTimeoutEnv(t *testing.T) {
	_, err := Load("", envMap(map[string]string{
		"GOOGLE_API_KEY":     "k",
		"STK_PYTHON_CMD":     testInterpreter,
		"MISSIONGEN_TIMEOUT": "fifteen minutes",
	}))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("Expected configuration error, got %v", err)
	}
}

func TestValidate_ArchiveRequiresEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Generation.APIKey = "k"
	cfg.Sandbox.Interpreter = testInterpreter
	cfg.Archive.Enabled = true

	err := cfg.Validate()
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Fatalf("Expected configuration error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Archive.Endpoint") {
		t.Errorf("Error should mention the archive endpoint: %v", err)
	}
}

func TestLoadForSelfCheck_SkipsGenerationAndSandbox(t *testing.T) {
	cfg, err := LoadForSelfCheck("", envMap(map[string]string{}))
	if err != nil {
		t.Fatalf("LoadForSelfCheck: %v", err)
	}
	if cfg.Engine.Backend != "memory" {
		t.Errorf("Backend = %q, want memory", cfg.Engine.Backend)
	}

	_, err = LoadForSelfCheck("", envMap(map[string]string{"LOG_LEVEL": "loud"}))
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("Expected configuration error for other sections, got %v", err)
	}
}
