// Package config builds the immutable configuration value that every
// component receives through its constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"cymbytes.com/missiongen/internal/faults"
)

// Config holds the complete missiongen configuration.
type Config struct {
	Generation GenerationConfig `yaml:"generation"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Engine     EngineConfig     `yaml:"engine"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GenerationConfig holds generative backend settings.
type GenerationConfig struct {
	APIKey          string        `yaml:"api_key" validate:"required"`
	Model           string        `yaml:"model" validate:"required"`
	BaseURL         string        `yaml:"base_url" validate:"required,url"`
	APIVersion      string        `yaml:"api_version" validate:"required"`
	Temperature     float64       `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxOutputTokens int           `yaml:"max_output_tokens" validate:"gte=0"`
	RequestTimeout  time.Duration `yaml:"request_timeout" validate:"gte=0"`
	MaxAttempts     int           `yaml:"max_attempts" validate:"gte=1,lte=10"`
	RetryDelay      time.Duration `yaml:"retry_delay" validate:"gte=0"`
}

// SandboxConfig holds sandboxed execution settings.
type SandboxConfig struct {
	Interpreter    string        `yaml:"interpreter" validate:"required"`
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	KillGrace      time.Duration `yaml:"kill_grace" validate:"gte=0"`
	MaxOutputBytes int           `yaml:"max_output_bytes" validate:"gte=1024"`
	StreamOutput   bool          `yaml:"stream_output"`
}

// JobsConfig holds job registry settings.
type JobsConfig struct {
	WorkRoot      string        `yaml:"work_root" validate:"required"`
	DatabasePath  string        `yaml:"database_path" validate:"required"`
	Retain        bool          `yaml:"retain"`
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
}

// ArchiveConfig holds S3-compatible artifact archive settings.
type ArchiveConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint" validate:"required_if=Enabled true"`
	AccessKey string `yaml:"access_key" validate:"required_if=Enabled true"`
	SecretKey string `yaml:"secret_key" validate:"required_if=Enabled true"`
	Bucket    string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// EngineConfig selects the backend used by the self check.
type EngineConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory stk"`
	ProgID    string `yaml:"prog_id"`
	Visible   bool   `yaml:"visible"`
	AttachRun bool   `yaml:"attach_running"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	root := filepath.Join(os.TempDir(), "missiongen")
	return Config{
		Generation: GenerationConfig{
			Model:           "gemini-2.5-flash",
			BaseURL:         "https://generativelanguage.googleapis.com/",
			APIVersion:      "v1beta",
			Temperature:     0.2,
			MaxOutputTokens: 0,
			RequestTimeout:  0,
			MaxAttempts:     1,
			RetryDelay:      2 * time.Second,
		},
		Sandbox: SandboxConfig{
			Timeout:        15 * time.Minute,
			KillGrace:      5 * time.Second,
			MaxOutputBytes: 4 << 20,
		},
		Jobs: JobsConfig{
			WorkRoot:      root,
			DatabasePath:  filepath.Join(root, "missiongen.db"),
			Retain:        true,
			TTL:           24 * time.Hour,
			SweepInterval: 10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Prefix: "jobs",
			UseSSL: true,
		},
		Engine: EngineConfig{
			Backend: "memory",
			ProgID:  "STK12.Application",
			Visible: true,
		},
		Logging: LoggingConfig{
			Level:  "warn",
			Format: "console",
		},
	}
}

// LookupFunc reads one environment variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Load builds a validated Config from defaults, an optional yaml file and
// environment overrides. Any problem is a configuration error.
func Load(path string, lookup LookupFunc) (Config, error) {
	cfg, err := read(path, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadForSelfCheck is Load without validating the generation and sandbox
// sections, which an engine self check never uses.
func LoadForSelfCheck(path string, lookup LookupFunc) (Config, error) {
	cfg, err := read(path, lookup)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.validate("Generation", "Sandbox"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func read(path string, lookup LookupFunc) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if lookup != nil {
		if err := applyEnvOverrides(&cfg, lookup); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return faults.Configuration("config.load", "failed to read config file", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return faults.Configuration("config.load", "failed to parse config file", err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup LookupFunc) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	// Generative backend
	if v, ok := get("GOOGLE_API_KEY"); ok {
		cfg.Generation.APIKey = v
	}
	if v, ok := get("GOOGLE_GEMINI_MODEL"); ok {
		cfg.Generation.Model = v
	}

	// Sandbox
	if v, ok := get("STK_PYTHON_CMD"); ok {
		cfg.Sandbox.Interpreter = v
	}
	if v, ok := get("MISSIONGEN_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return faults.Configuration("config.env", "MISSIONGEN_TIMEOUT is not a duration", err)
		}
		cfg.Sandbox.Timeout = d
	}

	// Jobs
	if v, ok := get("MISSIONGEN_WORK_ROOT"); ok {
		cfg.Jobs.WorkRoot = v
		cfg.Jobs.DatabasePath = filepath.Join(v, "missiongen.db")
	}
	if v, ok := get("MISSIONGEN_DATABASE_PATH"); ok {
		cfg.Jobs.DatabasePath = v
	}

	// Archive
	if v, ok := get("MISSIONGEN_ARCHIVE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return faults.Configuration("config.env", "MISSIONGEN_ARCHIVE_ENABLED is not a boolean", err)
		}
		cfg.Archive.Enabled = b
	}
	if v, ok := get("MISSIONGEN_ARCHIVE_ENDPOINT"); ok {
		cfg.Archive.Endpoint = v
	}
	if v, ok := get("MISSIONGEN_ARCHIVE_ACCESS_KEY"); ok {
		cfg.Archive.AccessKey = v
	}
	if v, ok := get("MISSIONGEN_ARCHIVE_SECRET_KEY"); ok {
		cfg.Archive.SecretKey = v
	}
	if v, ok := get("MISSIONGEN_ARCHIVE_BUCKET"); ok {
		cfg.Archive.Bucket = v
	}

	// Log level
	if v, ok := get("LOG_LEVEL"); ok {
		cfg.Logging.Level = strings.ToLower(v)
	}
	return nil
}

// Validate checks every section and resolves the interpreter. All
// violations are reported together in one configuration error.
func (c *Config) Validate() error {
	return c.validate()
}

func (c *Config) validate(skip ...string) error {
	v := validator.New()

	var problems []string
	if err := v.StructExcept(c, skip...); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return faults.Configuration("config.validate", "invalid configuration", err)
		}
		for _, e := range verrs {
			problems = append(problems, formatValidationError(e))
		}
	}

	if c.Sandbox.Interpreter != "" && !slices.Contains(skip, "Sandbox") {
		resolved, err := exec.LookPath(c.Sandbox.Interpreter)
		if err != nil {
			problems = append(problems, fmt.Sprintf("interpreter %q is not executable: %v", c.Sandbox.Interpreter, err))
		} else {
			c.Sandbox.Interpreter = resolved
		}
	}

	if len(problems) > 0 {
		return faults.Configuration("config.validate", strings.Join(problems, "; "), nil)
	}
	return nil
}

func formatValidationError(e validator.FieldError) string {
	field := strings.TrimPrefix(e.Namespace(), "Config.")
	switch field {
	case "Generation.APIKey":
		return "generative backend credential is not set (GOOGLE_API_KEY)"
	case "Sandbox.Interpreter":
		return "interpreter path is not set (STK_PYTHON_CMD)"
	}
	switch e.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s %s", field, e.Tag(), e.Param())
	}
}
