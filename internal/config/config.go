package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	InputDir string `toml:"input_dir"`
	WorkDir  string `toml:"work_dir"`
	LogDir   string `toml:"log_dir"`
}

// Extract contains configuration for the corpus extraction stage.
type Extract struct {
	Workers    int    `toml:"workers"`    // 0 = runtime.NumCPU()
	BatchSize  int    `toml:"batch_size"` // relationships per batch handed to the merge step
	FileSuffix string `toml:"file_suffix"`
}

// Registry contains connection settings for the organization registry
// (ROR affiliation matching API).
type Registry struct {
	BaseURL           string `toml:"base_url"`
	UserAgent         string `toml:"user_agent"`
	Concurrency       int    `toml:"concurrency"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxAttempts       int    `toml:"max_attempts"`
	InitialBackoffMS  int    `toml:"initial_backoff_ms"`
	MaxBackoffSeconds int    `toml:"max_backoff_seconds"`
	// Fallback enables a second, multi-candidate query when the single-search
	// query yields no match.
	Fallback bool `toml:"fallback"`
}

// Resolve contains configuration for the checkpointed resolution stage.
type Resolve struct {
	Resume bool `toml:"resume"`
	// SyncEvery forces an fsync of the outcome streams and checkpoint after this
	// many outcomes. Zero syncs only at the end of the run.
	SyncEvery int `toml:"sync_every"`
	// ProgressInterval controls how often progress is logged, in seconds.
	ProgressInterval int `toml:"progress_interval"`
}

// Reconcile contains configuration for the reconciliation join.
type Reconcile struct {
	Backend     string `toml:"backend"` // "memory" or "sqlite"
	Output      string `toml:"output"`
	OrgDataPath string `toml:"org_data_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
	// File enables an additional log file under paths.log_dir.
	File bool `toml:"file"`
}

// Metrics contains configuration for the Prometheus textfile written at the end
// of each stage.
type Metrics struct {
	Enabled  bool   `toml:"enabled"`
	Textfile string `toml:"textfile"`
}

// Config encapsulates all configuration values for affilink.
//
// Configuration sections by subsystem:
//   - Paths: corpus input, work directory, and log directory
//   - Extract: worker pool size, batch size, and corpus file suffix
//   - Registry: lookup service address, concurrency ceiling, timeouts, retries
//   - Resolve: resume behaviour and checkpoint sync cadence
//   - Reconcile: identifier index backend and output locations
//   - Logging: log format and level
//   - Metrics: Prometheus textfile output
type Config struct {
	Paths     Paths     `toml:"paths"`
	Extract   Extract   `toml:"extract"`
	Registry  Registry  `toml:"registry"`
	Resolve   Resolve   `toml:"resolve"`
	Reconcile Reconcile `toml:"reconcile"`
	Logging   Logging   `toml:"logging"`
	Metrics   Metrics   `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/affilink/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("affilink.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the work and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// RegistryTimeout returns the per-request lookup timeout.
func (c *Config) RegistryTimeout() time.Duration {
	return time.Duration(c.Registry.TimeoutSeconds) * time.Second
}

// RegistryInitialBackoff returns the first retry delay for failed lookups.
func (c *Config) RegistryInitialBackoff() time.Duration {
	return time.Duration(c.Registry.InitialBackoffMS) * time.Millisecond
}

// RegistryMaxBackoff returns the ceiling for retry delays.
func (c *Config) RegistryMaxBackoff() time.Duration {
	return time.Duration(c.Registry.MaxBackoffSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
