package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeExtract()
	c.normalizeRegistry()
	if err := c.normalizeReconcile(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeMetrics()
	return nil
}

// Normalize re-applies defaults and path expansion after callers override
// fields (for example from CLI flags).
func (c *Config) Normalize() error {
	return c.normalize()
}

func (c *Config) normalizePaths() error {
	var err error
	if value, ok := os.LookupEnv("AFFILINK_WORK_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.WorkDir = strings.TrimSpace(value)
	}
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		c.Paths.WorkDir = defaultWorkDir
	}
	if c.Paths.WorkDir, err = expandPath(c.Paths.WorkDir); err != nil {
		return fmt.Errorf("paths.work_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.InputDir, err = expandPath(strings.TrimSpace(c.Paths.InputDir)); err != nil {
		return fmt.Errorf("paths.input_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeExtract() {
	if c.Extract.Workers < 0 {
		c.Extract.Workers = defaultExtractWorkers
	}
	if c.Extract.BatchSize <= 0 {
		c.Extract.BatchSize = defaultExtractBatchSize
	}
	c.Extract.FileSuffix = strings.TrimSpace(c.Extract.FileSuffix)
	if c.Extract.FileSuffix == "" {
		c.Extract.FileSuffix = defaultFileSuffix
	}
}

func (c *Config) normalizeRegistry() {
	if value, ok := os.LookupEnv("AFFILINK_REGISTRY_URL"); ok && strings.TrimSpace(value) != "" {
		c.Registry.BaseURL = value
	}
	c.Registry.BaseURL = strings.TrimRight(strings.TrimSpace(c.Registry.BaseURL), "/")
	if c.Registry.BaseURL == "" {
		c.Registry.BaseURL = defaultRegistryBaseURL
	}
	c.Registry.UserAgent = strings.TrimSpace(c.Registry.UserAgent)
	if c.Registry.UserAgent == "" {
		c.Registry.UserAgent = defaultRegistryUserAgent
	}
	if c.Registry.MaxBackoffSeconds <= 0 {
		c.Registry.MaxBackoffSeconds = defaultRegistryMaxBackoff
	}
	if c.Registry.InitialBackoffMS <= 0 {
		c.Registry.InitialBackoffMS = defaultRegistryInitialBackoff
	}
}

func (c *Config) normalizeReconcile() error {
	c.Reconcile.Backend = strings.ToLower(strings.TrimSpace(c.Reconcile.Backend))
	if c.Reconcile.Backend == "" {
		c.Reconcile.Backend = defaultReconcileBackend
	}
	output := strings.TrimSpace(c.Reconcile.Output)
	if output == "" {
		output = defaultReconcileOutput
	}
	if !filepath.IsAbs(output) && !strings.HasPrefix(output, "~") {
		output = filepath.Join(c.Paths.WorkDir, output)
	}
	var err error
	if c.Reconcile.Output, err = expandPath(output); err != nil {
		return fmt.Errorf("reconcile.output: %w", err)
	}
	if c.Reconcile.OrgDataPath, err = expandPath(strings.TrimSpace(c.Reconcile.OrgDataPath)); err != nil {
		return fmt.Errorf("reconcile.org_data_path: %w", err)
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeMetrics() {
	textfile := strings.TrimSpace(c.Metrics.Textfile)
	if textfile == "" {
		textfile = defaultMetricsTextfile
	}
	if !filepath.IsAbs(textfile) {
		textfile = filepath.Join(c.Paths.WorkDir, textfile)
	}
	c.Metrics.Textfile = textfile
}
