package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateExtract(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateResolve(); err != nil {
		return err
	}
	if err := c.validateReconcile(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.WorkDir) == "" {
		return errors.New("paths.work_dir must be set")
	}
	return nil
}

func (c *Config) validateExtract() error {
	if c.Extract.Workers < 0 {
		return errors.New("extract.workers must be >= 0 (0 uses all CPUs)")
	}
	if c.Extract.BatchSize <= 0 {
		return errors.New("extract.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateRegistry() error {
	parsed, err := url.Parse(c.Registry.BaseURL)
	if err != nil {
		return fmt.Errorf("registry.base_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("registry.base_url must be an http(s) URL, got %q", c.Registry.BaseURL)
	}
	if err := ensurePositiveMap(map[string]int{
		"registry.concurrency":     c.Registry.Concurrency,
		"registry.timeout_seconds": c.Registry.TimeoutSeconds,
		"registry.max_attempts":    c.Registry.MaxAttempts,
	}); err != nil {
		return err
	}
	if c.RegistryInitialBackoff() > c.RegistryMaxBackoff() {
		return errors.New("registry.initial_backoff_ms must not exceed registry.max_backoff_seconds")
	}
	return nil
}

func (c *Config) validateResolve() error {
	if c.Resolve.SyncEvery < 0 {
		return errors.New("resolve.sync_every must be >= 0")
	}
	if c.Resolve.ProgressInterval < 0 {
		return errors.New("resolve.progress_interval must be >= 0")
	}
	return nil
}

func (c *Config) validateReconcile() error {
	switch c.Reconcile.Backend {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("reconcile.backend must be \"memory\" or \"sqlite\", got %q", c.Reconcile.Backend)
	}
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
