package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"affilink/internal/config"
	"affilink/internal/logging"
	"affilink/internal/metrics"
	"affilink/internal/services"
	"affilink/internal/workdir"
)

type globalFlags struct {
	config    string
	verbose   bool
	logFormat string
	json      bool
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = services.Wrap(services.ErrConfiguration, "cli", "load config", "", err)
			return
		}
		if c.flags.verbose {
			cfg.Logging.Level = "debug"
		}
		if format := strings.TrimSpace(c.flags.logFormat); format != "" {
			cfg.Logging.Format = strings.ToLower(format)
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// loggerFor builds the process logger once. It must run after stage flags
// have been applied to the config.
func (c *commandContext) loggerFor(cfg *config.Config) (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		if err := cfg.Validate(); err != nil {
			c.loggerErr = services.Wrap(services.ErrConfiguration, "cli", "validate flags", "", err)
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.loggerErr = services.Wrap(services.ErrConfiguration, "cli", "ensure directories", "", err)
			return
		}
		c.logger, c.loggerErr = logging.NewFromConfig(cfg)
	})
	return c.logger, c.loggerErr
}

// stageRun carries what every stage command needs.
type stageRun struct {
	ctx     context.Context
	cfg     *config.Config
	dir     workdir.Dir
	logger  *slog.Logger
	metrics *metrics.Metrics
	runID   string
}

// beginStage prepares logging, metrics and the work directory for a stage
// command.
func (c *commandContext) beginStage(cmd *cobra.Command, cfg *config.Config) (*stageRun, error) {
	logger, err := c.loggerFor(cfg)
	if err != nil {
		return nil, err
	}
	dir := workdir.New(cfg.Paths.WorkDir)
	if err := dir.Ensure(); err != nil {
		return nil, services.Wrap(services.ErrOutput, "cli", "prepare work directory", "", err)
	}

	runID := uuid.NewString()
	ctx := services.WithRunID(cmd.Context(), runID)
	run := &stageRun{
		ctx:    ctx,
		cfg:    cfg,
		dir:    dir,
		logger: logging.WithContext(ctx, logger),
		runID:  runID,
	}
	if cfg.Metrics.Enabled {
		run.metrics = metrics.New()
	}
	return run, nil
}

// stage runs fn with the stage recorded on the context and reports its
// duration to metrics.
func (r *stageRun) stage(name string, fn func(ctx context.Context, logger *slog.Logger) error) error {
	ctx := services.WithStage(r.ctx, name)
	start := time.Now()
	err := fn(ctx, logging.WithContext(ctx, r.logger))
	r.metrics.StageFinished(name, time.Since(start), err == nil)
	return err
}

// finish writes the metrics textfile when metrics are enabled.
func (r *stageRun) finish() {
	if r.metrics == nil {
		return
	}
	if err := r.metrics.WriteTextfile(r.cfg.Metrics.Textfile); err != nil {
		logging.WarnWithContext(r.logger, "metrics textfile not written", "metrics_write_failed",
			logging.String(logging.FieldFile, r.cfg.Metrics.Textfile),
			logging.Error(err),
		)
	}
}

// setWorkDir points cfg at dir, moving derived output paths that lived
// under the previous work directory along with it.
func setWorkDir(cfg *config.Config, dir string) error {
	expanded, err := config.ExpandPath(strings.TrimSpace(dir))
	if err != nil {
		return fmt.Errorf("resolve work directory: %w", err)
	}
	previous := cfg.Paths.WorkDir
	rebase := func(path string) string {
		rel, err := filepath.Rel(previous, path)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return path
		}
		return filepath.Join(expanded, rel)
	}
	cfg.Reconcile.Output = rebase(cfg.Reconcile.Output)
	cfg.Metrics.Textfile = rebase(cfg.Metrics.Textfile)
	cfg.Paths.WorkDir = expanded
	return nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
