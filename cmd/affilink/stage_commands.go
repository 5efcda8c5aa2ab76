package main

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"affilink/internal/config"
	"affilink/internal/services"
)

// printable reports whether a stage produced a summary worth showing
// alongside its error.
func printable(err error) bool {
	return err == nil || services.IsInterrupted(err) || errors.Is(err, services.ErrCorpus)
}

type stageFlags struct {
	input       string
	workDir     string
	workers     int
	batchSize   int
	baseURL     string
	concurrency int
	timeout     time.Duration
	resume      bool
	fallback    bool
	output      string
	orgData     string
	backend     string
}

func (f *stageFlags) addWorkDir(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.workDir, "workdir", "", "Work directory shared by the pipeline stages")
}

func (f *stageFlags) addExtract(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.input, "input", "", "Directory containing the corpus dump")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "Parser workers (0 uses all CPUs)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Relationships per batch handed to the merge step")
}

func (f *stageFlags) addResolve(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.baseURL, "base-url", "", "Registry base URL")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Maximum concurrent lookups")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "Per-request lookup timeout")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "Continue from the existing checkpoint")
	cmd.Flags().BoolVar(&f.fallback, "fallback", false, "Retry unmatched affiliations with multi-candidate matching")
}

func (f *stageFlags) addReconcile(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.output, "output", "", "Enriched records output file")
	cmd.Flags().StringVar(&f.orgData, "org-data", "", "ROR data dump used for organization names")
	cmd.Flags().StringVar(&f.backend, "backend", "", "Identifier index backend (memory or sqlite)")
}

// apply copies explicitly set flags over the loaded configuration.
func (f *stageFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	changed := func(name string) bool {
		fl := flags.Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("workdir") {
		if err := setWorkDir(cfg, f.workDir); err != nil {
			return services.Wrap(services.ErrConfiguration, "cli", "apply flags", "--workdir", err)
		}
	}
	if changed("input") {
		input, err := config.ExpandPath(strings.TrimSpace(f.input))
		if err != nil {
			return services.Wrap(services.ErrConfiguration, "cli", "apply flags", "--input", err)
		}
		cfg.Paths.InputDir = input
	}
	if changed("workers") {
		cfg.Extract.Workers = f.workers
	}
	if changed("batch-size") {
		cfg.Extract.BatchSize = f.batchSize
	}
	if changed("base-url") {
		cfg.Registry.BaseURL = strings.TrimRight(strings.TrimSpace(f.baseURL), "/")
	}
	if changed("concurrency") {
		cfg.Registry.Concurrency = f.concurrency
	}
	if changed("timeout") {
		cfg.Registry.TimeoutSeconds = timeoutSeconds(f.timeout)
	}
	if changed("resume") {
		cfg.Resolve.Resume = f.resume
	}
	if changed("fallback") {
		cfg.Registry.Fallback = f.fallback
	}
	if changed("output") {
		output, err := config.ExpandPath(strings.TrimSpace(f.output))
		if err != nil {
			return services.Wrap(services.ErrConfiguration, "cli", "apply flags", "--output", err)
		}
		cfg.Reconcile.Output = output
	}
	if changed("org-data") {
		orgData, err := config.ExpandPath(strings.TrimSpace(f.orgData))
		if err != nil {
			return services.Wrap(services.ErrConfiguration, "cli", "apply flags", "--org-data", err)
		}
		cfg.Reconcile.OrgDataPath = orgData
	}
	if changed("backend") {
		cfg.Reconcile.Backend = strings.ToLower(strings.TrimSpace(f.backend))
	}
	return nil
}

// prepare loads the config, applies flags, and begins a locked stage run.
// The returned release func must be called when the command finishes.
func (c *commandContext) prepare(cmd *cobra.Command, flags *stageFlags) (*stageRun, func(), error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return nil, nil, err
	}
	run, err := c.beginStage(cmd, cfg)
	if err != nil {
		return nil, nil, err
	}
	lock, err := run.dir.Acquire()
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		run.finish()
		_ = lock.Release()
	}
	return run, release, nil
}

func requireInput(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Paths.InputDir) == "" {
		return services.Wrap(services.ErrConfiguration, "extract", "input", "set --input or paths.input_dir", nil)
	}
	return nil
}

func newExtractCommand(ctx *commandContext) *cobra.Command {
	flags := &stageFlags{}
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Extract unique affiliations and relationships from the corpus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, release, err := ctx.prepare(cmd, flags)
			if err != nil {
				return err
			}
			defer release()
			if err := requireInput(run.cfg); err != nil {
				return err
			}

			summary, err := run.extract(run.cfg.Paths.InputDir)
			if printable(err) {
				if perr := ctx.printSummary(cmd, "Extraction", summary, extractFields(summary)); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	flags.addWorkDir(cmd)
	flags.addExtract(cmd)
	return cmd
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	flags := &stageFlags{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve unique affiliations against the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, release, err := ctx.prepare(cmd, flags)
			if err != nil {
				return err
			}
			defer release()

			summary, err := run.resolve()
			if printable(err) {
				if perr := ctx.printSummary(cmd, "Resolution", summary, resolveFields(summary)); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	flags.addWorkDir(cmd)
	flags.addResolve(cmd)
	return cmd
}

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	flags := &stageFlags{}
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Join resolved identifiers back into enriched records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, release, err := ctx.prepare(cmd, flags)
			if err != nil {
				return err
			}
			defer release()

			summary, err := run.reconcile()
			if printable(err) {
				if perr := ctx.printSummary(cmd, "Reconciliation", summary, reconcileFields(summary)); perr != nil && err == nil {
					err = perr
				}
			}
			return err
		},
	}
	flags.addWorkDir(cmd)
	flags.addReconcile(cmd)
	return cmd
}

type pipelineSummary struct {
	Extract   any `json:"extract,omitempty"`
	Resolve   any `json:"resolve,omitempty"`
	Reconcile any `json:"reconcile,omitempty"`
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	flags := &stageFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run extract, resolve and reconcile in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			run, release, err := ctx.prepare(cmd, flags)
			if err != nil {
				return err
			}
			defer release()
			if err := requireInput(run.cfg); err != nil {
				return err
			}

			var combined pipelineSummary
			var fields []field
			report := func() error {
				return ctx.printSummary(cmd, "Pipeline", combined, fields)
			}

			extracted, err := run.extract(run.cfg.Paths.InputDir)
			if !printable(err) {
				return err
			}
			combined.Extract = extracted
			fields = append(fields, prefixed("extract", extractFields(extracted))...)
			if err != nil {
				_ = report()
				return err
			}

			resolved, err := run.resolve()
			if !printable(err) {
				return err
			}
			combined.Resolve = resolved
			fields = append(fields, prefixed("resolve", resolveFields(resolved))...)
			if err != nil {
				_ = report()
				return err
			}

			reconciled, err := run.reconcile()
			if err != nil {
				return err
			}
			combined.Reconcile = reconciled
			fields = append(fields, prefixed("reconcile", reconcileFields(reconciled))...)
			return report()
		},
	}
	flags.addWorkDir(cmd)
	flags.addExtract(cmd)
	flags.addResolve(cmd)
	flags.addReconcile(cmd)
	return cmd
}

func prefixed(stage string, fields []field) []field {
	out := make([]field, len(fields))
	for i, f := range fields {
		out[i] = field{label: stage + ": " + f.label, value: f.value}
	}
	return out
}
