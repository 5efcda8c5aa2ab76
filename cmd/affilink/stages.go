package main

import (
	"context"
	"log/slog"
	"math"
	"time"

	"affilink/internal/extract"
	"affilink/internal/reconcile"
	"affilink/internal/registry"
	"affilink/internal/resolve"
	"affilink/internal/services"
)

func (r *stageRun) extract(input string) (extract.Summary, error) {
	var summary extract.Summary
	err := r.stage("extract", func(ctx context.Context, logger *slog.Logger) error {
		var err error
		summary, err = extract.Run(ctx, extract.Options{
			InputDir:  input,
			Suffix:    r.cfg.Extract.FileSuffix,
			Workers:   r.cfg.Extract.Workers,
			BatchSize: r.cfg.Extract.BatchSize,
			Dir:       r.dir,
			Logger:    logger,
			Metrics:   r.metrics,
		})
		return err
	})
	return summary, err
}

func (r *stageRun) resolve() (resolve.Summary, error) {
	client, err := registry.New(registry.Config{
		BaseURL:   r.cfg.Registry.BaseURL,
		UserAgent: r.cfg.Registry.UserAgent,
		Timeout:   r.cfg.RegistryTimeout(),
	})
	if err != nil {
		return resolve.Summary{}, services.Wrap(services.ErrConfiguration, "resolve", "registry client", "", err)
	}
	var summary resolve.Summary
	err = r.stage("resolve", func(ctx context.Context, logger *slog.Logger) error {
		var err error
		summary, err = resolve.Run(ctx, resolve.Options{
			Dir:              r.dir,
			Registry:         client,
			Concurrency:      r.cfg.Registry.Concurrency,
			Timeout:          r.cfg.RegistryTimeout(),
			MaxAttempts:      r.cfg.Registry.MaxAttempts,
			InitialBackoff:   r.cfg.RegistryInitialBackoff(),
			MaxBackoff:       r.cfg.RegistryMaxBackoff(),
			Fallback:         r.cfg.Registry.Fallback,
			Resume:           r.cfg.Resolve.Resume,
			SyncEvery:        r.cfg.Resolve.SyncEvery,
			ProgressInterval: time.Duration(r.cfg.Resolve.ProgressInterval) * time.Second,
			Logger:           logger,
			Metrics:          r.metrics,
		})
		return err
	})
	return summary, err
}

func (r *stageRun) reconcile() (reconcile.Summary, error) {
	var summary reconcile.Summary
	err := r.stage("reconcile", func(ctx context.Context, logger *slog.Logger) error {
		var err error
		summary, err = reconcile.Run(ctx, reconcile.Options{
			Dir:         r.dir,
			Backend:     r.cfg.Reconcile.Backend,
			Output:      r.cfg.Reconcile.Output,
			OrgDataPath: r.cfg.Reconcile.OrgDataPath,
			Logger:      logger,
			Metrics:     r.metrics,
		})
		return err
	})
	return summary, err
}

func extractFields(s extract.Summary) []field {
	fields := []field{
		intField("Files", s.Files),
		intField("Failed files", s.FailedFiles),
		int64Field("Documents", s.Documents),
		int64Field("Relationships", s.Relationships),
		intField("Unique affiliations", s.UniqueAffiliations),
		int64Field("Skipped records", s.SkippedRecords),
		int64Field("Skipped affiliations", s.SkippedAffiliations),
		int64Field("Existing identifiers", s.ExistingIdentifiers),
	}
	if s.Collisions > 0 {
		fields = append(fields, intField("Fingerprint collisions", s.Collisions))
	}
	return append(fields, durationField("Elapsed", s.Duration))
}

func resolveFields(s resolve.Summary) []field {
	return []field{
		intField("Unique affiliations", s.Total),
		intField("Already processed", s.Skipped),
		intField("Matched", s.Matched),
		intField("No match", s.NoMatch),
		intField("Ambiguous", s.Ambiguous),
		intField("Errors", s.Errors),
		intField("Remaining", s.Remaining),
		intField("Peak in flight", s.PeakInFlight),
		{"Partial", yesNo(s.Partial)},
		intField("Checkpoint total", s.Checkpoint.Total()),
		durationField("Elapsed", s.Duration),
	}
}

func reconcileFields(s reconcile.Summary) []field {
	return []field{
		{"Backend", s.Backend},
		{"Output", s.Output},
		intField("Documents", s.Documents),
		intField("Relationships", s.Relationships),
		intField("Identified", s.Identified),
		intField("Unidentified", s.Unidentified),
		int64Field("Skipped lines", s.SkippedLines),
		intField("Matches loaded", s.MatchesLoaded),
		intField("Failed outcomes", s.FailedOutcomes),
		intField("Existing assignments", s.ExistingAssignments),
		intField("User disagreements", s.UserDisagreements),
		intField("Match disagreements", s.MatchDisagreements),
		durationField("Elapsed", s.Duration),
	}
}

// timeoutSeconds rounds a flag duration up to whole seconds.
func timeoutSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
